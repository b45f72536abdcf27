package stage

import (
	"context"
	"fmt"
	"os"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// ClipUpload puts each extracted clip in the object store and persists a
// clip record. Moments whose clip extraction failed (and so have no entry
// in rc.ClipLocalPaths) are skipped here, not failed — ClipExtract already
// recorded the per-moment failure as recoverable.
type ClipUpload struct{}

func (ClipUpload) Name() pipeline.Stage { return pipeline.StageClipUpload }
func (ClipUpload) Requires() []pipeline.Stage {
	return []pipeline.Stage{pipeline.StageClipExtract}
}

func (ClipUpload) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	if !rc.RefinementSupportsVideo {
		return true, "refinement model does not support video"
	}
	return false, ""
}

func (ClipUpload) Run(ctx context.Context, rc *RunContext) error {
	var firstRecoverable error
	total := int64(len(rc.Moments))
	var uploaded int64
	for _, moment := range rc.Moments {
		localPath, ok := rc.ClipLocalPaths[moment.ID]
		if !ok {
			uploaded++
			_ = rc.Deps.Tracker.UpdateProgress(ctx, rc.VideoID, pipeline.StageClipUpload, pipeline.StageProgress{Current: uploaded, Total: total})
			continue
		}
		if err := ctx.Err(); err != nil {
			return pipeline.ErrCancelled
		}

		url, err := uploadClip(ctx, rc, moment.ID, localPath)
		if err != nil {
			if firstRecoverable == nil {
				firstRecoverable = pipeline.Recoverable(pipeline.StageClipUpload, fmt.Errorf("moment %s: %w", moment.ID, err))
			}
			uploaded++
			_ = rc.Deps.Tracker.UpdateProgress(ctx, rc.VideoID, pipeline.StageClipUpload, pipeline.StageProgress{Current: uploaded, Total: total})
			continue
		}
		rc.ClipURLs[moment.ID] = url

		clip := pipeline.ClipRecord{
			ID:        fmt.Sprintf("clip-%s", moment.ID),
			MomentID:  moment.ID,
			VideoID:   rc.VideoID,
			LocalPath: localPath,
			RemoteURL: url,
			Uploaded:  true,
		}
		if err := rc.Deps.Clips.SaveClip(ctx, clip); err != nil {
			return fmt.Errorf("clip upload: persist clip for moment %s: %w", moment.ID, err)
		}
		uploaded++
		rc.Deps.Tracker.UpdateProgress(ctx, rc.VideoID, pipeline.StageClipUpload, pipeline.StageProgress{Current: uploaded, Total: total})
	}
	return firstRecoverable
}

func uploadClip(ctx context.Context, rc *RunContext, momentID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open clip file %s: %v", pipeline.ErrStorage, localPath, err)
	}
	defer f.Close()

	key := fmt.Sprintf("clips/%s/%s-%s.mp4", rc.VideoID, rc.RequestID, momentID)
	if _, err := rc.Deps.Objects.Put(ctx, key, f); err != nil {
		return "", fmt.Errorf("%w: upload clip: %v", pipeline.ErrStorage, err)
	}
	url, err := rc.Deps.Objects.SignedURL(ctx, key, DefaultSignedURLTTL)
	if err != nil {
		return "", fmt.Errorf("%w: sign clip url: %v", pipeline.ErrStorage, err)
	}
	return url, nil
}
