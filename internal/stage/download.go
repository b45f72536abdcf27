package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aceteam-ai/reelpipe/internal/media"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// Download fetches the subject's source media to a local temp path, probes
// its metadata, uploads it to the object store, and persists the subject's
// duration/local-path/cloud-url if not already known.
type Download struct{}

func (Download) Name() pipeline.Stage      { return pipeline.StageDownload }
func (Download) Requires() []pipeline.Stage { return nil }

// ShouldSkip skips re-downloading a subject that already has a registered
// cloud URL on record (a prior run already fetched and uploaded it). There is
// no option to force a re-download: a recorded cloud URL always causes the
// skip. It does not key off LocalPath:
// that field is only ever populated on the worker that actually ran
// Download, so a resubmission picked up by a different worker — or any
// ordinary resubmission after a prior run completed — would otherwise see a
// local path that was never written to this worker's disk. CloudURL is the
// durable signal that the upload genuinely completed.
func (Download) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	video, err := rc.Deps.Videos.GetVideo(ctx, rc.VideoID)
	if err != nil || video == nil {
		return false, ""
	}
	if video.CloudURL != "" {
		rc.LocalMediaPath = video.LocalPath
		rc.MediaMeta = media.Metadata{DurationSeconds: video.DurationS}
		rc.VideoURL = video.CloudURL
		return true, "already downloaded"
	}
	return false, ""
}

func (Download) Run(ctx context.Context, rc *RunContext) error {
	video, err := rc.Deps.Videos.GetVideo(ctx, rc.VideoID)
	if err != nil {
		return fmt.Errorf("download: load video %s: %w", rc.VideoID, err)
	}
	rc.SourceURL = video.SourceURL

	localPath, meta, err := rc.Deps.Media.Download(ctx, rc.SourceURL)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	rc.LocalMediaPath = localPath
	rc.MediaMeta = meta

	if err := rc.Deps.Videos.UpdateDuration(ctx, rc.VideoID, meta.DurationSeconds); err != nil {
		return fmt.Errorf("download: persist duration: %w", err)
	}
	if err := rc.Deps.Videos.UpdateLocalPath(ctx, rc.VideoID, localPath); err != nil {
		return fmt.Errorf("download: persist local path: %w", err)
	}

	url, err := uploadToObjectStore(ctx, rc, localPath)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	rc.VideoURL = url
	if err := rc.Deps.Videos.UpdateCloudURL(ctx, rc.VideoID, url); err != nil {
		return fmt.Errorf("download: persist cloud url: %w", err)
	}
	return nil
}

func uploadToObjectStore(ctx context.Context, rc *RunContext, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open media file %s: %v", pipeline.ErrStorage, localPath, err)
	}
	defer f.Close()

	key := fmt.Sprintf("media/%s/%s%s", rc.VideoID, rc.RequestID, filepath.Ext(localPath))
	if _, err := rc.Deps.Objects.Put(ctx, key, f); err != nil {
		return "", fmt.Errorf("%w: upload media: %v", pipeline.ErrStorage, err)
	}
	url, err := rc.Deps.Objects.SignedURL(ctx, key, DefaultSignedURLTTL)
	if err != nil {
		return "", fmt.Errorf("%w: sign media url: %v", pipeline.ErrStorage, err)
	}
	return url, nil
}
