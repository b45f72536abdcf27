package stage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/reelpipe/internal/media"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// ClipExtract produces one clip per moment in parallel, up to the
// clip-extraction semaphore's capacity, respecting left/right padding
// clamped to media bounds. A single moment's extraction failure is
// recoverable (spec.md §4.10): it is recorded and later stages tolerate the
// missing clip rather than aborting the run.
type ClipExtract struct{}

func (ClipExtract) Name() pipeline.Stage { return pipeline.StageClipExtract }
func (ClipExtract) Requires() []pipeline.Stage {
	return []pipeline.Stage{pipeline.StageMomentGeneration}
}

// ShouldSkip skips clip extraction entirely when the refinement model lacks
// video capability (spec.md §4.9's skip rule) — refinement will run on
// transcript text alone and never needs a clip.
func (ClipExtract) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	if !rc.RefinementSupportsVideo {
		return true, "refinement model does not support video"
	}
	return false, ""
}

func (ClipExtract) Run(ctx context.Context, rc *RunContext) error {
	if len(rc.Moments) == 0 {
		return nil
	}

	paddingLeft := time.Duration(rc.Config.PaddingLeftSeconds * float64(time.Second))
	paddingRight := time.Duration(rc.Config.PaddingRightSeconds * float64(time.Second))
	mediaDuration := time.Duration(rc.MediaMeta.DurationSeconds * float64(time.Second))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var firstRecoverable error
	var completed int64
	total := int64(len(rc.Moments))

	for _, moment := range rc.Moments {
		moment := moment
		g.Go(func() error {
			if cancelled, _ := rc.Deps.Cancellation.CheckCancellation(gctx, rc.VideoID); cancelled {
				return pipeline.ErrCancelled
			}
			if err := rc.Deps.Governor.ClipExtraction.Acquire(gctx); err != nil {
				return pipeline.ErrCancelled
			}
			defer rc.Deps.Governor.ClipExtraction.Release()

			start := time.Duration(moment.StartTime * float64(time.Second))
			end := time.Duration(moment.EndTime * float64(time.Second))
			clampedStart, clampedEnd := media.ClampPadding(start, end, paddingLeft, paddingRight, mediaDuration)

			clipPath, err := rc.Deps.Media.ExtractClip(gctx, rc.LocalMediaPath, media.Clip{
				MomentID: moment.ID,
				Start:    clampedStart,
				End:      clampedEnd,
			})
			if err != nil {
				if err == context.Canceled || gctx.Err() != nil {
					return pipeline.ErrCancelled
				}
				mu.Lock()
				if firstRecoverable == nil {
					firstRecoverable = pipeline.Recoverable(pipeline.StageClipExtract, fmt.Errorf("moment %s: %w", moment.ID, err))
				}
				mu.Unlock()
				reportClipExtractProgress(gctx, rc, &completed, total)
				return nil
			}

			mu.Lock()
			rc.ClipLocalPaths[moment.ID] = clipPath
			mu.Unlock()
			reportClipExtractProgress(gctx, rc, &completed, total)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return firstRecoverable
}

func reportClipExtractProgress(ctx context.Context, rc *RunContext, completed *int64, total int64) {
	done := atomic.AddInt64(completed, 1)
	_ = rc.Deps.Tracker.UpdateProgress(ctx, rc.VideoID, pipeline.StageClipExtract, pipeline.StageProgress{
		Current: done,
		Total:   total,
	})
}
