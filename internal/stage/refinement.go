package stage

import (
	"context"
	"fmt"

	"github.com/aceteam-ai/reelpipe/internal/inference"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// Refinement invokes the refinement model for each moment, with or without
// the clip URL depending on the refinement model's video capability, and
// persists a new is_refined=true moment with parent_id pointing at the
// original. A single moment's refinement failure is recoverable: the
// original moment remains intact (spec.md §4.10).
type Refinement struct{}

func (Refinement) Name() pipeline.Stage { return pipeline.StageRefinement }
func (Refinement) Requires() []pipeline.Stage {
	return []pipeline.Stage{pipeline.StageMomentGeneration}
}

func (Refinement) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	return false, ""
}

func (Refinement) Run(ctx context.Context, rc *RunContext) error {
	if len(rc.Moments) == 0 {
		return nil
	}

	var firstRecoverable error
	total := int64(len(rc.Moments))
	var done int64
	for _, moment := range rc.Moments {
		if ctx.Err() != nil {
			return pipeline.ErrCancelled
		}
		if cancelled, _ := rc.Deps.Cancellation.CheckCancellation(ctx, rc.VideoID); cancelled {
			return pipeline.ErrCancelled
		}

		refined, err := refineOne(ctx, rc, moment)
		if err != nil {
			if firstRecoverable == nil {
				firstRecoverable = pipeline.Recoverable(pipeline.StageRefinement, fmt.Errorf("moment %s: %w", moment.ID, err))
			}
			done++
			_ = rc.Deps.Tracker.UpdateProgress(ctx, rc.VideoID, pipeline.StageRefinement, pipeline.StageProgress{Current: done, Total: total})
			continue
		}
		if err := rc.Deps.Moments.SaveRefined(ctx, refined); err != nil {
			return fmt.Errorf("refinement: persist refined moment for %s: %w", moment.ID, err)
		}
		rc.RefinedMoments[moment.ID] = refined
		done++
		_ = rc.Deps.Tracker.UpdateProgress(ctx, rc.VideoID, pipeline.StageRefinement, pipeline.StageProgress{Current: done, Total: total})
	}
	return firstRecoverable
}

func refineOne(ctx context.Context, rc *RunContext, moment pipeline.MomentRecord) (pipeline.MomentRecord, error) {
	if err := rc.Deps.Governor.Refinement.Acquire(ctx); err != nil {
		return pipeline.MomentRecord{}, pipeline.ErrCancelled
	}
	defer rc.Deps.Governor.Refinement.Release()

	client, modelID, release, err := inferenceClient(ctx, rc, rc.Config.RefinementModel)
	if err != nil {
		return pipeline.MomentRecord{}, fmt.Errorf("acquire tunnel for %s: %w", rc.Config.RefinementModel, err)
	}
	defer release()

	parts := []inference.ContentPart{inference.TextPart(refinementPrompt(moment))}
	if rc.RefinementSupportsVideo {
		if clipURL, ok := rc.ClipURLs[moment.ID]; ok {
			parts = append(parts, inference.VideoURLPart(clipURL))
		}
	}
	messages := []inference.ChatMessage{{Role: "user", Content: parts}}

	raw, err := client.Complete(ctx, modelID, messages, inference.SamplingParams{
		Temperature: rc.Config.GenerationParams.Temperature,
		TopP:        rc.Config.GenerationParams.TopP,
		TopK:        rc.Config.GenerationParams.TopK,
	})
	if err != nil {
		return pipeline.MomentRecord{}, err
	}

	start, end, err := inference.ParseRefinement(raw)
	if err != nil {
		return pipeline.MomentRecord{}, err
	}

	return pipeline.MomentRecord{
		ID:        fmt.Sprintf("%s-refined", moment.ID),
		VideoID:   rc.VideoID,
		ParentID:  moment.ID,
		StartTime: start,
		EndTime:   end,
		Title:     moment.Title,
		IsRefined: true,
	}, nil
}

func refinementPrompt(moment pipeline.MomentRecord) string {
	return fmt.Sprintf(
		"Refine the exact start and end time of this highlight moment titled %q, currently bounded [%.2f, %.2f]. "+
			"Respond with a single JSON object {start_time, end_time}.",
		moment.Title, moment.StartTime, moment.EndTime,
	)
}
