package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/aceteam-ai/reelpipe/internal/inference"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// MomentGeneration builds a generation prompt from the transcript segments,
// calls the (text- or vision-capable) generation model via tunnel, parses
// the resulting moment list and persists it. Moments carry is_refined=false
// until Refinement runs. A response with zero moments is a completed stage
// with an empty moment list (spec.md §8), not a failure.
type MomentGeneration struct{}

func (MomentGeneration) Name() pipeline.Stage { return pipeline.StageMomentGeneration }
func (MomentGeneration) Requires() []pipeline.Stage {
	return []pipeline.Stage{pipeline.StageTranscribe}
}

func (MomentGeneration) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	return false, ""
}

func (MomentGeneration) Run(ctx context.Context, rc *RunContext) error {
	if err := rc.Deps.Governor.MomentGeneration.Acquire(ctx); err != nil {
		return pipeline.ErrCancelled
	}
	defer rc.Deps.Governor.MomentGeneration.Release()

	client, modelID, release, err := inferenceClient(ctx, rc, rc.Config.GenerationModel)
	if err != nil {
		return fmt.Errorf("moment generation: acquire tunnel for %s: %w", rc.Config.GenerationModel, err)
	}
	defer release()

	prompt := buildGenerationPrompt(rc.Config, rc.TranscriptSegments)
	parts := []inference.ContentPart{inference.TextPart(prompt)}
	if rc.GenerationSupportsVideo && rc.VideoURL != "" {
		parts = append(parts, inference.VideoURLPart(rc.VideoURL))
	}
	messages := []inference.ChatMessage{
		{Role: "user", Content: parts},
	}

	params := inference.SamplingParams{
		Temperature: rc.Config.GenerationParams.Temperature,
		TopP:        rc.Config.GenerationParams.TopP,
		TopK:        rc.Config.GenerationParams.TopK,
		MaxTokens:   rc.Config.GenerationParams.MaxTokens,
	}

	raw, err := client.Complete(ctx, modelID, messages, params)
	if err != nil {
		return fmt.Errorf("moment generation: %w", err)
	}

	candidates, err := inference.ParseMoments(raw, rc.MediaMeta.DurationSeconds)
	if err != nil {
		return fmt.Errorf("moment generation: %w", err)
	}
	candidates = clampMomentBounds(candidates, rc.Config)

	records, err := rc.Deps.Moments.SaveCandidates(ctx, rc.VideoID, candidates)
	if err != nil {
		return fmt.Errorf("moment generation: persist moments: %w", err)
	}

	genCfg := pipeline.GenerationConfig{
		Model:              rc.Config.GenerationModel,
		ModelSupportsVideo: rc.GenerationSupportsVideo,
		Prompt:             prompt,
		Temperature:        params.Temperature,
		TopP:               params.TopP,
		TopK:               params.TopK,
	}
	if err := rc.Deps.Configs.SaveConfig(ctx, rc.VideoID, genCfg); err != nil {
		return fmt.Errorf("moment generation: persist generation config: %w", err)
	}

	rc.Moments = records
	return nil
}

// clampMomentBounds drops candidates outside config's requested moment-count
// or moment-length bounds, when those bounds are set (zero means unbounded).
func clampMomentBounds(candidates []pipeline.MomentCandidate, cfg pipeline.RunConfig) []pipeline.MomentCandidate {
	out := make([]pipeline.MomentCandidate, 0, len(candidates))
	for _, c := range candidates {
		length := c.EndTime - c.StartTime
		if cfg.MinMomentLength > 0 && length < cfg.MinMomentLength {
			continue
		}
		if cfg.MaxMomentLength > 0 && length > cfg.MaxMomentLength {
			continue
		}
		out = append(out, c)
	}
	if cfg.MaxMoments > 0 && len(out) > cfg.MaxMoments {
		out = out[:cfg.MaxMoments]
	}
	return out
}

func buildGenerationPrompt(cfg pipeline.RunConfig, segments []inference.SegmentTimestamp) string {
	minMoments, maxMoments := cfg.MinMoments, cfg.MaxMoments
	if minMoments <= 0 {
		minMoments = 1
	}
	if maxMoments <= 0 {
		maxMoments = 10
	}
	minLen, maxLen := cfg.MinMomentLength, cfg.MaxMomentLength
	if minLen <= 0 {
		minLen = 15
	}
	if maxLen <= 0 {
		maxLen = 120
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this video transcript and identify %d-%d interesting moments. ", minMoments, maxMoments)
	fmt.Fprintf(&b, "Each moment should be between %.0f and %.0f seconds long. ", minLen, maxLen)
	b.WriteString("Respond with a JSON array of objects shaped {start_time, end_time, title}.\n\n")
	b.WriteString("Transcript segments:\n")
	for _, s := range segments {
		fmt.Fprintf(&b, "[%.2f-%.2f] %s\n", s.Start, s.End, s.Text)
	}
	return b.String()
}
