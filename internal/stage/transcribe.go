package stage

import (
	"context"
	"fmt"

	"github.com/aceteam-ai/reelpipe/internal/inference"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// Transcribe calls the transcription service via a tunnel (or direct
// connection) to the run's configured ASR backend and persists the
// resulting transcript. Transcription is a structurally independent
// service from generation (original_source/app/utils/transcript_service.py
// talks to its own model_connector entry, distinct from the
// generation/refinement models), so it resolves its own model key rather
// than reusing the generation model's tunnel. A transcript with zero
// segments is a completed stage, not a failure (spec.md §8): generation
// still runs over an empty transcript.
type Transcribe struct{}

func (Transcribe) Name() pipeline.Stage { return pipeline.StageTranscribe }
func (Transcribe) Requires() []pipeline.Stage {
	return []pipeline.Stage{pipeline.StageAudioUpload}
}

func (Transcribe) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	return false, ""
}

func (Transcribe) Run(ctx context.Context, rc *RunContext) error {
	if err := rc.Deps.Governor.Transcription.Acquire(ctx); err != nil {
		return pipeline.ErrCancelled
	}
	defer rc.Deps.Governor.Transcription.Release()

	client, _, release, err := inferenceClient(ctx, rc, rc.Config.TranscriptionModel)
	if err != nil {
		return fmt.Errorf("transcribe: acquire tunnel for %s: %w", rc.Config.TranscriptionModel, err)
	}
	defer release()

	result, err := client.Transcribe(ctx, rc.AudioLocalPath)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}

	transcript := pipeline.TranscriptResult{
		VideoID:  rc.VideoID,
		Text:     result.Text,
		Duration: durationFromSegments(result.SegmentTimestamps),
	}
	if err := rc.Deps.Transcripts.SaveTranscript(ctx, transcript); err != nil {
		return fmt.Errorf("transcribe: persist transcript: %w", err)
	}
	rc.Transcript = transcript
	rc.TranscriptSegments = result.SegmentTimestamps
	return nil
}

func durationFromSegments(segments []inference.SegmentTimestamp) float64 {
	var last float64
	for _, s := range segments {
		if s.End > last {
			last = s.End
		}
	}
	return last
}
