package stage

import (
	"context"
	"fmt"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// AudioExtract produces a wav/mp3 from the downloaded media in a temp
// location, gated by the audio-extraction concurrency permit.
type AudioExtract struct{}

func (AudioExtract) Name() pipeline.Stage       { return pipeline.StageAudioExtract }
func (AudioExtract) Requires() []pipeline.Stage { return []pipeline.Stage{pipeline.StageDownload} }

func (AudioExtract) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	return false, ""
}

func (AudioExtract) Run(ctx context.Context, rc *RunContext) error {
	if err := rc.Deps.Governor.AudioExtraction.Acquire(ctx); err != nil {
		return pipeline.ErrCancelled
	}
	defer rc.Deps.Governor.AudioExtraction.Release()

	audioPath, err := rc.Deps.Media.ExtractAudio(ctx, rc.LocalMediaPath)
	if err != nil {
		return fmt.Errorf("audio extraction: %w", err)
	}
	rc.AudioLocalPath = audioPath
	return nil
}
