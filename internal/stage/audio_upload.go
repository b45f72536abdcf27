package stage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// DefaultSignedURLTTL matches spec.md §6's default signed-URL expiry.
const DefaultSignedURLTTL = time.Hour

// AudioUpload puts the extracted audio artifact in the object store and
// produces a signed URL for the transcription call that follows.
type AudioUpload struct{}

func (AudioUpload) Name() pipeline.Stage { return pipeline.StageAudioUpload }
func (AudioUpload) Requires() []pipeline.Stage {
	return []pipeline.Stage{pipeline.StageAudioExtract}
}

func (AudioUpload) ShouldSkip(ctx context.Context, rc *RunContext) (bool, string) {
	return false, ""
}

func (AudioUpload) Run(ctx context.Context, rc *RunContext) error {
	f, err := os.Open(rc.AudioLocalPath)
	if err != nil {
		return fmt.Errorf("%w: open audio file %s: %v", pipeline.ErrStorage, rc.AudioLocalPath, err)
	}
	defer f.Close()

	key := fmt.Sprintf("audio/%s/%s.wav", rc.VideoID, rc.RequestID)
	if _, err := rc.Deps.Objects.Put(ctx, key, f); err != nil {
		return fmt.Errorf("%w: upload audio: %v", pipeline.ErrStorage, err)
	}
	url, err := rc.Deps.Objects.SignedURL(ctx, key, DefaultSignedURLTTL)
	if err != nil {
		return fmt.Errorf("%w: sign audio url: %v", pipeline.ErrStorage, err)
	}
	rc.AudioURL = url
	return nil
}
