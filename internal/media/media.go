// Package media wraps the codec subprocesses (download, audio extraction,
// clip extraction) as black-box operations returning local file paths and
// probed metadata, per spec.md §1's explicit non-goal: "no reimplementation
// of media codecs". Grounded on
// original_source/app/services/video_clipping_service.py and
// original_source/app/services/audio_service.py, which both shell out to
// ffmpeg/yt-dlp and parse their stdout/stderr for progress and probed
// duration; this package keeps that boundary as a Go interface so the stage
// runtime never depends on a specific transcoder.
package media

import (
	"context"
	"time"
)

// Metadata is what Download probes about the source media once it lands
// locally: duration, codecs, resolution, fps and size, matching the fields
// spec.md §4.9's Download stage must persist.
type Metadata struct {
	DurationSeconds float64
	VideoCodec      string
	AudioCodec      string
	Width           int
	Height          int
	FPS             float64
	Bytes           int64
}

// Clip describes one requested clip extraction: a time range with padding
// already applied and clamped to media bounds.
type Clip struct {
	MomentID string
	Start    time.Duration
	End      time.Duration
}

// Transcoder is the black-box codec boundary. Every method blocks on a
// subprocess and must honor ctx cancellation by killing it.
type Transcoder interface {
	// Download fetches sourceURL to a local temp path and probes it.
	Download(ctx context.Context, sourceURL string) (localPath string, meta Metadata, err error)
	// ExtractAudio produces a wav/mp3 from localPath in a temp location.
	ExtractAudio(ctx context.Context, localPath string) (audioPath string, err error)
	// ExtractClip produces one clip per requested range from localPath.
	ExtractClip(ctx context.Context, localPath string, clip Clip) (clipPath string, err error)
}

// ClampPadding narrows [start-paddingLeft, end+paddingRight] to lie within
// [0, mediaDuration], per spec.md §8's boundary behavior: padding exceeding
// media bounds clamps rather than going negative or past the end.
func ClampPadding(start, end, paddingLeft, paddingRight, mediaDuration time.Duration) (clampedStart, clampedEnd time.Duration) {
	clampedStart = start - paddingLeft
	if clampedStart < 0 {
		clampedStart = 0
	}
	clampedEnd = end + paddingRight
	if mediaDuration > 0 && clampedEnd > mediaDuration {
		clampedEnd = mediaDuration
	}
	if clampedEnd < clampedStart {
		clampedEnd = clampedStart
	}
	return clampedStart, clampedEnd
}
