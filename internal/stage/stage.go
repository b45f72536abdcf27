// Package stage defines the eight-stage pipeline workflow as an ordered set
// of Stage implementations, grounded on the dispatch table in
// orchestrator.py's execute_stage/should_skip_stage and the individual
// service modules each stage delegates to. Go expresses the polymorphism as
// an interface plus an ordered slice rather than a tagged-variant switch.
package stage

import (
	"context"
	"time"

	"github.com/aceteam-ai/reelpipe/internal/governor"
	"github.com/aceteam-ai/reelpipe/internal/inference"
	"github.com/aceteam-ai/reelpipe/internal/media"
	"github.com/aceteam-ai/reelpipe/internal/objectstore"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/registry"
	"github.com/aceteam-ai/reelpipe/internal/repo"
	"github.com/aceteam-ai/reelpipe/internal/status"
	"github.com/aceteam-ai/reelpipe/internal/tunnel"
)

// Stage is one step of the ordered pipeline. ShouldSkip is evaluated before
// acquiring any concurrency-governor permit for the stage, per spec.md §4.9.
type Stage interface {
	Name() pipeline.Stage
	Requires() []pipeline.Stage
	ShouldSkip(ctx context.Context, rc *RunContext) (bool, string)
	Run(ctx context.Context, rc *RunContext) error
}

// CancellationChecker reads the cooperative cancel flag for a subject, the
// interface a stage needs at its in-stage checkpoints (spec.md §4.6, §5):
// the clip-extraction loop and the per-moment refinement loop both check it
// on every iteration, not just at the orchestrator's stage boundaries.
type CancellationChecker interface {
	CheckCancellation(ctx context.Context, videoID string) (bool, error)
}

// Deps bundles every external collaborator a stage may need. A single Deps
// value is shared read-only across all stages of a run.
type Deps struct {
	Media        media.Transcoder
	Objects      objectstore.Store
	Tunnels      *tunnel.Manager
	Registry     *registry.Registry
	Governor     *governor.Limits
	Cancellation CancellationChecker
	Tracker      *status.Tracker

	Videos      repo.VideoRepository
	Transcripts repo.TranscriptRepository
	Moments     repo.MomentRepository
	Clips       repo.ClipRepository
	Thumbnails  repo.ThumbnailRepository
	Configs     repo.GenerationConfigRepository
}

// RunContext is the only medium by which stage outputs flow forward; no
// stage may mutate process-global state (spec.md §4.10). It is built fresh
// for each run and threaded through every stage in order.
type RunContext struct {
	Deps Deps

	VideoID   string
	RequestID string
	Config    pipeline.RunConfig

	// RefinementSupportsVideo is resolved once, from the refinement model's
	// registry descriptor, and governs the ClipExtract/ClipUpload skip rule.
	RefinementSupportsVideo bool
	// GenerationSupportsVideo is resolved once, from the generation model's
	// registry descriptor, and governs whether MomentGeneration includes a
	// video_url content part alongside the transcript-based text prompt.
	GenerationSupportsVideo bool

	SourceURL      string
	LocalMediaPath string
	MediaMeta      media.Metadata
	// VideoURL is the signed object-store URL for the full downloaded media,
	// populated by Download and consumed by MomentGeneration when the
	// generation model is video-capable.
	VideoURL string

	AudioLocalPath string
	AudioURL       string

	Transcript         pipeline.TranscriptResult
	TranscriptSegments []inference.SegmentTimestamp

	Moments []pipeline.MomentRecord

	// ClipLocalPaths/ClipURLs are keyed by moment id. A moment missing an
	// entry after ClipExtract means its extraction failed and was recorded
	// as a recoverable per-item error; later stages must tolerate the gap.
	ClipLocalPaths map[string]string
	ClipURLs       map[string]string

	RefinedMoments map[string]pipeline.MomentRecord
}

// NewRunContext builds the initial context for a fresh run.
func NewRunContext(deps Deps, videoID, requestID string, cfg pipeline.RunConfig) *RunContext {
	return &RunContext{
		Deps:           deps,
		VideoID:        videoID,
		RequestID:      requestID,
		Config:         cfg,
		ClipLocalPaths: make(map[string]string),
		ClipURLs:       make(map[string]string),
		RefinedMoments: make(map[string]pipeline.MomentRecord),
	}
}

// Ordered returns the fixed 8-stage set, in the order spec.md §3's invariant
// requires: Download, AudioExtract, AudioUpload, Transcribe,
// MomentGeneration, ClipExtract, ClipUpload, Refinement.
func Ordered() []Stage {
	return []Stage{
		&Download{},
		&AudioExtract{},
		&AudioUpload{},
		&Transcribe{},
		&MomentGeneration{},
		&ClipExtract{},
		&ClipUpload{},
		&Refinement{},
	}
}

// inferenceClient acquires a tunnel (or direct connection) for modelKey and
// returns an inference.Client bound to it (with the descriptor's endpoint
// path override applied) plus the model identifier to send in request
// bodies and the release func every caller must invoke once the call
// completes.
func inferenceClient(ctx context.Context, rc *RunContext, modelKey string) (client *inference.Client, modelID string, release func(), err error) {
	handle, err := rc.Deps.Tunnels.Acquire(ctx, modelKey)
	if err != nil {
		return nil, "", func() {}, err
	}
	client = inference.New(handle.BaseURL).WithEndpointPath(handle.EndpointPath).WithTranscribePath(handle.EndpointPath)
	return client, handle.ModelID, handle.Release, nil
}

func durationSeconds(d time.Duration) float64 { return d.Seconds() }
