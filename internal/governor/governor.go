// Package governor provides the process-wide concurrency limits the
// orchestrator acquires before running a resource-intensive stage, mirroring
// the original GlobalConcurrencyLimits singleton (one asyncio.Semaphore per
// stage). Channels stand in for Python's asyncio.Semaphore: a buffered
// channel of empty structs, Acquire sends, Release receives.
package governor

import "context"

// Semaphore is a cancellation-aware counting semaphore.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a Semaphore allowing up to n concurrent holders.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// Limits holds the process-wide concurrency ceiling for each stage that fans
// out work across many items or makes many external calls at once, plus the
// ceiling on concurrently-running pipeline runs themselves.
type Limits struct {
	ConcurrentRuns   *Semaphore
	AudioExtraction  *Semaphore
	Transcription    *Semaphore
	MomentGeneration *Semaphore
	ClipExtraction   *Semaphore
	Refinement       *Semaphore
}

// Config sets the per-resource ceiling; zero means "use the default" for
// that resource (spec.md §4.8's capacity table).
type Config struct {
	ConcurrentRuns   int
	AudioExtraction  int
	Transcription    int
	MomentGeneration int
	ClipExtraction   int
	Refinement       int
}

// Default capacities, per spec.md §4.8.
const (
	defaultConcurrentRuns   = 2
	defaultAudioExtraction  = 2
	defaultTranscription    = 2
	defaultMomentGeneration = 2
	defaultClipExtraction   = 4
	defaultRefinement       = 1
)

// New builds a Limits set from cfg, substituting the spec default for any
// zero field.
func New(cfg Config) *Limits {
	pick := func(n, def int) int {
		if n <= 0 {
			return def
		}
		return n
	}
	return &Limits{
		ConcurrentRuns:   NewSemaphore(pick(cfg.ConcurrentRuns, defaultConcurrentRuns)),
		AudioExtraction:  NewSemaphore(pick(cfg.AudioExtraction, defaultAudioExtraction)),
		Transcription:    NewSemaphore(pick(cfg.Transcription, defaultTranscription)),
		MomentGeneration: NewSemaphore(pick(cfg.MomentGeneration, defaultMomentGeneration)),
		ClipExtraction:   NewSemaphore(pick(cfg.ClipExtraction, defaultClipExtraction)),
		Refinement:       NewSemaphore(pick(cfg.Refinement, defaultRefinement)),
	}
}
