// Package enqueue is the thin adapter a web layer (or, in this repo, the
// cmd/enqueue, cmd/status and cmd/cancel CLI subcommands) calls directly to
// submit, inspect and cancel pipeline runs, grounded on
// original_source/app/api/endpoints/pipeline.py's request validation,
// is_locked conflict check, initialize_status and stream-append sequence.
// The HTTP transport itself is out of scope; this package exposes the same
// four operations as plain Go calls.
package enqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aceteam-ai/reelpipe/internal/dispatch"
	"github.com/aceteam-ai/reelpipe/internal/lock"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/registry"
	"github.com/aceteam-ai/reelpipe/internal/stage"
	"github.com/aceteam-ai/reelpipe/internal/status"
)

// ErrNotFound reports that a subject has neither an active run nor any
// archived history.
var ErrNotFound = errors.New("enqueue: subject not found")

// Adapter exposes Submit/Status/Cancel/ListHistory over the coordination store.
type Adapter struct {
	Lock     *lock.Manager
	Tracker  *status.Tracker
	History  *status.History
	Dispatch *dispatch.Dispatcher
	Registry *registry.Registry
}

// New builds an Adapter.
func New(lockMgr *lock.Manager, tracker *status.Tracker, history *status.History, dispatcher *dispatch.Dispatcher, reg *registry.Registry) *Adapter {
	return &Adapter{Lock: lockMgr, Tracker: tracker, History: history, Dispatch: dispatcher, Registry: reg}
}

// Submit validates cfg, claims the subject's lock and enqueues a run
// request. It returns pipeline.ErrConflict if a run is already active for
// videoID, or pipeline.ErrValidation (wrapped) if cfg names an unregistered
// model or out-of-range bounds.
func (a *Adapter) Submit(ctx context.Context, videoID string, cfg pipeline.RunConfig) (requestID string, err error) {
	_, refCfg, err := a.validate(ctx, cfg)
	if err != nil {
		return "", err
	}

	handle, err := a.Lock.Acquire(ctx, videoID)
	if err != nil {
		return "", err
	}

	requestID = uuid.New().String()
	run := &pipeline.PipelineRun{
		VideoID:      videoID,
		RequestID:    requestID,
		PipelineType: pipelineTypeFor(refCfg.SupportsVideo),
		State:        pipeline.RunStateQueued,
		Config:       cfg,
		Stages:       stageSkeleton(),
	}

	if err := a.Tracker.Initialize(ctx, run); err != nil {
		if rerr := a.Lock.Release(ctx, handle); rerr != nil {
			return "", fmt.Errorf("initialize status: %w (and release lock: %v)", err, rerr)
		}
		return "", fmt.Errorf("initialize status: %w", err)
	}

	if err := a.Dispatch.Enqueue(ctx, videoID, requestID, handle.Token, cfg); err != nil {
		if rerr := a.Lock.Release(ctx, handle); rerr != nil {
			return "", fmt.Errorf("enqueue request: %w (and release lock: %v)", err, rerr)
		}
		return "", fmt.Errorf("enqueue request: %w", err)
	}
	return requestID, nil
}

// Status returns the live status snapshot for videoID, or the latest
// archived run if none is active, or ErrNotFound if neither exists.
func (a *Adapter) Status(ctx context.Context, videoID string) (map[string]string, error) {
	active, err := a.Tracker.Get(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("read active status: %w", err)
	}
	if active != nil {
		return active, nil
	}
	latest, err := a.History.GetLatest(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("read latest history: %w", err)
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// Cancel flags videoID's active run for cancellation. Idempotent: setting
// the flag twice leaves it set and only refreshes its TTL.
func (a *Adapter) Cancel(ctx context.Context, videoID string) error {
	return a.Lock.SetCancellationFlag(ctx, videoID)
}

// ListHistory returns up to limit archived runs for videoID, most recent
// first (spec.md §4.12's `history` operation).
func (a *Adapter) ListHistory(ctx context.Context, videoID string, limit int64) ([]map[string]string, error) {
	return a.History.GetAll(ctx, videoID, limit)
}

func (a *Adapter) validate(ctx context.Context, cfg pipeline.RunConfig) (gen, ref *registry.ModelConfig, err error) {
	if cfg.GenerationModel == "" || cfg.TranscriptionModel == "" || cfg.RefinementModel == "" {
		return nil, nil, fmt.Errorf("%w: generation_model, transcription_model and refinement_model are required", pipeline.ErrValidation)
	}
	gen, err = a.Registry.Get(ctx, cfg.GenerationModel)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generation model %q: %v", pipeline.ErrValidation, cfg.GenerationModel, err)
	}
	if _, err := a.Registry.Get(ctx, cfg.TranscriptionModel); err != nil {
		return nil, nil, fmt.Errorf("%w: transcription model %q: %v", pipeline.ErrValidation, cfg.TranscriptionModel, err)
	}
	ref, err = a.Registry.Get(ctx, cfg.RefinementModel)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: refinement model %q: %v", pipeline.ErrValidation, cfg.RefinementModel, err)
	}
	if cfg.MinMoments > 0 && cfg.MaxMoments > 0 && cfg.MinMoments > cfg.MaxMoments {
		return nil, nil, fmt.Errorf("%w: min_moments %d exceeds max_moments %d", pipeline.ErrValidation, cfg.MinMoments, cfg.MaxMoments)
	}
	if cfg.MinMomentLength > 0 && cfg.MaxMomentLength > 0 && cfg.MinMomentLength > cfg.MaxMomentLength {
		return nil, nil, fmt.Errorf("%w: min_moment_length %.2f exceeds max_moment_length %.2f", pipeline.ErrValidation, cfg.MinMomentLength, cfg.MaxMomentLength)
	}
	if cfg.PaddingLeftSeconds < 0 || cfg.PaddingRightSeconds < 0 {
		return nil, nil, fmt.Errorf("%w: padding seconds must be non-negative", pipeline.ErrValidation)
	}
	return gen, ref, nil
}

func pipelineTypeFor(refinementSupportsVideo bool) pipeline.PipelineType {
	if refinementSupportsVideo {
		return pipeline.PipelineTypeFull
	}
	return pipeline.PipelineTypePartial
}

func stageSkeleton() map[pipeline.Stage]*pipeline.StageRecord {
	stages := stage.Ordered()
	out := make(map[pipeline.Stage]*pipeline.StageRecord, len(stages))
	for _, s := range stages {
		out[s.Name()] = &pipeline.StageRecord{Status: pipeline.StageStatusPending}
	}
	return out
}
