// Package worker runs the pipeline-specific worker process: it pulls run
// requests off the dispatch stream and drives each one through the
// orchestrator. It is grounded on the teacher's internal/worker.Runner
// (signal handling, activity-callback logging) but its
// unit of work is a multi-stage pipeline run rather than a single job
// dispatch, so it is its own package rather than a JobHandler registered
// with the teacher's generic runner, and on original_source's
// pipeline_worker.py run() loop (bounded concurrent task set,
// reclaim-before-read ordering via dispatch.Next, graceful-shutdown drain).
package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aceteam-ai/reelpipe/internal/dispatch"
	"github.com/aceteam-ai/reelpipe/internal/governor"
	"github.com/aceteam-ai/reelpipe/internal/lock"
	"github.com/aceteam-ai/reelpipe/internal/orchestrator"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/registry"
	"github.com/aceteam-ai/reelpipe/internal/stage"
	"github.com/aceteam-ai/reelpipe/internal/status"
)

// ActivityFn receives worker log lines, the same callback shape the
// teacher's RunnerConfig.ActivityFn uses.
type ActivityFn func(level, msg string)

// DefaultShutdownGrace mirrors spec.md §4.11's drain window before a worker
// gives up waiting on in-flight runs.
const DefaultShutdownGrace = 2 * time.Minute

// Config bundles everything a Worker needs to pull and process run requests.
type Config struct {
	Dispatch          *dispatch.Dispatcher
	Lock              *lock.Manager
	Tracker           *status.Tracker
	History           *status.History
	Registry          *registry.Registry
	Governor          *governor.Limits
	Orchestrator      *orchestrator.Orchestrator
	StageDeps         stage.Deps
	MaxConcurrentRuns int
	ShutdownGrace     time.Duration
	ActivityFn        ActivityFn
}

// Worker pulls entries from the dispatch stream and runs each through the
// orchestrator, up to MaxConcurrentRuns in parallel.
type Worker struct {
	dispatch     *dispatch.Dispatcher
	lock         *lock.Manager
	tracker      *status.Tracker
	history      *status.History
	registry     *registry.Registry
	governor     *governor.Limits
	orchestrator *orchestrator.Orchestrator
	stageDeps    stage.Deps

	maxConcurrent int
	grace         time.Duration
	activityFn    ActivityFn
}

// New builds a Worker from cfg, substituting spec.md defaults for unset
// fields.
func New(cfg Config) *Worker {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 2
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Worker{
		dispatch:      cfg.Dispatch,
		lock:          cfg.Lock,
		tracker:       cfg.Tracker,
		history:       cfg.History,
		registry:      cfg.Registry,
		governor:      cfg.Governor,
		orchestrator:  cfg.Orchestrator,
		stageDeps:     cfg.StageDeps,
		maxConcurrent: cfg.MaxConcurrentRuns,
		grace:         cfg.ShutdownGrace,
		activityFn:    cfg.ActivityFn,
	}
}

func (w *Worker) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if w.activityFn != nil {
		w.activityFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// Run blocks, pulling and processing run requests, until ctx is cancelled or
// a SIGINT/SIGTERM is received. On shutdown it stops accepting new entries
// and waits up to the configured grace window for in-flight runs to reach a
// terminal state before returning (spec.md §4.11 step 4).
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := w.dispatch.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	w.log("success", "worker started, max_concurrent_runs=%d", w.maxConcurrent)

	var wg sync.WaitGroup
	for i := 0; i < w.maxConcurrent; i++ {
		wg.Add(1)
		handlerID := i
		go func() {
			defer wg.Done()
			w.handlerLoop(ctx, handlerID)
		}()
	}

	select {
	case sig := <-sigs:
		w.log("info", "received signal %v, draining in-flight runs...", sig)
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log("info", "all in-flight runs reached a terminal state")
	case <-time.After(w.grace):
		w.log("warning", "shutdown grace window elapsed with runs still in flight")
	}
	return nil
}

// handlerLoop is one of the worker's parallel handlers: block-read one
// entry, acquire a run slot, process it to completion, repeat.
func (w *Worker) handlerLoop(ctx context.Context, handlerID int) {
	for ctx.Err() == nil {
		entry, err := w.dispatch.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log("warning", "handler %d: fetch next entry: %v", handlerID, err)
			continue
		}
		if entry == nil {
			continue
		}
		if err := w.governor.ConcurrentRuns.Acquire(ctx); err != nil {
			return
		}
		w.processEntry(ctx, entry)
		w.governor.ConcurrentRuns.Release()
	}
}

// processEntry runs one dequeued request through the orchestrator. The
// subject's lock was already acquired by the enqueue adapter at submit time
// (spec.md §4.12); the worker reconstructs the same fencing handle from the
// token carried on the stream entry rather than acquiring it again, which
// would conflict with the adapter's own still-held lock.
func (w *Worker) processEntry(ctx context.Context, entry *dispatch.RequestEntry) {
	handle := &lock.Handle{VideoID: entry.VideoID, Token: entry.LockToken}

	genCfg, genErr := w.registry.Get(ctx, entry.Config.GenerationModel)
	refCfg, refErr := w.registry.Get(ctx, entry.Config.RefinementModel)
	if genErr != nil || refErr != nil {
		w.log("error", "video %s: model validation failed: generation=%v refinement=%v", entry.VideoID, genErr, refErr)
		w.abort(ctx, handle, entry)
		return
	}

	if err := w.tracker.UpdateRunState(ctx, entry.VideoID, pipeline.RunStateRunning); err != nil {
		w.log("warning", "video %s: mark running: %v", entry.VideoID, err)
	}

	run := &pipeline.PipelineRun{
		VideoID:   entry.VideoID,
		RequestID: entry.RequestID,
		Config:    entry.Config,
	}

	deps := w.stageDeps
	deps.Cancellation = w.lock
	rc := stage.NewRunContext(deps, entry.VideoID, entry.RequestID, entry.Config)
	rc.GenerationSupportsVideo = genCfg.SupportsVideo
	rc.RefinementSupportsVideo = refCfg.SupportsVideo

	outcome := w.orchestrator.Execute(ctx, handle, run, rc)
	w.log("info", "video %s run %s ended %s", entry.VideoID, entry.RequestID, outcome.State)
	if outcome.Err != nil {
		w.log("warning", "video %s run %s: %v", entry.VideoID, entry.RequestID, outcome.Err)
	}

	if err := w.dispatch.Ack(ctx, entry.MessageID); err != nil {
		w.log("error", "video %s: ack entry: %v", entry.VideoID, err)
	}
}

// abort tears down a request the worker cannot run at all (an invalid model
// key slipped past submit-time validation, e.g. the registry entry was
// deleted after submission) without ever invoking the orchestrator: it
// still owes the subject the same terminal bookkeeping Execute would have
// done, since the enqueue adapter left the lock held and the status hash in
// state=queued.
func (w *Worker) abort(ctx context.Context, handle *lock.Handle, entry *dispatch.RequestEntry) {
	if err := w.tracker.UpdateRunState(ctx, entry.VideoID, pipeline.RunStateFailed); err != nil {
		w.log("error", "video %s: mark failed: %v", entry.VideoID, err)
	}
	if w.history != nil {
		if _, err := w.history.Archive(ctx, entry.VideoID); err != nil {
			w.log("error", "video %s: archive aborted run: %v", entry.VideoID, err)
		}
	}
	if err := w.lock.Release(ctx, handle); err != nil {
		w.log("error", "video %s: release lock: %v", entry.VideoID, err)
	}
	if err := w.dispatch.Ack(ctx, entry.MessageID); err != nil {
		w.log("error", "video %s: ack aborted entry: %v", entry.VideoID, err)
	}
}
