// Package orchestrator drives one pipeline run through the ordered stage
// set, grounded on orchestrator.py's execute_pipeline main loop but
// restructured around a single terminal archive point: the Python worker
// archived once from its try body and again from its except body, so a run
// that failed after a partial archive could zadd a second, stale history
// entry. Execute archives exactly once, in its own deferred cleanup, no
// matter which path the stage loop takes to get there.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aceteam-ai/reelpipe/internal/lock"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/stage"
	"github.com/aceteam-ai/reelpipe/internal/status"
)

// ActivityFn receives orchestrator log lines, in the teacher's
// RunnerConfig.ActivityFn shape: a callback suppresses the stdout/stderr
// fallback when set.
type ActivityFn func(level, msg string)

// Orchestrator runs a fixed stage set against a RunContext for one video at
// a time. A single Orchestrator value is safe to reuse across runs; all
// per-run state lives on the RunContext passed to Execute.
type Orchestrator struct {
	Lock    *lock.Manager
	Tracker *status.Tracker
	History *status.History
	Stages  []stage.Stage

	activityFn ActivityFn
}

// New builds an Orchestrator. A nil stages slice defaults to stage.Ordered().
func New(lockMgr *lock.Manager, tracker *status.Tracker, history *status.History, stages []stage.Stage, activity ActivityFn) *Orchestrator {
	if stages == nil {
		stages = stage.Ordered()
	}
	return &Orchestrator{Lock: lockMgr, Tracker: tracker, History: history, Stages: stages, activityFn: activity}
}

func (o *Orchestrator) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if o.activityFn != nil {
		o.activityFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// RunOutcome is what a caller (the worker process) needs to decide whether
// to acknowledge the stream entry and what to log.
type RunOutcome struct {
	VideoID     string
	RequestID   string
	State       pipeline.RunState
	FailedStage pipeline.Stage
	Err         error
}

// Execute runs every stage against rc in order, for a run whose lock is
// already held via handle. It always ends by computing the run state,
// updating and archiving the status hash, and releasing the lock — even on
// a fatal failure or a lost lock — so the caller never needs its own
// cleanup path (spec.md §4.10 steps 3-5).
func (o *Orchestrator) Execute(ctx context.Context, handle *lock.Handle, run *pipeline.PipelineRun, rc *stage.RunContext) RunOutcome {
	videoID := run.VideoID
	outcome := RunOutcome{VideoID: videoID, RequestID: run.RequestID}

	defer func() {
		if err := o.Tracker.UpdateRunState(ctx, videoID, outcome.State); err != nil {
			o.log("error", "update run state for %s: %v", videoID, err)
		}
		if _, err := o.History.Archive(ctx, videoID); err != nil {
			o.log("error", "archive run for %s: %v", videoID, err)
		}
		if err := o.Lock.Release(ctx, handle); err != nil {
			o.log("error", "release lock for %s: %v", videoID, err)
		}
	}()

	if err := o.Lock.Refresh(ctx, handle); err != nil {
		outcome.State = pipeline.RunStateFailed
		outcome.Err = fmt.Errorf("assert lock ownership for %s: %w", videoID, err)
		o.log("error", "%v", outcome.Err)
		return outcome
	}

	state := pipeline.RunStateCompleted
	var recoverableSeen bool
	var failedStage pipeline.Stage
	var runErr error

stageLoop:
	for _, s := range o.Stages {
		if cancelled, _ := o.Lock.CheckCancellation(ctx, videoID); cancelled {
			if err := o.Lock.ClearCancellation(ctx, videoID); err != nil {
				o.log("warning", "clear cancellation flag for %s: %v", videoID, err)
			}
			state = pipeline.RunStateCancelled
			break stageLoop
		}

		if skip, reason := s.ShouldSkip(ctx, rc); skip {
			if err := o.Tracker.MarkStageSkipped(ctx, videoID, s.Name(), reason); err != nil {
				o.log("warning", "mark %s skipped for %s: %v", s.Name(), videoID, err)
			}
			continue
		}

		if err := o.Lock.Refresh(ctx, handle); err != nil {
			state = pipeline.RunStateFailed
			failedStage = s.Name()
			runErr = fmt.Errorf("refresh lock before %s: %w", s.Name(), err)
			if ferr := o.Tracker.MarkStageFailed(ctx, videoID, s.Name(), runErr); ferr != nil {
				o.log("warning", "mark %s failed for %s: %v", s.Name(), videoID, ferr)
			}
			break stageLoop
		}
		if err := o.Tracker.MarkStageStarted(ctx, videoID, s.Name()); err != nil {
			o.log("warning", "mark %s started for %s: %v", s.Name(), videoID, err)
		}

		runStageErr := s.Run(ctx, rc)
		if runStageErr == nil {
			if err := o.Tracker.MarkStageCompleted(ctx, videoID, s.Name()); err != nil {
				o.log("warning", "mark %s completed for %s: %v", s.Name(), videoID, err)
			}
			continue
		}

		if errors.Is(runStageErr, pipeline.ErrCancelled) {
			if err := o.Lock.ClearCancellation(ctx, videoID); err != nil {
				o.log("warning", "clear cancellation flag for %s: %v", videoID, err)
			}
			state = pipeline.RunStateCancelled
			break stageLoop
		}

		var rec *pipeline.RecoverableError
		if errors.As(runStageErr, &rec) {
			o.log("warning", "stage %s recoverable error for %s: %v", s.Name(), videoID, rec.Err)
			recoverableSeen = true
			if err := o.Tracker.MarkStageCompleted(ctx, videoID, s.Name()); err != nil {
				o.log("warning", "mark %s completed for %s: %v", s.Name(), videoID, err)
			}
			continue
		}

		state = pipeline.RunStateFailed
		failedStage = s.Name()
		runErr = runStageErr
		if err := o.Tracker.MarkStageFailed(ctx, videoID, s.Name(), runStageErr); err != nil {
			o.log("warning", "mark %s failed for %s: %v", s.Name(), videoID, err)
		}
		break stageLoop
	}

	if state == pipeline.RunStateCompleted && recoverableSeen {
		state = pipeline.RunStatePartial
	}

	outcome.State = state
	outcome.FailedStage = failedStage
	outcome.Err = runErr
	return outcome
}
