package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/aceteam-ai/reelpipe/internal/lock"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/stage"
	"github.com/aceteam-ai/reelpipe/internal/status"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

func setup(t *testing.T) *store.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := store.New(store.Config{ConsumerGroup: "pipeline-workers"})
	if err := client.Connect(context.Background(), "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

// fakeStage is a minimal stage.Stage for exercising the orchestrator loop
// without the real media/inference collaborators.
type fakeStage struct {
	name    pipeline.Stage
	skip    bool
	skipWhy string
	err     error
	ran     *bool
}

func (f fakeStage) Name() pipeline.Stage           { return f.name }
func (f fakeStage) Requires() []pipeline.Stage     { return nil }
func (f fakeStage) ShouldSkip(ctx context.Context, rc *stage.RunContext) (bool, string) {
	return f.skip, f.skipWhy
}
func (f fakeStage) Run(ctx context.Context, rc *stage.RunContext) error {
	if f.ran != nil {
		*f.ran = true
	}
	return f.err
}

func newRun(videoID string) *pipeline.PipelineRun {
	return &pipeline.PipelineRun{
		VideoID:   videoID,
		RequestID: "req-" + videoID,
		State:     pipeline.RunStateRunning,
		Stages:    map[pipeline.Stage]*pipeline.StageRecord{pipeline.StageDownload: {}},
		StartedAt: time.Now(),
	}
}

func acquireAndInit(t *testing.T, lockMgr *lock.Manager, tracker *status.Tracker, run *pipeline.PipelineRun) *lock.Handle {
	t.Helper()
	handle, err := lockMgr.Acquire(context.Background(), run.VideoID)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	if err := tracker.Initialize(context.Background(), run); err != nil {
		t.Fatalf("initialize status: %v", err)
	}
	return handle
}

func TestExecuteHappyPathCompletes(t *testing.T) {
	client := setup(t)
	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	run := newRun("vid-1")
	handle := acquireAndInit(t, lockMgr, tracker, run)

	var ran1, ran2 bool
	stages := []stage.Stage{
		fakeStage{name: pipeline.StageDownload, ran: &ran1},
		fakeStage{name: pipeline.StageAudioExtract, ran: &ran2},
	}
	o := New(lockMgr, tracker, history, stages, nil)
	rc := stage.NewRunContext(stage.Deps{}, run.VideoID, run.RequestID, run.Config)

	outcome := o.Execute(context.Background(), handle, run, rc)

	if outcome.State != pipeline.RunStateCompleted {
		t.Fatalf("state = %v, want completed", outcome.State)
	}
	if !ran1 || !ran2 {
		t.Fatalf("expected both stages to run")
	}
	if held, _ := lockMgr.IsLocked(context.Background(), run.VideoID); held {
		t.Fatalf("lock should be released after a completed run")
	}
	active, err := tracker.Get(context.Background(), run.VideoID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if active != nil {
		t.Fatalf("active status hash should be archived away, got %v", active)
	}
	latest, err := history.GetLatest(context.Background(), run.VideoID)
	if err != nil {
		t.Fatalf("get latest history: %v", err)
	}
	if latest["status"] != string(pipeline.RunStateCompleted) {
		t.Fatalf("archived status = %v, want completed", latest["status"])
	}
}

func TestExecuteSkipsStage(t *testing.T) {
	client := setup(t)
	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	run := newRun("vid-2")
	handle := acquireAndInit(t, lockMgr, tracker, run)

	var ran bool
	stages := []stage.Stage{
		fakeStage{name: pipeline.StageClipExtract, skip: true, skipWhy: "audio-only model", ran: &ran},
	}
	o := New(lockMgr, tracker, history, stages, nil)
	rc := stage.NewRunContext(stage.Deps{}, run.VideoID, run.RequestID, run.Config)

	outcome := o.Execute(context.Background(), handle, run, rc)

	if ran {
		t.Fatalf("skipped stage must not run")
	}
	if outcome.State != pipeline.RunStateCompleted {
		t.Fatalf("state = %v, want completed", outcome.State)
	}
}

func TestExecuteFatalErrorFails(t *testing.T) {
	client := setup(t)
	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	run := newRun("vid-3")
	handle := acquireAndInit(t, lockMgr, tracker, run)

	wantErr := errors.New("boom")
	var ranAfter bool
	stages := []stage.Stage{
		fakeStage{name: pipeline.StageDownload, err: wantErr},
		fakeStage{name: pipeline.StageAudioExtract, ran: &ranAfter},
	}
	o := New(lockMgr, tracker, history, stages, nil)
	rc := stage.NewRunContext(stage.Deps{}, run.VideoID, run.RequestID, run.Config)

	outcome := o.Execute(context.Background(), handle, run, rc)

	if outcome.State != pipeline.RunStateFailed {
		t.Fatalf("state = %v, want failed", outcome.State)
	}
	if outcome.FailedStage != pipeline.StageDownload {
		t.Fatalf("failed stage = %v, want download", outcome.FailedStage)
	}
	if ranAfter {
		t.Fatalf("stage after a fatal failure must not run")
	}
}

func TestExecuteRecoverableErrorYieldsPartial(t *testing.T) {
	client := setup(t)
	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	run := newRun("vid-4")
	handle := acquireAndInit(t, lockMgr, tracker, run)

	var ranAfter bool
	stages := []stage.Stage{
		fakeStage{name: pipeline.StageClipExtract, err: pipeline.Recoverable(pipeline.StageClipExtract, errors.New("one clip failed"))},
		fakeStage{name: pipeline.StageClipUpload, ran: &ranAfter},
	}
	o := New(lockMgr, tracker, history, stages, nil)
	rc := stage.NewRunContext(stage.Deps{}, run.VideoID, run.RequestID, run.Config)

	outcome := o.Execute(context.Background(), handle, run, rc)

	if outcome.State != pipeline.RunStatePartial {
		t.Fatalf("state = %v, want partial", outcome.State)
	}
	if !ranAfter {
		t.Fatalf("a recoverable error must not stop later stages from running")
	}
}

func TestExecuteCancellationAtStageBoundary(t *testing.T) {
	client := setup(t)
	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	run := newRun("vid-5")
	handle := acquireAndInit(t, lockMgr, tracker, run)

	if err := lockMgr.SetCancellationFlag(context.Background(), run.VideoID); err != nil {
		t.Fatalf("set cancellation flag: %v", err)
	}

	var ran bool
	stages := []stage.Stage{
		fakeStage{name: pipeline.StageDownload, ran: &ran},
	}
	o := New(lockMgr, tracker, history, stages, nil)
	rc := stage.NewRunContext(stage.Deps{}, run.VideoID, run.RequestID, run.Config)

	outcome := o.Execute(context.Background(), handle, run, rc)

	if outcome.State != pipeline.RunStateCancelled {
		t.Fatalf("state = %v, want cancelled", outcome.State)
	}
	if ran {
		t.Fatalf("no stage should run once cancellation is observed at a boundary")
	}
	if cancelled, _ := lockMgr.CheckCancellation(context.Background(), run.VideoID); cancelled {
		t.Fatalf("cancellation flag should be cleared once observed and acted on")
	}
}

func TestExecuteRefreshesLockBeforeEachStage(t *testing.T) {
	client := setup(t)
	lockMgr := lock.New(client, 50*time.Millisecond)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	run := newRun("vid-6")
	handle := acquireAndInit(t, lockMgr, tracker, run)

	stages := []stage.Stage{
		fakeStage{name: pipeline.StageDownload},
		fakeStage{name: pipeline.StageAudioExtract},
		fakeStage{name: pipeline.StageAudioUpload},
	}
	o := New(lockMgr, tracker, history, stages, nil)
	rc := stage.NewRunContext(stage.Deps{}, run.VideoID, run.RequestID, run.Config)

	outcome := o.Execute(context.Background(), handle, run, rc)
	if outcome.State != pipeline.RunStateCompleted {
		t.Fatalf("state = %v, want completed despite a short TTL refreshed every stage", outcome.State)
	}
}
