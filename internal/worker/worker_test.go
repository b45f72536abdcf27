package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/aceteam-ai/reelpipe/internal/dispatch"
	"github.com/aceteam-ai/reelpipe/internal/enqueue"
	"github.com/aceteam-ai/reelpipe/internal/governor"
	"github.com/aceteam-ai/reelpipe/internal/lock"
	"github.com/aceteam-ai/reelpipe/internal/orchestrator"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/registry"
	"github.com/aceteam-ai/reelpipe/internal/stage"
	"github.com/aceteam-ai/reelpipe/internal/status"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

type fakeStage struct {
	name pipeline.Stage
	ran  chan<- string
}

func (f fakeStage) Name() pipeline.Stage       { return f.name }
func (f fakeStage) Requires() []pipeline.Stage { return nil }
func (f fakeStage) ShouldSkip(ctx context.Context, rc *stage.RunContext) (bool, string) {
	return false, ""
}
func (f fakeStage) Run(ctx context.Context, rc *stage.RunContext) error {
	if f.ran != nil {
		f.ran <- string(f.name)
	}
	return nil
}

func newTestStore(t *testing.T) *store.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := store.New(store.Config{ConsumerGroup: "pipeline-workers", ConsumerName: "worker-1"})
	if err := client.Connect(context.Background(), "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func TestWorkerProcessesAndAcknowledgesEntry(t *testing.T) {
	client := newTestStore(t)
	reg := registry.New(client)
	ctx := context.Background()
	if err := reg.Set(ctx, registry.ModelConfig{ModelKey: "gen-1", ConnectionMode: "direct", ServiceURL: "http://localhost:9000"}); err != nil {
		t.Fatalf("seed generation model: %v", err)
	}
	if err := reg.Set(ctx, registry.ModelConfig{ModelKey: "ref-1", ConnectionMode: "direct", ServiceURL: "http://localhost:9001"}); err != nil {
		t.Fatalf("seed refinement model: %v", err)
	}
	if err := reg.Set(ctx, registry.ModelConfig{ModelKey: "asr-1", ConnectionMode: "direct", ServiceURL: "http://localhost:9004"}); err != nil {
		t.Fatalf("seed transcription model: %v", err)
	}

	disp := dispatch.New(client, dispatch.Config{BlockFor: 100 * time.Millisecond})
	if err := disp.Ensure(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	// Submit through the enqueue adapter, exactly as a real caller would:
	// it acquires the lock, initializes the status hash and enqueues the
	// entry with that lock's fencing token, which is the state the worker
	// expects to find waiting for it on the stream.
	adapter := enqueue.New(lockMgr, tracker, history, disp, reg)
	cfg := pipeline.RunConfig{GenerationModel: "gen-1", TranscriptionModel: "asr-1", RefinementModel: "ref-1"}
	if _, err := adapter.Submit(ctx, "vid-1", cfg); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ran := make(chan string, 1)
	orch := orchestrator.New(lockMgr, tracker, history, []stage.Stage{fakeStage{name: pipeline.StageDownload, ran: ran}}, nil)
	govLimits := governor.New(governor.Config{ConcurrentRuns: 1})

	w := New(Config{
		Dispatch:          disp,
		Lock:              lockMgr,
		Tracker:           tracker,
		History:           history,
		Registry:          reg,
		Governor:          govLimits,
		Orchestrator:      orch,
		MaxConcurrentRuns: 1,
		ShutdownGrace:     time.Second,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	select {
	case name := <-ran:
		if name != string(pipeline.StageDownload) {
			t.Fatalf("ran stage = %q, want download", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the worker to process the queued entry")
	}

	deadline := time.After(2 * time.Second)
	for {
		latest, err := history.GetLatest(ctx, "vid-1")
		if err != nil {
			t.Fatalf("get latest history: %v", err)
		}
		if latest != nil && latest["status"] == string(pipeline.RunStateCompleted) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the run to archive as completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not shut down within its grace window")
	}
}

func TestWorkerDropsEntryWithUnregisteredModel(t *testing.T) {
	client := newTestStore(t)
	reg := registry.New(client)
	ctx := context.Background()

	disp := dispatch.New(client, dispatch.Config{BlockFor: 100 * time.Millisecond})
	if err := disp.Ensure(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := reg.Set(ctx, registry.ModelConfig{ModelKey: "gen-2", ConnectionMode: "direct", ServiceURL: "http://localhost:9002"}); err != nil {
		t.Fatalf("seed generation model: %v", err)
	}
	if err := reg.Set(ctx, registry.ModelConfig{ModelKey: "ref-2", ConnectionMode: "direct", ServiceURL: "http://localhost:9003"}); err != nil {
		t.Fatalf("seed refinement model: %v", err)
	}
	if err := reg.Set(ctx, registry.ModelConfig{ModelKey: "asr-2", ConnectionMode: "direct", ServiceURL: "http://localhost:9005"}); err != nil {
		t.Fatalf("seed transcription model: %v", err)
	}

	lockMgr := lock.New(client, time.Minute)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})

	// Submit a request whose models still pass validation at submit time,
	// then delete them from the registry before the worker picks the entry
	// up — simulating an operator removing a model between submission and
	// dequeue, which is what drives the worker's abort() path rather than
	// its normal Execute() path.
	adapter := enqueue.New(lockMgr, tracker, history, disp, reg)
	cfg := pipeline.RunConfig{GenerationModel: "gen-2", TranscriptionModel: "asr-2", RefinementModel: "ref-2"}
	if _, err := adapter.Submit(ctx, "vid-2", cfg); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := reg.Delete(ctx, "gen-2"); err != nil {
		t.Fatalf("delete generation model: %v", err)
	}
	if _, err := reg.Delete(ctx, "ref-2"); err != nil {
		t.Fatalf("delete refinement model: %v", err)
	}

	orch := orchestrator.New(lockMgr, tracker, history, nil, nil)
	govLimits := governor.New(governor.Config{ConcurrentRuns: 1})

	w := New(Config{
		Dispatch:          disp,
		Lock:              lockMgr,
		Tracker:           tracker,
		History:           history,
		Registry:          reg,
		Governor:          govLimits,
		Orchestrator:      orch,
		MaxConcurrentRuns: 1,
		ShutdownGrace:     time.Second,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.After(2 * time.Second)
	for {
		pending, err := client.Raw().XPending(ctx, dispatch.DefaultStream, client.ConsumerGroup()).Result()
		if err != nil {
			t.Fatalf("xpending: %v", err)
		}
		// The entry is not pending until the worker reads it, so a zero
		// pending count alone proves nothing; abort archives the run as
		// failed before it acknowledges the entry.
		latest, err := history.GetLatest(ctx, "vid-2")
		if err != nil {
			t.Fatalf("get latest history: %v", err)
		}
		if pending.Count == 0 && latest != nil && latest["status"] == string(pipeline.RunStateFailed) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("invalid entry was never archived as failed and acknowledged")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
