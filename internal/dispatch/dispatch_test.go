package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

func newTestDispatcher(t *testing.T, consumer string, claimMinIdle time.Duration) (*Dispatcher, *store.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := store.New(store.Config{ConsumerGroup: "pipeline-workers", ConsumerName: consumer})
	if err := client.Connect(context.Background(), "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}

	d := New(client, Config{BlockFor: 100 * time.Millisecond, ClaimMinIdle: claimMinIdle})
	if err := d.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return d, client
}

func TestEnqueueThenNextRoundTrips(t *testing.T) {
	d, _ := newTestDispatcher(t, "worker-1", time.Minute)
	ctx := context.Background()

	cfg := pipeline.RunConfig{GenerationModel: "gen-1", RefinementModel: "ref-1"}
	if err := d.Enqueue(ctx, "vid-1", "req-1", "token-abc", cfg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entry, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected an entry, got nil")
	}
	if entry.VideoID != "vid-1" || entry.RequestID != "req-1" || entry.LockToken != "token-abc" {
		t.Fatalf("entry = %+v, want the enqueued fields", entry)
	}
	if entry.Config.GenerationModel != "gen-1" {
		t.Fatalf("entry.Config = %+v, want round-tripped config", entry.Config)
	}
}

func TestNextReturnsNilWhenStreamIsEmpty(t *testing.T) {
	d, _ := newTestDispatcher(t, "worker-1", time.Minute)
	entry, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry on an empty stream, got %+v", entry)
	}
}

func TestAckRemovesEntryFromPending(t *testing.T) {
	d, client := newTestDispatcher(t, "worker-1", time.Minute)
	ctx := context.Background()

	if err := d.Enqueue(ctx, "vid-2", "req-2", "token", pipeline.RunConfig{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entry, err := d.Next(ctx)
	if err != nil || entry == nil {
		t.Fatalf("next: entry=%v err=%v", entry, err)
	}

	if err := d.Ack(ctx, entry.MessageID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err := client.Raw().XPending(ctx, DefaultStream, "pipeline-workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending count = %d, want 0 after ack", pending.Count)
	}
}

func TestUnackedEntryIsReclaimedAfterIdleThreshold(t *testing.T) {
	// worker-1 reads but crashes before acking; worker-2 shares the same
	// backing store with a short idle threshold and should reclaim it.
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	client1 := store.New(store.Config{ConsumerGroup: "pipeline-workers", ConsumerName: "worker-1"})
	if err := client1.Connect(context.Background(), "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("connect worker-1: %v", err)
	}
	client2 := store.New(store.Config{ConsumerGroup: "pipeline-workers", ConsumerName: "worker-2"})
	if err := client2.Connect(context.Background(), "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("connect worker-2: %v", err)
	}

	d1 := New(client1, Config{BlockFor: 50 * time.Millisecond, ClaimMinIdle: 10 * time.Millisecond})
	ctx := context.Background()
	if err := d1.Ensure(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := d1.Enqueue(ctx, "vid-3", "req-3", "token", pipeline.RunConfig{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	entry1, err := d1.Next(ctx)
	if err != nil || entry1 == nil {
		t.Fatalf("worker-1 next: entry=%v err=%v", entry1, err)
	}
	// worker-1 "crashes" here without acking.

	mr.FastForward(time.Second)
	// FastForward only ages key TTLs; a pending entry's idle time follows the
	// wall clock, so wait past ClaimMinIdle for real.
	time.Sleep(50 * time.Millisecond)

	d2 := New(client2, Config{BlockFor: 50 * time.Millisecond, ClaimMinIdle: 10 * time.Millisecond})
	entry2, err := d2.Next(ctx)
	if err != nil {
		t.Fatalf("worker-2 next: %v", err)
	}
	if entry2 == nil {
		t.Fatalf("worker-2 should have reclaimed worker-1's abandoned entry")
	}
	if entry2.VideoID != "vid-3" || entry2.RequestID != "req-3" {
		t.Fatalf("reclaimed entry = %+v, want the original request", entry2)
	}

	if err := d2.Ack(ctx, entry2.MessageID); err != nil {
		t.Fatalf("ack reclaimed entry: %v", err)
	}
}
