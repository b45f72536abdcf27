package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
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
	return New(client, ttl), mr
}

func TestAcquireIsExclusivePerSubject(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "vid-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if first.Token == "" {
		t.Fatalf("expected a non-empty fencing token")
	}

	_, err = m.Acquire(ctx, "vid-1")
	if !errors.Is(err, pipeline.ErrConflict) {
		t.Fatalf("second acquire err = %v, want ErrConflict", err)
	}

	held, err := m.IsLocked(ctx, "vid-1")
	if err != nil || !held {
		t.Fatalf("IsLocked = %v, %v, want true, nil", held, err)
	}
}

func TestReleaseIsFencedByToken(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	handle, err := m.Acquire(ctx, "vid-2")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Simulate the lock expiring and being reacquired by another worker.
	mr.FastForward(2 * time.Minute)
	second, err := m.Acquire(ctx, "vid-2")
	if err != nil {
		t.Fatalf("reacquire after expiry: %v", err)
	}

	// The original holder's release must not touch the new holder's lock.
	if err := m.Release(ctx, handle); err != nil {
		t.Fatalf("release stale handle: %v", err)
	}
	held, err := m.IsLocked(ctx, "vid-2")
	if err != nil || !held {
		t.Fatalf("second holder's lock should still be held: held=%v err=%v", held, err)
	}

	if err := m.Release(ctx, second); err != nil {
		t.Fatalf("release current handle: %v", err)
	}
	held, err = m.IsLocked(ctx, "vid-2")
	if err != nil || held {
		t.Fatalf("lock should be released: held=%v err=%v", held, err)
	}
}

func TestRefreshFailsOnceFencingTokenIsStale(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	handle, err := m.Acquire(ctx, "vid-3")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := m.Acquire(ctx, "vid-3"); err != nil {
		t.Fatalf("reacquire after expiry: %v", err)
	}

	if err := m.Refresh(ctx, handle); !errors.Is(err, pipeline.ErrLockLost) {
		t.Fatalf("refresh stale handle err = %v, want ErrLockLost", err)
	}
}

func TestCancellationFlagLifecycle(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	ctx := context.Background()

	cancelled, err := m.CheckCancellation(ctx, "vid-4")
	if err != nil || cancelled {
		t.Fatalf("fresh subject should not be cancelled: %v, %v", cancelled, err)
	}

	if err := m.SetCancellationFlag(ctx, "vid-4"); err != nil {
		t.Fatalf("set cancellation flag: %v", err)
	}
	cancelled, err = m.CheckCancellation(ctx, "vid-4")
	if err != nil || !cancelled {
		t.Fatalf("flag should be observed: %v, %v", cancelled, err)
	}

	// Idempotent: setting it twice is fine.
	if err := m.SetCancellationFlag(ctx, "vid-4"); err != nil {
		t.Fatalf("set cancellation flag again: %v", err)
	}

	if err := m.ClearCancellation(ctx, "vid-4"); err != nil {
		t.Fatalf("clear cancellation flag: %v", err)
	}
	cancelled, err = m.CheckCancellation(ctx, "vid-4")
	if err != nil || cancelled {
		t.Fatalf("flag should be cleared: %v, %v", cancelled, err)
	}
}
