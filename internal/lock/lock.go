// Package lock implements the per-video pipeline run lock. Unlike the
// original Python implementation (a plain SET NX EX / DEL pair with no
// ownership check on release), this lock is fenced: every acquisition gets a
// token, and release/refresh only succeed if the caller still holds that
// token. That closes the window where a worker that stalled past the lock
// TTL, had its lock stolen by a second worker, and then woke up and deleted
// the second worker's lock out from under it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

const (
	// DefaultTTL mirrors the original LOCK_TTL of 1800 seconds.
	DefaultTTL = 30 * time.Minute

	cancelTTL = 5 * time.Minute
)

// releaseScript deletes the lock only if the stored token still matches
// ours, so a worker can never release (or be told it released) a lock it no
// longer holds.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// refreshScript extends the TTL only if the stored token still matches ours.
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`

func lockKey(videoID string) string   { return fmt.Sprintf("pipeline:%s:lock", videoID) }
func cancelKey(videoID string) string { return fmt.Sprintf("pipeline:%s:cancel", videoID) }

// Manager acquires, refreshes and releases per-video run locks, and tracks
// the separate cancellation flag used to signal a running pipeline to stop.
type Manager struct {
	client *store.Client
	ttl    time.Duration
}

// New creates a Manager using ttl (DefaultTTL if zero).
func New(client *store.Client, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Manager{client: client, ttl: ttl}
}

// Handle is the fencing token returned by a successful Acquire. It must be
// passed to Refresh and Release.
type Handle struct {
	VideoID string
	Token   string
}

// Acquire attempts to take the lock for videoID. It returns pipeline.ErrConflict
// if another run already holds it.
func (m *Manager) Acquire(ctx context.Context, videoID string) (*Handle, error) {
	token := uuid.New().String()
	ok, err := m.client.SetNX(ctx, lockKey(videoID), token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", videoID, err)
	}
	if !ok {
		return nil, pipeline.ErrConflict
	}
	return &Handle{VideoID: videoID, Token: token}, nil
}

// Refresh extends the lock's TTL. It returns pipeline.ErrLockLost if the
// handle's token is no longer the one stored (the lock expired and was
// reacquired by someone else).
func (m *Manager) Refresh(ctx context.Context, h *Handle) error {
	res, err := m.client.Eval(ctx, refreshScript, []string{lockKey(h.VideoID)}, h.Token, m.ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("refresh lock for %s: %w", h.VideoID, err)
	}
	if n, _ := res.(int64); n == 0 {
		return pipeline.ErrLockLost
	}
	return nil
}

// Release drops the lock if h's token still matches. Releasing a lock that
// was already lost (e.g. due to TTL expiry and reacquisition elsewhere) is
// not an error — the caller no longer owns anything to give up.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	_, err := m.client.Eval(ctx, releaseScript, []string{lockKey(h.VideoID)}, h.Token)
	if err != nil {
		return fmt.Errorf("release lock for %s: %w", h.VideoID, err)
	}
	return nil
}

// IsLocked reports whether a run is currently active for videoID.
func (m *Manager) IsLocked(ctx context.Context, videoID string) (bool, error) {
	return m.client.Exists(ctx, lockKey(videoID))
}

// SetCancellationFlag marks videoID's active run for cancellation. The flag
// carries its own short TTL so a forgotten flag doesn't linger forever.
func (m *Manager) SetCancellationFlag(ctx context.Context, videoID string) error {
	_, err := m.client.SetNX(ctx, cancelKey(videoID), "1", cancelTTL)
	if err != nil {
		return fmt.Errorf("set cancellation flag for %s: %w", videoID, err)
	}
	// SetNX is a no-op if the flag is already set; that's fine, but callers
	// expect the flag to be refreshed to the new TTL even on a repeat request.
	return m.client.Expire(ctx, cancelKey(videoID), cancelTTL)
}

// CheckCancellation reports whether videoID's run has been flagged for
// cancellation.
func (m *Manager) CheckCancellation(ctx context.Context, videoID string) (bool, error) {
	return m.client.Exists(ctx, cancelKey(videoID))
}

// ClearCancellation removes the cancellation flag, called once a run has
// observed and acted on it.
func (m *Manager) ClearCancellation(ctx context.Context, videoID string) error {
	return m.client.Delete(ctx, cancelKey(videoID))
}

// ErrNotHeld names the nil-handle case. No Manager method returns it:
// Refresh and Release do not check h for nil.
var ErrNotHeld = errors.New("lock: handle is nil")
