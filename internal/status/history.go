package status

import (
	"fmt"
	"strconv"
	"time"

	"context"

	"github.com/aceteam-ai/reelpipe/internal/store"
)

func runKey(requestID string) string     { return fmt.Sprintf("pipeline:run:%s", requestID) }
func historyKey(videoID string) string   { return fmt.Sprintf("pipeline:%s:history", videoID) }

// History archives completed pipeline runs and bounds how many are kept per
// video. A run must be archived exactly once, by whichever caller holds the
// terminal state transition — archiving twice (as the original worker's
// try/except both did) would zadd a stale second entry and cost the active
// hash it already deleted.
type History struct {
	client  *store.Client
	ttl     time.Duration
	maxRuns int64
}

// Config configures retention.
type Config struct {
	TTL     time.Duration // how long an archived run hash survives
	MaxRuns int64         // runs kept per video before the oldest are trimmed
}

// NewHistory creates a History with cfg, applying the same defaults the original
// implementation used (24h TTL, 20 runs).
func NewHistory(client *store.Client, cfg Config) *History {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxRuns == 0 {
		cfg.MaxRuns = 20
	}
	return &History{client: client, ttl: cfg.TTL, maxRuns: cfg.MaxRuns}
}

// Archive moves videoID's active status hash into history and deletes the
// active hash. It is the single terminal point a run's lifecycle passes
// through — callers must invoke it exactly once per run, regardless of
// whether the run succeeded, failed or was cancelled.
func (h *History) Archive(ctx context.Context, videoID string) (string, error) {
	active, err := h.client.HashGetAll(ctx, activeKey(videoID))
	if err != nil {
		return "", fmt.Errorf("read active status for %s: %w", videoID, err)
	}
	if len(active) == 0 {
		return "", nil
	}

	requestID := active["request_id"]
	if requestID == "" {
		return "", fmt.Errorf("active status for %s has no request_id", videoID)
	}

	score := float64(time.Now().Unix())
	if v, ok := active["completed_at"]; ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			score = float64(ts)
		}
	}

	fields := make(map[string]interface{}, len(active))
	for k, v := range active {
		fields[k] = v
	}
	if err := h.client.HashSet(ctx, runKey(requestID), fields); err != nil {
		return "", fmt.Errorf("write run hash for %s: %w", requestID, err)
	}
	if err := h.client.Expire(ctx, runKey(requestID), h.ttl); err != nil {
		return "", fmt.Errorf("expire run hash for %s: %w", requestID, err)
	}
	if err := h.client.ZAdd(ctx, historyKey(videoID), score, requestID); err != nil {
		return "", fmt.Errorf("index run %s in history: %w", requestID, err)
	}
	if _, err := h.CleanupOldRuns(ctx, videoID); err != nil {
		return "", err
	}
	if err := h.client.Delete(ctx, activeKey(videoID)); err != nil {
		return "", fmt.Errorf("clear active status for %s: %w", videoID, err)
	}
	return requestID, nil
}

// GetRun returns the archived status fields for a specific run, or nil if
// not found (expired or never existed).
func (h *History) GetRun(ctx context.Context, requestID string) (map[string]string, error) {
	data, err := h.client.HashGetAll(ctx, runKey(requestID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// GetLatest returns the most recently archived run for videoID.
func (h *History) GetLatest(ctx context.Context, videoID string) (map[string]string, error) {
	ids, err := h.client.ZRevRange(ctx, historyKey(videoID), 0, 0)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return h.GetRun(ctx, ids[0])
}

// GetAll returns every archived run for videoID, most recent first, capped
// at limit (0 = unbounded).
func (h *History) GetAll(ctx context.Context, videoID string, limit int64) ([]map[string]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ids, err := h.client.ZRevRange(ctx, historyKey(videoID), 0, stop)
	if err != nil {
		return nil, err
	}
	runs := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		run, err := h.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// CleanupOldRuns trims the oldest archived runs for videoID beyond maxRuns,
// returning how many were removed.
func (h *History) CleanupOldRuns(ctx context.Context, videoID string) (int, error) {
	total, err := h.client.ZCard(ctx, historyKey(videoID))
	if err != nil {
		return 0, err
	}
	if total <= h.maxRuns {
		return 0, nil
	}
	toRemove := total - h.maxRuns
	oldest, err := h.client.ZRange(ctx, historyKey(videoID), 0, toRemove-1)
	if err != nil {
		return 0, err
	}
	for _, requestID := range oldest {
		if err := h.client.ZRem(ctx, historyKey(videoID), requestID); err != nil {
			return 0, err
		}
		if err := h.client.Delete(ctx, runKey(requestID)); err != nil {
			return 0, err
		}
	}
	return len(oldest), nil
}

// DeleteAll removes every archived run and the history index for videoID.
func (h *History) DeleteAll(ctx context.Context, videoID string) error {
	ids, err := h.client.ZRange(ctx, historyKey(videoID), 0, -1)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := h.client.Delete(ctx, runKey(id)); err != nil {
			return err
		}
	}
	return h.client.Delete(ctx, historyKey(videoID))
}
