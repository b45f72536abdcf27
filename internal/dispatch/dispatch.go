// Package dispatch implements the pipeline run-request queue: a single Redis
// stream with a consumer group, claimed cooperatively by however many worker
// processes are running. It is the Go-native equivalent of the stream
// dispatch the teacher's job queue used, narrowed to one message shape (a
// pipeline run request) and extended with XAUTOCLAIM-based stale-message
// reclaim for worker-crash recovery.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

// DefaultStream is the run-request stream name, mirroring the original
// worker's STREAM_KEY.
const DefaultStream = "pipeline:requests"

// RequestEntry is one run request read off the stream.
type RequestEntry struct {
	MessageID string
	VideoID   string
	RequestID string
	// LockToken is the fencing token the enqueue adapter's lock.Acquire
	// returned when it claimed the subject, carried through the stream so
	// the worker can assert ownership (lock.Manager.Refresh) rather than
	// acquiring the lock a second time, which would conflict with itself.
	LockToken  string
	Config     pipeline.RunConfig
	EnqueuedAt time.Time
}

// Dispatcher reads and acknowledges run requests on a Redis stream.
type Dispatcher struct {
	client        *store.Client
	stream        string
	consumerGroup string
	consumerName  string
	blockFor      time.Duration
	claimMinIdle  time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	Stream       string
	BlockFor     time.Duration
	ClaimMinIdle time.Duration
}

// New creates a Dispatcher bound to client's consumer group/name.
func New(client *store.Client, cfg Config) *Dispatcher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.BlockFor == 0 {
		cfg.BlockFor = 5 * time.Second
	}
	if cfg.ClaimMinIdle == 0 {
		cfg.ClaimMinIdle = 60 * time.Second
	}
	return &Dispatcher{
		client:        client,
		stream:        cfg.Stream,
		consumerGroup: client.ConsumerGroup(),
		consumerName:  client.ConsumerName(),
		blockFor:      cfg.BlockFor,
		claimMinIdle:  cfg.ClaimMinIdle,
	}
}

// Ensure creates the backing stream and consumer group if they don't exist.
func (d *Dispatcher) Ensure(ctx context.Context) error {
	return d.client.EnsureConsumerGroup(ctx, d.stream)
}

// Enqueue adds a new run request to the stream, carrying the fencing token
// of the lock the enqueue adapter already holds for videoID.
func (d *Dispatcher) Enqueue(ctx context.Context, videoID, requestID, lockToken string, cfg pipeline.RunConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	return d.client.Raw().XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"videoId":    videoID,
			"requestId":  requestID,
			"lockToken":  lockToken,
			"config":     string(payload),
			"enqueuedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
}

// Next blocks for up to the configured BlockFor for a new message, first
// attempting to reclaim a stale message abandoned by a crashed worker. It
// returns (nil, nil) when nothing is available within the timeout.
func (d *Dispatcher) Next(ctx context.Context) (*RequestEntry, error) {
	if entry, err := d.claimStale(ctx); err != nil {
		return nil, err
	} else if entry != nil {
		return entry, nil
	}
	return d.readNew(ctx)
}

func (d *Dispatcher) claimStale(ctx context.Context) (*RequestEntry, error) {
	msgs, _, err := d.client.Raw().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   d.stream,
		Group:    d.consumerGroup,
		Consumer: d.consumerName,
		MinIdle:  d.claimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return parseMessage(msgs[0])
}

func (d *Dispatcher) readNew(ctx context.Context) (*RequestEntry, error) {
	streams, err := d.client.Raw().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.consumerGroup,
		Consumer: d.consumerName,
		Streams:  []string{d.stream, ">"},
		Count:    1,
		Block:    d.blockFor,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0])
}

func parseMessage(msg redis.XMessage) (*RequestEntry, error) {
	entry := &RequestEntry{MessageID: msg.ID}
	if v, ok := msg.Values["videoId"].(string); ok {
		entry.VideoID = v
	}
	if v, ok := msg.Values["requestId"].(string); ok {
		entry.RequestID = v
	}
	if v, ok := msg.Values["lockToken"].(string); ok {
		entry.LockToken = v
	}
	if v, ok := msg.Values["enqueuedAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			entry.EnqueuedAt = t
		}
	}
	if v, ok := msg.Values["config"].(string); ok {
		if err := json.Unmarshal([]byte(v), &entry.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config for message %s: %w", msg.ID, err)
		}
	}
	return entry, nil
}

// Ack acknowledges successful processing of a message, removing it from the
// pending entries list.
func (d *Dispatcher) Ack(ctx context.Context, messageID string) error {
	return d.client.Raw().XAck(ctx, d.stream, d.consumerGroup, messageID).Err()
}
