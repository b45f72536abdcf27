// Package store wraps the Redis primitives the pipeline coordinates through:
// hashes for live run status, sorted sets for run history, streams for the
// run-request queue, and Lua scripts for fenced lock operations.
//
// This is the same client shape the worker job queue used, generalized from
// a single-queue job dispatcher to the small set of key patterns the
// orchestrator, lock manager, status tracker and model registry all share:
//
//	pipeline:{videoID}:active        hash   live run status
//	pipeline:run:{requestID}         hash   archived run (TTL)
//	pipeline:{videoID}:history       zset   archived request IDs by timestamp
//	pipeline:{videoID}:lock          string fenced lock (NX/EX)
//	pipeline:{videoID}:cancel        string cancellation flag (EX)
//	pipeline:requests                stream run-request queue
//	model:config:{key}               hash   model registry entry
//	model:config:_keys               set    registered model keys
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client with the consumer-group identity the worker
// needs for stream reads, and exposes the primitive operations the rest of
// the pipeline packages (lock, status, registry, dispatch) build on.
type Client struct {
	rdb           *redis.Client
	consumerName  string
	consumerGroup string
}

// Config holds connection and consumer-group configuration.
type Config struct {
	URL           string
	Password      string
	ConsumerName  string
	ConsumerGroup string
}

// New creates a client. Connect must be called before use.
func New(cfg Config) *Client {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "pipeline-workers"
	}
	return &Client{
		consumerName:  cfg.ConsumerName,
		consumerGroup: cfg.ConsumerGroup,
	}
}

// Connect parses the Redis URL, establishes the connection and verifies it
// with a PING.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	c.rdb = redis.NewClient(opts)
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	return nil
}

// Raw exposes the underlying go-redis client for packages that need
// operations this wrapper doesn't cover (e.g. the stream reads, claims and
// acks in dispatch).
func (c *Client) Raw() *redis.Client { return c.rdb }

// ConsumerGroup returns the configured stream consumer group name.
func (c *Client) ConsumerGroup() string { return c.consumerGroup }

// ConsumerName returns this process's consumer identity.
func (c *Client) ConsumerName() string { return c.consumerName }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// EnsureConsumerGroup creates the consumer group for stream, tolerating the
// case where it already exists (BUSYGROUP).
func (c *Client) EnsureConsumerGroup(ctx context.Context, stream string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, c.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", stream, err)
	}
	return nil
}

// HashGetAll reads every field of a hash key.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HashSet writes fields into a hash key.
func (c *Client) HashSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HSet(ctx, key, fields).Err()
}

// HashSetField writes a single field into a hash key.
func (c *Client) HashSetField(ctx context.Context, key, field string, value interface{}) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Exists reports whether a key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// SetNX atomically sets key to value with a TTL if absent; reports whether it
// was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// GetString reads a string key, returning ("", nil) if absent.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Eval runs a Lua script, used by the lock package for fenced
// compare-and-delete / compare-and-extend operations.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.rdb.Eval(ctx, script, keys, args...).Result()
}

// ZAdd adds a member with a score to a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRevRange returns members from highest to lowest score within [start, stop].
func (c *Client) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.ZRevRange(ctx, key, start, stop).Result()
}

// ZRange returns members from lowest to highest score within [start, stop].
func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.ZRange(ctx, key, start, stop).Result()
}

// ZCard returns the number of members in a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// ZRem removes members from a sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

// SetAdd adds a member to a set.
func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

// SetRemove removes a member from a set.
func (c *Client) SetRemove(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// SetMembers returns every member of a set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}
