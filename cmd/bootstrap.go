package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aceteam-ai/reelpipe/internal/dispatch"
	"github.com/aceteam-ai/reelpipe/internal/enqueue"
	"github.com/aceteam-ai/reelpipe/internal/lock"
	"github.com/aceteam-ai/reelpipe/internal/registry"
	"github.com/aceteam-ai/reelpipe/internal/status"
	"github.com/aceteam-ai/reelpipe/internal/store"
)

// coordination bundles the handful of store-backed collaborators every
// subcommand needs, grounded on the teacher's cmd/worker.go pattern of
// building one redisclient.Client and handing it to whatever the subcommand
// runs. Unlike the teacher, this repo layers several typed clients (lock,
// status, registry) over the same *store.Client rather than a single
// monolithic client with every concern on it.
type coordination struct {
	Store    *store.Client
	Lock     *lock.Manager
	Tracker  *status.Tracker
	History  *status.History
	Registry *registry.Registry
	Dispatch *dispatch.Dispatcher
	Enqueue  *enqueue.Adapter
}

// connectOptions parameterizes connect for the subcommands that need
// non-default stream/group/consumer/lock settings (cmd/worker.go); callers
// that only need the defaults can pass a zero-value connectOptions.
type connectOptions struct {
	ConsumerGroup string
	ConsumerName  string
	Stream        string
	ClaimMinIdle  time.Duration
	LockTTL       time.Duration
}

// connect builds a coordination bundle and seeds the model registry from
// --models-manifest if one was given.
func connect(ctx context.Context, opts connectOptions) (*coordination, error) {
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = getEnvOrDefault("REELPIPE_GROUP", "pipeline_workers")
	}

	client := store.New(store.Config{
		ConsumerGroup: opts.ConsumerGroup,
		ConsumerName:  opts.ConsumerName,
	})
	if err := client.Connect(ctx, redisURL, redisPassword); err != nil {
		return nil, fmt.Errorf("connect to coordination store: %w", err)
	}

	reg := registry.New(client)
	if modelsManifest != "" {
		if err := reg.Seed(ctx, modelsManifest); err != nil {
			return nil, fmt.Errorf("seed model registry: %w", err)
		}
	}

	lockMgr := lock.New(client, opts.LockTTL)
	tracker := status.New(client)
	history := status.NewHistory(client, status.Config{})
	disp := dispatch.New(client, dispatch.Config{Stream: opts.Stream, ClaimMinIdle: opts.ClaimMinIdle})
	adapter := enqueue.New(lockMgr, tracker, history, disp, reg)

	return &coordination{
		Store:    client,
		Lock:     lockMgr,
		Tracker:  tracker,
		History:  history,
		Registry: reg,
		Dispatch: disp,
		Enqueue:  adapter,
	}, nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%d-%s", os.Getpid(), host)
}
