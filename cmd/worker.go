// cmd/worker.go
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/reelpipe/internal/dispatch"
	"github.com/aceteam-ai/reelpipe/internal/governor"
	"github.com/aceteam-ai/reelpipe/internal/media"
	"github.com/aceteam-ai/reelpipe/internal/objectstore"
	"github.com/aceteam-ai/reelpipe/internal/orchestrator"
	"github.com/aceteam-ai/reelpipe/internal/repo"
	"github.com/aceteam-ai/reelpipe/internal/stage"
	"github.com/aceteam-ai/reelpipe/internal/status"
	"github.com/aceteam-ai/reelpipe/internal/tunnel"
	"github.com/aceteam-ai/reelpipe/internal/worker"
)

var (
	workerStream          string
	workerGroup           string
	workerConsumer        string
	workerMaxConcurrent   int
	workerReclaimIdleMs   int64
	workerLockTTLSeconds  int64
	workerStatusAddr      string
	workerMediaTempDir    string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline worker, consuming run requests off the dispatch stream",
	Long: `Pulls video-pipeline run requests from the coordination store's
dispatch stream and drives each one through the eight-stage orchestrator:
download, audio extraction, audio upload, transcription, moment generation,
clip extraction, clip upload and refinement.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerStream, "stream", dispatch.DefaultStream, "dispatch stream key")
	workerCmd.Flags().StringVar(&workerGroup, "group", "pipeline_workers", "consumer group")
	workerCmd.Flags().StringVar(&workerConsumer, "consumer", "", "consumer name (default: host-pid derived)")
	workerCmd.Flags().IntVar(&workerMaxConcurrent, "max-concurrent", 2, "maximum concurrently active runs")
	workerCmd.Flags().Int64Var(&workerReclaimIdleMs, "reclaim-idle-ms", 60000, "idle threshold in milliseconds before reclaiming an abandoned stream entry")
	workerCmd.Flags().Int64Var(&workerLockTTLSeconds, "lock-ttl-seconds", 1800, "lock TTL in seconds")
	workerCmd.Flags().StringVar(&workerStatusAddr, "status-addr", "", "optional address to serve live status-change websockets on (e.g. :8089); empty disables it")
	workerCmd.Flags().StringVar(&workerMediaTempDir, "media-temp-dir", "", "directory for transcoder temp files (default: os.TempDir())")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if workerMaxConcurrent <= 0 || workerReclaimIdleMs <= 0 || workerLockTTLSeconds <= 0 {
		fmt.Fprintln(os.Stderr, "worker: max-concurrent, reclaim-idle-ms and lock-ttl-seconds must all be positive")
		os.Exit(2)
	}

	consumer := workerConsumer
	if consumer == "" {
		consumer = consumerName()
	}

	coord, err := connect(ctx, connectOptions{
		ConsumerGroup: workerGroup,
		ConsumerName:  consumer,
		Stream:        workerStream,
		ClaimMinIdle:  time.Duration(workerReclaimIdleMs) * time.Millisecond,
		LockTTL:       time.Duration(workerLockTTLSeconds) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	defer coord.Store.Close()

	if err := coord.Dispatch.Ensure(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	notifier := status.NewNotifier()
	if workerStatusAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", notifier.ServeWS)
		srv := &http.Server{Addr: workerStatusAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "worker: status server: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	records := repo.NewInMemory()
	deps := stage.Deps{
		Media:       media.NewFFmpeg(workerMediaTempDir),
		Objects:     objectstore.NewInMemory(),
		Tunnels:     tunnel.New(coord.Registry),
		Registry:    coord.Registry,
		Governor:    governor.New(governor.Config{ConcurrentRuns: workerMaxConcurrent}),
		Tracker:     coord.Tracker,
		Videos:      records,
		Transcripts: records,
		Moments:     records,
		Clips:       records,
		Thumbnails:  records,
		Configs:     records,
	}

	activity := func(level, msg string) {
		notifier.Publish(status.Event{Status: level, Stage: msg})
		if level == "error" || level == "warning" {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", level, msg)
		} else {
			fmt.Printf("[%s] %s\n", level, msg)
		}
	}

	orch := orchestrator.New(coord.Lock, coord.Tracker, coord.History, stage.Ordered(), orchestrator.ActivityFn(activity))

	w := worker.New(worker.Config{
		Dispatch:          coord.Dispatch,
		Lock:              coord.Lock,
		Tracker:           coord.Tracker,
		History:           coord.History,
		Registry:          coord.Registry,
		Governor:          deps.Governor,
		Orchestrator:      orch,
		StageDeps:         deps,
		MaxConcurrentRuns: workerMaxConcurrent,
		ActivityFn:        worker.ActivityFn(activity),
	})

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	return nil
}
