// cmd/status.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/reelpipe/internal/enqueue"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)

	statusWatch     bool
	statusNoColor   bool
	statusPollEvery time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <video-id>",
	Short: "Show the status of a video's pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "poll the status until the run reaches a terminal state")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "disable colorized output")
	statusCmd.Flags().DurationVar(&statusPollEvery, "poll-every", 2*time.Second, "poll interval when --watch is set")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusNoColor {
		color.NoColor = true
	}
	videoID := args[0]
	ctx := context.Background()

	coord, err := connect(ctx, connectOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
	defer coord.Store.Close()

	for {
		snapshot, err := coord.Enqueue.Status(ctx, videoID)
		if err != nil {
			if errors.Is(err, enqueue.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "status: no active or archived run for %s\n", videoID)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}

		printStatus(videoID, snapshot)

		if !statusWatch || isTerminalState(snapshot["status"]) {
			return nil
		}
		time.Sleep(statusPollEvery)
	}
}

func isTerminalState(state string) bool {
	switch state {
	case "completed", "failed", "cancelled", "partial":
		return true
	default:
		return false
	}
}

func printStatus(videoID string, snapshot map[string]string) {
	headerColor.Printf("--- run status: %s ---\n", videoID)
	fmt.Printf("%s %s\n", labelColor.Sprint("state:"), colorizeState(snapshot["status"]))
	if stage := snapshot["current_stage"]; stage != "" {
		fmt.Printf("%s %s\n", labelColor.Sprint("current stage:"), stage)
	}
	if msg := snapshot["error_message"]; msg != "" {
		fmt.Printf("%s %s\n", labelColor.Sprint("error:"), badColor.Sprint(msg))
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		if len(k) > 7 && k[len(k)-7:] == "_status" && k != "status" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		stageName := k[:len(k)-7]
		fmt.Printf("  %s\t%s\n", stageName, colorizeState(snapshot[k]))
	}
}

func colorizeState(state string) string {
	switch state {
	case "completed":
		return goodColor.Sprint(state)
	case "failed", "cancelled":
		return badColor.Sprint(state)
	case "partial", "skipped":
		return warnColor.Sprint(state)
	default:
		return state
	}
}
