// cmd/history.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyLimit int64

var historyCmd = &cobra.Command{
	Use:   "history <video-id>",
	Short: "List archived pipeline runs for a video, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int64Var(&historyLimit, "limit", 20, "maximum number of archived runs to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	videoID := args[0]
	ctx := context.Background()

	coord, err := connect(ctx, connectOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}
	defer coord.Store.Close()

	runs, err := coord.Enqueue.ListHistory(ctx, videoID, historyLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}

	if len(runs) == 0 {
		fmt.Printf("no archived runs for %s\n", videoID)
		return nil
	}

	headerColor.Printf("--- archived runs: %s ---\n", videoID)
	for _, run := range runs {
		fmt.Printf("%s  %s  %s\n",
			labelColor.Sprint(run["request_id"]),
			colorizeState(run["status"]),
			run["completed_at"])
		if msg := run["error_message"]; msg != "" {
			fmt.Printf("    %s\n", color.RedString(msg))
		}
	}
	return nil
}
