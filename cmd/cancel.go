// cmd/cancel.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <video-id>",
	Short: "Flag a video's active run for cooperative cancellation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	videoID := args[0]
	ctx := context.Background()

	coord, err := connect(ctx, connectOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	defer coord.Store.Close()

	if err := coord.Enqueue.Cancel(ctx, videoID); err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("cancellation flag set for %s\n", videoID)
	return nil
}
