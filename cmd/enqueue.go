// cmd/enqueue.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

var (
	enqueueGenerationModel   string
	enqueueTranscriptionModel string
	enqueueRefinementModel   string
	enqueuePaddingLeft     float64
	enqueuePaddingRight    float64
	enqueueMinMoments      int
	enqueueMaxMoments      int
	enqueueMinMomentLength float64
	enqueueMaxMomentLength float64
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <video-id>",
	Short: "Submit a pipeline run for a video",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueGenerationModel, "generation-model", "", "registered model key to use for moment generation (required)")
	enqueueCmd.Flags().StringVar(&enqueueTranscriptionModel, "transcription-model", "", "registered model key to use for audio transcription (required)")
	enqueueCmd.Flags().StringVar(&enqueueRefinementModel, "refinement-model", "", "registered model key to use for moment refinement (required)")
	enqueueCmd.Flags().Float64Var(&enqueuePaddingLeft, "padding-left", 0, "seconds of padding before each clip")
	enqueueCmd.Flags().Float64Var(&enqueuePaddingRight, "padding-right", 0, "seconds of padding after each clip")
	enqueueCmd.Flags().IntVar(&enqueueMinMoments, "min-moments", 0, "minimum moments to request (0 = no bound)")
	enqueueCmd.Flags().IntVar(&enqueueMaxMoments, "max-moments", 0, "maximum moments to request (0 = no bound)")
	enqueueCmd.Flags().Float64Var(&enqueueMinMomentLength, "min-moment-length", 0, "minimum moment length in seconds (0 = no bound)")
	enqueueCmd.Flags().Float64Var(&enqueueMaxMomentLength, "max-moment-length", 0, "maximum moment length in seconds (0 = no bound)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	videoID := args[0]
	ctx := context.Background()

	if enqueueGenerationModel == "" || enqueueTranscriptionModel == "" || enqueueRefinementModel == "" {
		fmt.Fprintln(os.Stderr, "enqueue: --generation-model, --transcription-model and --refinement-model are required")
		os.Exit(2)
	}

	coord, err := connect(ctx, connectOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	defer coord.Store.Close()

	cfg := pipeline.RunConfig{
		GenerationModel:     enqueueGenerationModel,
		TranscriptionModel:  enqueueTranscriptionModel,
		RefinementModel:     enqueueRefinementModel,
		PaddingLeftSeconds:  enqueuePaddingLeft,
		PaddingRightSeconds: enqueuePaddingRight,
		MinMoments:          enqueueMinMoments,
		MaxMoments:          enqueueMaxMoments,
		MinMomentLength:     enqueueMinMomentLength,
		MaxMomentLength:     enqueueMaxMomentLength,
	}

	requestID, err := coord.Enqueue.Submit(ctx, videoID, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("submitted video %s as request %s\n", videoID, requestID)
	return nil
}
