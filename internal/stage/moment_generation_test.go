package stage

import (
	"strings"
	"testing"

	"github.com/aceteam-ai/reelpipe/internal/inference"
	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

func TestBuildGenerationPromptInterpolatesConfiguredBounds(t *testing.T) {
	cfg := pipeline.RunConfig{
		MinMoments:      3,
		MaxMoments:      7,
		MinMomentLength: 10,
		MaxMomentLength: 45,
	}
	segments := []inference.SegmentTimestamp{{Start: 0, End: 1.5, Text: "hello"}}

	prompt := buildGenerationPrompt(cfg, segments)

	for _, want := range []string{"3", "7", "10", "45"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt %q missing expected bound %q", prompt, want)
		}
	}
	if !strings.Contains(prompt, "hello") {
		t.Fatal("expected the transcript segment text to appear in the prompt")
	}
}

func TestBuildGenerationPromptFallsBackToDefaultsWhenUnset(t *testing.T) {
	prompt := buildGenerationPrompt(pipeline.RunConfig{}, nil)
	if !strings.Contains(prompt, "1-10") {
		t.Fatalf("prompt %q, want a default 1-10 moment-count range when config leaves it unset", prompt)
	}
}

func TestClampMomentBoundsDropsOutOfRangeAndTruncatesOverMax(t *testing.T) {
	cfg := pipeline.RunConfig{MaxMoments: 1, MinMomentLength: 5, MaxMomentLength: 20}
	candidates := []pipeline.MomentCandidate{
		{StartTime: 0, EndTime: 2},   // too short, dropped
		{StartTime: 0, EndTime: 10},  // kept
		{StartTime: 0, EndTime: 100}, // too long, dropped
		{StartTime: 10, EndTime: 25}, // kept, but truncated by MaxMoments
	}

	out := clampMomentBounds(candidates, cfg)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (MaxMoments truncation after length filtering)", len(out))
	}
	if out[0].EndTime != 10 {
		t.Fatalf("out[0] = %+v, want the first in-range candidate", out[0])
	}
}
