package inference

import (
	"errors"
	"testing"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

func TestParseMomentsDirectArray(t *testing.T) {
	raw := `[{"start_time": 1, "end_time": 5, "title": "intro"}, {"start_time": 10, "end_time": 20, "title": "climax"}]`
	moments, err := ParseMoments(raw, 100)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(moments) != 2 {
		t.Fatalf("got %d moments, want 2", len(moments))
	}
}

func TestParseMomentsToleratesSurroundingProse(t *testing.T) {
	raw := "Sure, here are the highlight moments:\n\n" +
		`[{"start_time": 2.5, "end_time": 8, "title": "a"}]` +
		"\n\nLet me know if you'd like more."
	moments, err := ParseMoments(raw, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(moments) != 1 || moments[0].Title != "a" {
		t.Fatalf("got %+v, want one moment titled a", moments)
	}
}

func TestParseMomentsExtractsFromCodeFence(t *testing.T) {
	raw := "```json\n[{\"start_time\": 0, \"end_time\": 3, \"title\": \"x\"}]\n```"
	moments, err := ParseMoments(raw, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(moments) != 1 {
		t.Fatalf("got %d moments, want 1", len(moments))
	}
}

func TestParseMomentsDropsInvalidEntriesWithoutFailing(t *testing.T) {
	raw := `[{"start_time": 5, "end_time": 2, "title": "backwards"}, {"start_time": 1, "end_time": 4, "title": "ok"}]`
	moments, err := ParseMoments(raw, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(moments) != 1 || moments[0].Title != "ok" {
		t.Fatalf("got %+v, want only the valid entry", moments)
	}
}

func TestParseMomentsDropsEntriesPastVideoDuration(t *testing.T) {
	raw := `[{"start_time": 1, "end_time": 4, "title": "ok"}, {"start_time": 50, "end_time": 60, "title": "too late"}]`
	moments, err := ParseMoments(raw, 10)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(moments) != 1 || moments[0].Title != "ok" {
		t.Fatalf("got %+v, want only the in-bounds entry", moments)
	}
}

func TestParseMomentsNoArrayFoundIsInferenceParseError(t *testing.T) {
	_, err := ParseMoments("I couldn't find any highlights in this video.", 0)
	if !errors.Is(err, pipeline.ErrInferenceParse) {
		t.Fatalf("err = %v, want wrapping ErrInferenceParse", err)
	}
}

func TestParseMomentsDropsOverlappingEntries(t *testing.T) {
	raw := `[{"start_time": 0, "end_time": 10, "title": "a"}, {"start_time": 5, "end_time": 15, "title": "overlaps a"}]`
	moments, err := ParseMoments(raw, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(moments) != 1 || moments[0].Title != "a" {
		t.Fatalf("got %+v, want only the first of the overlapping pair", moments)
	}
}

func TestParseRefinementDirectObject(t *testing.T) {
	start, end, err := ParseRefinement(`{"start_time": 12.5, "end_time": 18.25}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if start != 12.5 || end != 18.25 {
		t.Fatalf("got (%v, %v), want (12.5, 18.25)", start, end)
	}
}

func TestParseRefinementToleratesProseAndFences(t *testing.T) {
	raw := "Here is the refined window:\n```json\n{\"start_time\": 3, \"end_time\": 9}\n```\nHope that helps."
	start, end, err := ParseRefinement(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if start != 3 || end != 9 {
		t.Fatalf("got (%v, %v), want (3, 9)", start, end)
	}
}

func TestParseRefinementRejectsInvalidBounds(t *testing.T) {
	_, _, err := ParseRefinement(`{"start_time": 10, "end_time": 5}`)
	if !errors.Is(err, pipeline.ErrInferenceParse) {
		t.Fatalf("err = %v, want wrapping ErrInferenceParse", err)
	}
}

func TestParseRefinementNoObjectFound(t *testing.T) {
	_, _, err := ParseRefinement("no idea what you mean")
	if !errors.Is(err, pipeline.ErrInferenceParse) {
		t.Fatalf("err = %v, want wrapping ErrInferenceParse", err)
	}
}
