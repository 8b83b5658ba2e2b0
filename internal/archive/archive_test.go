package archive

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talgya/storyloom/internal/plot"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	exported := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	draft := plot.Draft{WorldID: "w1", Text: "So it began.", OriginalTheme: "a feud", Version: 3}

	story := Story{
		WorldID:    "w1",
		ExportedAt: exported,
		Plot: plot.Plot{
			WorldID:      "w1",
			InitialTheme: "a feud over the salt road",
			Stage:        plot.StageConclusion,
			IsComplete:   true,
			FinalSummary: "The feud burned itself out.",
		},
		Passages: []plot.Passage{
			{WorldID: "w1", Ordinal: 1, Narrative: "It started with smoke.", ConflictTag: "danger"},
			{WorldID: "w1", Ordinal: 2, Narrative: "Then came the accusations.", ConflictTag: "confrontation"},
		},
		Mutations: []plot.ThemeMutation{
			{WorldID: "w1", Index: 0, PreviousTheme: "a feud over the salt road", NewTheme: "an uneasy truce"},
		},
		Draft: &draft,
	}

	path, err := Write(dir, story)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := filepath.Dir(path); got != dir {
		t.Errorf("archive written to %s, want under %s", got, dir)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "w1-") || !strings.HasSuffix(base, ".json.zst") {
		t.Errorf("unexpected archive name %q", base)
	}

	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if back.WorldID != "w1" || !back.ExportedAt.Equal(exported) {
		t.Errorf("header mismatch: %+v", back)
	}
	if back.Plot.FinalSummary != story.Plot.FinalSummary || !back.Plot.IsComplete {
		t.Errorf("plot did not survive: %+v", back.Plot)
	}
	if len(back.Passages) != 2 || back.Passages[1].Narrative != "Then came the accusations." {
		t.Errorf("passages did not survive: %+v", back.Passages)
	}
	if len(back.Mutations) != 1 || back.Mutations[0].NewTheme != "an uneasy truce" {
		t.Errorf("mutations did not survive: %+v", back.Mutations)
	}
	if back.Draft == nil || back.Draft.Version != 3 {
		t.Errorf("draft did not survive: %+v", back.Draft)
	}
}

func TestWriteNamesNeverCollide(t *testing.T) {
	dir := t.TempDir()
	s := Story{WorldID: "w1", Plot: plot.Plot{WorldID: "w1", InitialTheme: "x"}}

	first, err := Write(dir, s)
	if err != nil {
		t.Fatalf("first Write: %v", err)
	}
	second, err := Write(dir, s)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if first == second {
		t.Errorf("two writes produced the same path %s", first)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"w1":            "w1",
		"over/there":    "over_there",
		"..":            "__",
		"":              "world",
		"Mixed-Case_09": "Mixed-Case_09",
	}
	for in, want := range cases {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}
