package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

func (f *fixture) lastSummaryRequest() (llm.Request, bool) {
	f.t.Helper()
	reqs := f.gen.requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].MaxTokens == llm.SummaryMaxTokens {
			return reqs[i], true
		}
	}
	return llm.Request{}, false
}

func TestSummaryExpandedFoldsPendingLines(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	f.gen.fn = func(req llm.Request) (string, error) {
		switch req.MaxTokens {
		case llm.PassageMaxTokens:
			return "First blood on the road.", nil
		case llm.SummaryMaxTokens:
			return "The feud has drawn first blood.", nil
		default:
			return "", llm.ErrDisabled
		}
	}

	f.createPlot(ctx, "w1", "a feud over the salt road")
	f.say(ctx, "w1", "c1", "maren", "they cut the rope bridge")
	f.say(ctx, "w1", "c1", "tollak", "then we cut theirs")
	f.say(ctx, "w1", "c1", "maren", "someone will bleed for this")
	f.drain(ctx)

	pl := f.mustPlot(ctx, "w1")
	if pl.CurrentSummary != "The feud has drawn first blood." {
		t.Fatalf("rolling summary = %q", pl.CurrentSummary)
	}

	// A line arrives but stays pending: below the message minimum and
	// inside the cooldown, so no passage consumes it.
	f.say(ctx, "w1", "c1", "ida", "We should leave tonight.")

	expanded := &jobs.Job{
		Kind:    jobs.KindCompactSummary,
		WorldID: "w1",
		Payload: mustJSON(t, summaryPayload{Expanded: true}),
	}
	if err := f.p.handleCompactSummary(ctx, expanded); err != nil {
		t.Fatalf("expanded compaction: %v", err)
	}
	req, ok := f.lastSummaryRequest()
	if !ok {
		t.Fatal("no summary request recorded")
	}
	if !strings.Contains(req.Prompt, "ida: We should leave tonight.") {
		t.Errorf("expanded prompt missing the pending line:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "First blood on the road.") {
		t.Errorf("expanded prompt missing the committed passage:\n%s", req.Prompt)
	}

	rolling := &jobs.Job{Kind: jobs.KindCompactSummary, WorldID: "w1"}
	if err := f.p.handleCompactSummary(ctx, rolling); err != nil {
		t.Fatalf("rolling compaction: %v", err)
	}
	req, ok = f.lastSummaryRequest()
	if !ok {
		t.Fatal("no summary request recorded")
	}
	if strings.Contains(req.Prompt, "ida: We should leave tonight.") {
		t.Errorf("rolling prompt folded pending lines:\n%s", req.Prompt)
	}
}

func TestSummaryFallsBackAndRestatesStage(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	now := f.clock.now()
	if _, _, err := f.store.CreatePlot(ctx, "w1", "a feud over the salt road", now); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.CommitPassage(ctx, persistence.CommitPassageArgs{
		WorldID:            "w1",
		Narrative:          "First blood on the road.",
		ConflictTag:        "danger",
		SourceUtteranceIDs: []string{"u-1"},
		ParticipantNames:   []string{"maren"},
		MaxPassages:        12,
		SummaryEvery:       10,
		Now:                now,
	}); err != nil {
		t.Fatal(err)
	}
	// Force the stage out of line with the passage count; the compaction
	// recomputes it from persisted state.
	if _, err := f.store.ApplyPlot(ctx, "w1", now, func(cur *plot.Plot) error {
		cur.Stage = plot.StageClimax
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	job := &jobs.Job{Kind: jobs.KindCompactSummary, WorldID: "w1"}
	if err := f.p.handleCompactSummary(ctx, job); err != nil {
		t.Fatalf("compaction: %v", err)
	}

	pl := f.mustPlot(ctx, "w1")
	if pl.CurrentSummary != "First blood on the road." {
		t.Errorf("disabled generation should fall back to the newest passage, got %q", pl.CurrentSummary)
	}
	if pl.Stage != plot.StageBeginning {
		t.Errorf("stage = %q, want restated to %q", pl.Stage, plot.StageBeginning)
	}
}

func TestSummaryWithoutPassagesIsQuiet(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	if _, _, err := f.store.CreatePlot(ctx, "w1", "a feud", f.clock.now()); err != nil {
		t.Fatal(err)
	}
	job := &jobs.Job{Kind: jobs.KindCompactSummary, WorldID: "w1"}
	if err := f.p.handleCompactSummary(ctx, job); err != nil {
		t.Fatalf("compaction before any passage: %v", err)
	}
	if pl := f.mustPlot(ctx, "w1"); pl.CurrentSummary != "" {
		t.Errorf("summary appeared from nothing: %q", pl.CurrentSummary)
	}
}
