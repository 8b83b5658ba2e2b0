package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
)

func TestDraftSeedIdempotent(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	if _, _, err := f.store.CreatePlot(ctx, "w1", "a lighthouse gone dark", f.clock.now()); err != nil {
		t.Fatal(err)
	}
	job := &jobs.Job{Kind: jobs.KindDraftInit, WorldID: "w1"}

	if err := f.p.handleDraftInit(ctx, job); err != nil {
		t.Fatalf("first init: %v", err)
	}
	d1, err := f.store.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if d1.Version != 1 {
		t.Errorf("seed version = %d, want 1", d1.Version)
	}
	if d1.Text != llm.FallbackDraftSeed("a lighthouse gone dark") {
		t.Errorf("disabled generation should seed the fallback, got %q", d1.Text)
	}
	if d1.OriginalTheme != "a lighthouse gone dark" {
		t.Errorf("original theme = %q", d1.OriginalTheme)
	}

	if err := f.p.handleDraftInit(ctx, job); err != nil {
		t.Fatalf("second init: %v", err)
	}
	d2, err := f.store.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if d2.Version != 1 || d2.Text != d1.Text {
		t.Errorf("redelivered init changed the draft: %+v", d2)
	}
}

func TestDraftRewriteFollowsThemeAndKeepsOpening(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	const seed = "The salt road cracked at dawn. Two families met at the break. Neither spoke first."
	const opening = "The salt road cracked at dawn. Two families met at the break."

	draftCalls := 0
	f.gen.fn = func(req llm.Request) (string, error) {
		switch {
		case req.MaxTokens == llm.DraftMaxTokens:
			draftCalls++
			if draftCalls == 1 {
				return seed, nil
			}
			// A rewrite that drops the protected opening entirely.
			return "Rain moved in from the coast and the road began to choose its own sides.", nil
		case req.MaxTokens == llm.PassageMaxTokens:
			return "The families argued over who owned the break in the road.", nil
		case req.MaxTokens == llm.ThemeMaxTokens:
			return `{"new_theme": "the road itself chooses sides", "description": "the break became an actor"}`, nil
		default:
			return "", llm.ErrDisabled
		}
	}

	f.createPlot(ctx, "w1", "a feud over the salt road")
	f.drain(ctx)

	d, err := f.store.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Text != seed || d.Version != 1 {
		t.Fatalf("seed draft wrong: %+v", d)
	}

	f.say(ctx, "w1", "c1", "p1", "the break is wider today")
	f.say(ctx, "w1", "c1", "p2", "it swallowed a cart wheel")
	f.say(ctx, "w1", "c1", "p1", "it is choosing")
	f.drain(ctx)

	d, err = f.store.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != 2 {
		t.Fatalf("draft version = %d, want 2 after a theme shift", d.Version)
	}
	if !strings.HasPrefix(d.Text, opening) {
		t.Errorf("rewrite lost the protected opening: %q", d.Text)
	}
	if !strings.Contains(d.Text, "Rain moved in") {
		t.Errorf("rewrite body missing: %q", d.Text)
	}
}

func TestDraftRewriteStaleVersionIsNoOp(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	now := f.clock.now()
	if _, _, err := f.store.CreatePlot(ctx, "w1", "a feud", now); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AppendMutation(ctx, persistence.AppendMutationArgs{
		WorldID:       "w1",
		NewTheme:      "a siege",
		Description:   "it turned",
		SourceOrdinal: 1,
		Now:           now,
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.store.InsertDraftIfAbsent(ctx, "w1", "First line. Second line. Third line.", "a feud", now); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateDraft(ctx, "w1", "First line. Second line. Rewritten tail.", 1, now); err != nil {
		t.Fatal(err)
	}

	// A rewrite pinned to the superseded version must not touch the
	// draft, and must not even reach the generation service.
	f.gen.fn = func(req llm.Request) (string, error) {
		t.Error("stale rewrite called the generation service")
		return "", llm.ErrDisabled
	}
	job := &jobs.Job{
		Kind:    jobs.KindMutateDraft,
		WorldID: "w1",
		Payload: mustJSON(t, draftPayload{BaseVersion: 1}),
	}
	if err := f.p.handleMutateDraft(ctx, job); err != nil {
		t.Fatalf("stale rewrite: %v", err)
	}

	d, err := f.store.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != 2 || !strings.Contains(d.Text, "Rewritten tail") {
		t.Errorf("stale rewrite touched the draft: %+v", d)
	}
}

func TestDraftRewriteSkipsWhenThemeUnmoved(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	now := f.clock.now()
	if _, _, err := f.store.CreatePlot(ctx, "w1", "a feud", now); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.store.InsertDraftIfAbsent(ctx, "w1", "First line. Second line.", "a feud", now); err != nil {
		t.Fatal(err)
	}

	job := &jobs.Job{
		Kind:    jobs.KindMutateDraft,
		WorldID: "w1",
		Payload: mustJSON(t, draftPayload{BaseVersion: 1}),
	}
	if err := f.p.handleMutateDraft(ctx, job); err != nil {
		t.Fatalf("rewrite with unmoved theme: %v", err)
	}

	d, err := f.store.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != 1 {
		t.Errorf("rewrite ran without a theme shift: version %d", d.Version)
	}
	if len(f.gen.requests()) != 0 {
		t.Error("rewrite called generation without a theme shift")
	}
}
