package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/talgya/storyloom/internal/plot"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestCreatePlotIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, created, err := db.CreatePlot(ctx, "w1", "a feud over the salt road", testTime)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create should report created")
	}
	if p.Stage != plot.StageBeginning || p.Version != 1 {
		t.Errorf("fresh plot wrong: %+v", p)
	}

	again, created, err := db.CreatePlot(ctx, "w1", "a totally different theme", testTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create must not report created")
	}
	if again.InitialTheme != "a feud over the salt road" {
		t.Errorf("second create overwrote the theme: %q", again.InitialTheme)
	}
}

func TestGetPlotNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetPlot(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestApplyPlotPatchesUnderVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	updated, err := db.ApplyPlot(ctx, "w1", testTime.Add(time.Minute), func(p *plot.Plot) error {
		p.CurrentSummary = "the road is contested"
		p.Stage = plot.StageRising
		return nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	got, err := db.GetPlot(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentSummary != "the road is contested" || got.Stage != plot.StageRising {
		t.Errorf("patch not persisted: %+v", got)
	}
}

func TestSetFinalSummaryOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	// Not complete yet: the write must not land.
	wrote, err := db.SetFinalSummary(ctx, "w1", "too early", testTime)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("final summary landed before completion")
	}

	if _, err := db.ApplyPlot(ctx, "w1", testTime, func(p *plot.Plot) error {
		p.IsComplete = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	wrote, err = db.SetFinalSummary(ctx, "w1", "and so the road fell quiet", testTime)
	if err != nil {
		t.Fatal(err)
	}
	if !wrote {
		t.Fatal("first finalize should write")
	}

	wrote, err = db.SetFinalSummary(ctx, "w1", "a second ending", testTime)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("second finalize must be a no-op")
	}

	got, _ := db.GetPlot(ctx, "w1")
	if got.FinalSummary != "and so the road fell quiet" {
		t.Errorf("final summary overwritten: %q", got.FinalSummary)
	}
}

func TestResetWorldClearsEverythingButParticipants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertParticipant(ctx, "w1", "p1", "Ash", true, testTime); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendStackEntry(ctx, plot.PendingUtterance{
		WorldID: "w1", PlayerID: "p1", UtteranceID: "u1", ConversationID: "c1",
		AuthorName: "Ash", Text: "hello", CreatedAt: testTime,
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := db.InsertDraftIfAbsent(ctx, "w1", "a draft", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	if err := db.ResetWorld(ctx, "w1"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, err := db.GetPlot(ctx, "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("plot survived reset: %v", err)
	}
	if _, err := db.GetDraft(ctx, "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("draft survived reset: %v", err)
	}
	pending, err := db.PendingUtterances(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("stack survived reset: %d rows", len(pending))
	}
	human, err := db.IsHumanParticipant(ctx, "w1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !human {
		t.Error("participant registry should survive a reset")
	}
}

func TestListWorldIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, w := range []string{"w2", "w1"} {
		if _, _, err := db.CreatePlot(ctx, w, "t", testTime); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := db.ListWorldIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "w1" || ids[1] != "w2" {
		t.Errorf("world list wrong: %v", ids)
	}
}
