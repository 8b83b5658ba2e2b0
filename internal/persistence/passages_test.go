package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/talgya/storyloom/internal/plot"
)

func commitArgs(worldID string, n int, now time.Time) CommitPassageArgs {
	return CommitPassageArgs{
		WorldID:            worldID,
		Narrative:          fmt.Sprintf("Passage number %d unfolds.", n),
		ConflictTag:        "quest",
		SourceUtteranceIDs: []string{fmt.Sprintf("u%d-a", n), fmt.Sprintf("u%d-b", n)},
		ParticipantNames:   []string{"Ash", "Briar"},
		MaxPassages:        plot.MaxPassages,
		SummaryEvery:       3,
		Now:                now,
	}
}

func TestCommitPassageSequencesOrdinals(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	for n := 1; n <= 3; n++ {
		res, err := db.CommitPassage(ctx, commitArgs("w1", n, testTime.Add(time.Duration(n)*time.Minute)))
		if err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
		if res.Passage.Ordinal != n {
			t.Fatalf("commit %d got ordinal %d", n, res.Passage.Ordinal)
		}
		if res.ProcessedTotal != n*2 {
			t.Errorf("commit %d processed total = %d, want %d", n, res.ProcessedTotal, n*2)
		}
	}

	got, err := db.ListPassages(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d passages, want 3", len(got))
	}
	for i, p := range got {
		if p.Ordinal != i+1 {
			t.Errorf("passage %d has ordinal %d", i, p.Ordinal)
		}
	}
}

func TestCommitPassageStampsPlot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	stamp := testTime.Add(45 * time.Second)
	res, err := db.CommitPassage(ctx, commitArgs("w1", 1, stamp))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Plot.LastGeneration.Equal(stamp) {
		t.Errorf("last generation = %v, want %v", res.Plot.LastGeneration, stamp)
	}
	if res.Plot.Stage != plot.StageBeginning {
		t.Errorf("stage after first passage = %q", res.Plot.Stage)
	}
	if res.Plot.Version != 2 {
		t.Errorf("version = %d, want 2", res.Plot.Version)
	}
}

func TestCommitPassageConsumesStack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if _, err := db.AppendStackEntry(ctx, plot.PendingUtterance{
			WorldID: "w1", PlayerID: "p1", UtteranceID: id, ConversationID: "c1",
			AuthorName: "Ash", Text: "line " + id, CreatedAt: testTime,
		}); err != nil {
			t.Fatal(err)
		}
	}

	args := commitArgs("w1", 1, testTime)
	args.SourceUtteranceIDs = []string{"u1", "u2"}
	if _, err := db.CommitPassage(ctx, args); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingUtterances(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].UtteranceID != "u3" {
		t.Fatalf("pending after commit = %+v, want only u3", pending)
	}

	// Redelivering the same IDs later must not inflate the processed count.
	args2 := commitArgs("w1", 2, testTime.Add(time.Minute))
	args2.SourceUtteranceIDs = []string{"u2", "u3"}
	res, err := db.CommitPassage(ctx, args2)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProcessedTotal != 3 {
		t.Errorf("processed total = %d, want 3 (u2 already counted)", res.ProcessedTotal)
	}
}

func TestCommitPassageSealsAtMax(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	var last CommitPassageResult
	for n := 1; n <= plot.MaxPassages; n++ {
		res, err := db.CommitPassage(ctx, commitArgs("w1", n, testTime.Add(time.Duration(n)*time.Minute)))
		if err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
		if n < plot.MaxPassages && res.Plot.IsComplete {
			t.Fatalf("plot sealed early at ordinal %d", n)
		}
		last = res
	}
	if !last.Plot.IsComplete {
		t.Fatal("terminal passage did not seal the plot")
	}
	if last.Plot.Stage != plot.StageConclusion {
		t.Errorf("terminal stage = %q", last.Plot.Stage)
	}

	_, err := db.CommitPassage(ctx, commitArgs("w1", 13, testTime.Add(13*time.Minute)))
	if !errors.Is(err, ErrComplete) {
		t.Fatalf("commit past the cap: want ErrComplete, got %v", err)
	}
}

func TestCommitPassageSummaryThreshold(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	// SummaryEvery is 3 and each commit merges two IDs: totals run
	// 2, 4, 6, ... so the threshold trips on commits that cross a
	// multiple of three.
	wantCrossed := []bool{false, true, true, false, true, true}
	for n := 1; n <= len(wantCrossed); n++ {
		res, err := db.CommitPassage(ctx, commitArgs("w1", n, testTime.Add(time.Duration(n)*time.Minute)))
		if err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
		if res.CrossedSummaryThreshold != wantCrossed[n-1] {
			t.Errorf("commit %d crossed = %v, want %v (total %d)",
				n, res.CrossedSummaryThreshold, wantCrossed[n-1], res.ProcessedTotal)
		}
	}
}

func TestCommitPassageUnknownWorld(t *testing.T) {
	db := openTestDB(t)
	_, err := db.CommitPassage(context.Background(), commitArgs("ghost", 1, testTime))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRecentPassagesWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.CreatePlot(ctx, "w1", "theme", testTime); err != nil {
		t.Fatal(err)
	}
	for n := 1; n <= 5; n++ {
		if _, err := db.CommitPassage(ctx, commitArgs("w1", n, testTime.Add(time.Duration(n)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := db.RecentPassages(ctx, "w1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d recent passages, want 3", len(recent))
	}
	for i, want := range []int{3, 4, 5} {
		if recent[i].Ordinal != want {
			t.Errorf("recent[%d].Ordinal = %d, want %d (ascending)", i, recent[i].Ordinal, want)
		}
	}
}
