package persistence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInsertDraftIfAbsent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	d, created, err := db.InsertDraftIfAbsent(ctx, "w1", "Smoke rises over the salt road.", "a feud over the salt road", testTime)
	if err != nil {
		t.Fatal(err)
	}
	if !created || d.Version != 1 {
		t.Fatalf("first insert: created=%v version=%d", created, d.Version)
	}

	again, created, err := db.InsertDraftIfAbsent(ctx, "w1", "A different seed entirely.", "other", testTime.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second insert must not create")
	}
	if again.Text != "Smoke rises over the salt road." || again.Version != 1 {
		t.Errorf("second insert changed the draft: %+v", again)
	}
}

func TestUpdateDraftVersionGate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, _, err := db.InsertDraftIfAbsent(ctx, "w1", "Smoke rises over the salt road.", "theme", testTime); err != nil {
		t.Fatal(err)
	}

	d, err := db.UpdateDraft(ctx, "w1", "Smoke rises over the salt road. Now wagons burn.", 1, testTime.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != 2 {
		t.Errorf("version after rewrite = %d, want 2", d.Version)
	}

	// A rewrite computed against the stale version must not land.
	_, err = db.UpdateDraft(ctx, "w1", "Stale rewrite.", 1, testTime.Add(2*time.Minute))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale rewrite: want ErrConflict, got %v", err)
	}

	got, err := db.GetDraft(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Smoke rises over the salt road. Now wagons burn." {
		t.Errorf("stale rewrite clobbered the draft: %q", got.Text)
	}
}

func TestUpdateDraftMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := db.UpdateDraft(context.Background(), "ghost", "text", 1, testTime)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetDraftMissing(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetDraft(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
