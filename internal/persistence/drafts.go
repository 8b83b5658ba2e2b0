package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talgya/storyloom/internal/plot"
)

type draftRow struct {
	WorldID       string `db:"world_id"`
	Text          string `db:"text"`
	OriginalTheme string `db:"original_theme"`
	Version       int    `db:"version"`
	UpdatedMS     int64  `db:"updated_ms"`
}

func (r draftRow) domain() plot.Draft {
	return plot.Draft{
		WorldID:       r.WorldID,
		Text:          r.Text,
		OriginalTheme: r.OriginalTheme,
		Version:       r.Version,
		UpdatedAt:     fromMillis(r.UpdatedMS),
	}
}

// GetDraft loads the story draft for a world.
func (db *DB) GetDraft(ctx context.Context, worldID string) (plot.Draft, error) {
	var r draftRow
	err := db.conn.GetContext(ctx, &r,
		`SELECT world_id, text, original_theme, version, updated_ms FROM drafts WHERE world_id = ?`, worldID)
	if errors.Is(err, sql.ErrNoRows) {
		return plot.Draft{}, ErrNotFound
	}
	if err != nil {
		return plot.Draft{}, fmt.Errorf("get draft: %w", err)
	}
	return r.domain(), nil
}

// InsertDraftIfAbsent creates the version-1 draft for a world. When a draft
// already exists it is returned untouched and the bool is false, so
// redelivered init jobs change nothing.
func (db *DB) InsertDraftIfAbsent(ctx context.Context, worldID, text, originalTheme string, now time.Time) (plot.Draft, bool, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO drafts
			(world_id, text, original_theme, version, updated_ms)
			VALUES (?, ?, ?, 1, ?)`,
		worldID, text, originalTheme, toMillis(now))
	if err != nil {
		return plot.Draft{}, false, fmt.Errorf("insert draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return plot.Draft{}, false, err
	}
	if n == 0 {
		existing, gerr := db.GetDraft(ctx, worldID)
		return existing, false, gerr
	}
	return plot.Draft{
		WorldID:       worldID,
		Text:          text,
		OriginalTheme: originalTheme,
		Version:       1,
		UpdatedAt:     now,
	}, true, nil
}

// UpdateDraft rewrites the draft text, gated on the version the caller based
// its rewrite on. A stale version surfaces as ErrConflict, which redelivered
// rewrite jobs treat as "a newer rewrite already landed".
func (db *DB) UpdateDraft(ctx context.Context, worldID, text string, baseVersion int, now time.Time) (plot.Draft, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE drafts SET
			text = ?, version = version + 1, updated_ms = ?
		WHERE world_id = ? AND version = ?`,
		text, toMillis(now), worldID, baseVersion)
	if err != nil {
		return plot.Draft{}, fmt.Errorf("update draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return plot.Draft{}, err
	}
	if n == 0 {
		if _, gerr := db.GetDraft(ctx, worldID); errors.Is(gerr, ErrNotFound) {
			return plot.Draft{}, ErrNotFound
		}
		return plot.Draft{}, ErrConflict
	}
	return db.GetDraft(ctx, worldID)
}
