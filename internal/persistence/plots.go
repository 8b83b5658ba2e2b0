package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/storyloom/internal/plot"
)

const plotColumns = `world_id, initial_theme, evolved_theme, current_summary,
	story_stage, last_generation_ms, is_complete, final_summary, version,
	created_ms, updated_ms`

type plotRow struct {
	WorldID          string `db:"world_id"`
	InitialTheme     string `db:"initial_theme"`
	EvolvedTheme     string `db:"evolved_theme"`
	CurrentSummary   string `db:"current_summary"`
	Stage            string `db:"story_stage"`
	LastGenerationMS int64  `db:"last_generation_ms"`
	IsComplete       bool   `db:"is_complete"`
	FinalSummary     string `db:"final_summary"`
	Version          int64  `db:"version"`
	CreatedMS        int64  `db:"created_ms"`
	UpdatedMS        int64  `db:"updated_ms"`
}

func (r plotRow) domain() plot.Plot {
	return plot.Plot{
		WorldID:        r.WorldID,
		InitialTheme:   r.InitialTheme,
		EvolvedTheme:   r.EvolvedTheme,
		CurrentSummary: r.CurrentSummary,
		Stage:          plot.Stage(r.Stage),
		LastGeneration: fromMillis(r.LastGenerationMS),
		IsComplete:     r.IsComplete,
		FinalSummary:   r.FinalSummary,
		Version:        r.Version,
		CreatedAt:      fromMillis(r.CreatedMS),
		UpdatedAt:      fromMillis(r.UpdatedMS),
	}
}

// CreatePlot inserts the plot for a world if none exists. The bool reports
// whether this call created it; when a plot already exists (or a concurrent
// creator won the insert race) the existing record is returned untouched.
func (db *DB) CreatePlot(ctx context.Context, worldID, theme string, now time.Time) (plot.Plot, bool, error) {
	existing, err := db.GetPlot(ctx, worldID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return plot.Plot{}, false, err
	}

	p := plot.Plot{
		WorldID:      worldID,
		InitialTheme: theme,
		Stage:        plot.StageBeginning,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = db.conn.ExecContext(ctx, `INSERT INTO plots
		(world_id, initial_theme, story_stage, version, created_ms, updated_ms)
		VALUES (?, ?, ?, 1, ?, ?)`,
		worldID, theme, string(plot.StageBeginning), toMillis(now), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the creation race; the earlier writer wins and this
			// attempt is discarded.
			winner, gerr := db.GetPlot(ctx, worldID)
			if gerr != nil {
				return plot.Plot{}, false, gerr
			}
			return winner, false, nil
		}
		return plot.Plot{}, false, fmt.Errorf("insert plot: %w", err)
	}
	return p, true, nil
}

// GetPlot loads the plot for a world.
func (db *DB) GetPlot(ctx context.Context, worldID string) (plot.Plot, error) {
	var r plotRow
	err := db.conn.GetContext(ctx, &r,
		`SELECT `+plotColumns+` FROM plots WHERE world_id = ?`, worldID)
	if errors.Is(err, sql.ErrNoRows) {
		return plot.Plot{}, ErrNotFound
	}
	if err != nil {
		return plot.Plot{}, fmt.Errorf("get plot: %w", err)
	}
	return r.domain(), nil
}

// ApplyPlot loads the plot, applies fn, and writes the result back under the
// version check, retrying a bounded number of times when a concurrent writer
// got there first. fn must be pure over the passed plot — it may run more
// than once.
func (db *DB) ApplyPlot(ctx context.Context, worldID string, now time.Time, fn func(*plot.Plot) error) (plot.Plot, error) {
	for attempt := 0; attempt < 3; attempt++ {
		p, err := db.GetPlot(ctx, worldID)
		if err != nil {
			return plot.Plot{}, err
		}
		if err := fn(&p); err != nil {
			return plot.Plot{}, err
		}
		err = updatePlot(ctx, db.conn, &p, now)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return plot.Plot{}, err
		}
		return p, nil
	}
	return plot.Plot{}, fmt.Errorf("apply plot %s: %w", worldID, ErrConflict)
}

// updatePlot writes all mutable plot fields under the optimistic version
// check and bumps the version. The caller's struct is updated to match.
func updatePlot(ctx context.Context, ex sqlx.ExtContext, p *plot.Plot, now time.Time) error {
	res, err := ex.ExecContext(ctx, `UPDATE plots SET
			evolved_theme = ?, current_summary = ?, story_stage = ?,
			last_generation_ms = ?, is_complete = ?, final_summary = ?,
			version = version + 1, updated_ms = ?
		WHERE world_id = ? AND version = ?`,
		p.EvolvedTheme, p.CurrentSummary, string(p.Stage),
		toMillis(p.LastGeneration), p.IsComplete, p.FinalSummary,
		toMillis(now), p.WorldID, p.Version)
	if err != nil {
		return fmt.Errorf("update plot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

// SetFinalSummary writes the final summary exactly once. It reports whether
// this call performed the write; false means the summary was already set (or
// the story is not complete), which duplicate finalize triggers treat as
// success.
func (db *DB) SetFinalSummary(ctx context.Context, worldID, summary string, now time.Time) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE plots SET
			final_summary = ?, version = version + 1, updated_ms = ?
		WHERE world_id = ? AND is_complete = 1 AND final_summary = ''`,
		summary, toMillis(now), worldID)
	if err != nil {
		return false, fmt.Errorf("set final summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListWorldIDs returns every world with a live plot.
func (db *DB) ListWorldIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := db.conn.SelectContext(ctx, &ids, `SELECT world_id FROM plots ORDER BY world_id`); err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	return ids, nil
}
