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

type passageRow struct {
	WorldID      string `db:"world_id"`
	Ordinal      int    `db:"ordinal"`
	Narrative    string `db:"narrative"`
	ConflictTag  string `db:"conflict_tag"`
	SourceIDs    string `db:"source_utterance_ids"`
	Participants string `db:"participant_names"`
	CreatedMS    int64  `db:"created_ms"`
}

func (r passageRow) domain() plot.Passage {
	return plot.Passage{
		WorldID:            r.WorldID,
		Ordinal:            r.Ordinal,
		Narrative:          r.Narrative,
		ConflictTag:        r.ConflictTag,
		SourceUtteranceIDs: unmarshalStrings(r.SourceIDs),
		ParticipantNames:   unmarshalStrings(r.Participants),
		CreatedAt:          fromMillis(r.CreatedMS),
	}
}

// CommitPassageArgs describes one atomic passage append.
type CommitPassageArgs struct {
	WorldID            string
	Narrative          string
	ConflictTag        string
	SourceUtteranceIDs []string
	ParticipantNames   []string
	MaxPassages        int
	SummaryEvery       int
	Now                time.Time
}

// CommitPassageResult reports what the append changed.
type CommitPassageResult struct {
	Passage        plot.Passage
	Plot           plot.Plot
	ProcessedTotal int
	// CrossedSummaryThreshold is true when the processed-ID count crossed
	// a multiple of SummaryEvery during this commit — the cue for an
	// expanded summary rather than a rolling one.
	CrossedSummaryThreshold bool
}

// CommitPassage performs the atomic tail of a generation firing: append the
// passage at the next ordinal, merge the consumed utterance IDs into the
// processed set, clear the consumed stack entries, stamp the generation
// time, and flip the completion flag on the terminal ordinal. Everything
// happens in one transaction; a concurrent append surfaces as ErrConflict so
// the caller can re-read and retry without corrupting ordinals.
func (db *DB) CommitPassage(ctx context.Context, args CommitPassageArgs) (CommitPassageResult, error) {
	max := args.MaxPassages
	if max < 1 {
		max = plot.MaxPassages
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return CommitPassageResult{}, err
	}
	defer tx.Rollback()

	var r plotRow
	err = tx.GetContext(ctx, &r, `SELECT `+plotColumns+` FROM plots WHERE world_id = ?`, args.WorldID)
	if errors.Is(err, sql.ErrNoRows) {
		return CommitPassageResult{}, ErrNotFound
	}
	if err != nil {
		return CommitPassageResult{}, fmt.Errorf("commit passage: load plot: %w", err)
	}
	if r.IsComplete {
		return CommitPassageResult{}, ErrComplete
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM passages WHERE world_id = ?`, args.WorldID); err != nil {
		return CommitPassageResult{}, fmt.Errorf("commit passage: count: %w", err)
	}
	if count >= max {
		// The cap moved under a live story. Seal it so the trigger stops
		// firing, then report completion.
		if _, err := tx.ExecContext(ctx, `UPDATE plots SET is_complete = 1, version = version + 1, updated_ms = ? WHERE world_id = ?`,
			toMillis(args.Now), args.WorldID); err != nil {
			return CommitPassageResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return CommitPassageResult{}, err
		}
		return CommitPassageResult{}, ErrComplete
	}
	ordinal := count + 1

	_, err = tx.ExecContext(ctx, `INSERT INTO passages
			(world_id, ordinal, narrative, conflict_tag, source_utterance_ids, participant_names, created_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		args.WorldID, ordinal, args.Narrative, args.ConflictTag,
		marshalStrings(args.SourceUtteranceIDs), marshalStrings(args.ParticipantNames), toMillis(args.Now))
	if err != nil {
		if isUniqueViolation(err) {
			return CommitPassageResult{}, ErrConflict
		}
		return CommitPassageResult{}, fmt.Errorf("insert passage: %w", err)
	}

	var processedBefore int
	if err := tx.GetContext(ctx, &processedBefore, `SELECT COUNT(*) FROM processed_utterances WHERE world_id = ?`, args.WorldID); err != nil {
		return CommitPassageResult{}, err
	}

	if len(args.SourceUtteranceIDs) > 0 {
		stmt, err := tx.Preparex(`INSERT OR IGNORE INTO processed_utterances
			(world_id, utterance_id, passage_ordinal, created_ms) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return CommitPassageResult{}, err
		}
		defer stmt.Close()
		for _, id := range args.SourceUtteranceIDs {
			if _, err := stmt.Exec(args.WorldID, id, ordinal, toMillis(args.Now)); err != nil {
				return CommitPassageResult{}, fmt.Errorf("mark processed %s: %w", id, err)
			}
		}

		query, qargs, err := sqlx.In(`DELETE FROM stack_entries WHERE world_id = ? AND utterance_id IN (?)`,
			args.WorldID, args.SourceUtteranceIDs)
		if err != nil {
			return CommitPassageResult{}, err
		}
		if _, err := tx.ExecContext(ctx, query, qargs...); err != nil {
			return CommitPassageResult{}, fmt.Errorf("clear stack: %w", err)
		}
	}

	var processedAfter int
	if err := tx.GetContext(ctx, &processedAfter, `SELECT COUNT(*) FROM processed_utterances WHERE world_id = ?`, args.WorldID); err != nil {
		return CommitPassageResult{}, err
	}

	stage := plot.StageFor(ordinal, max)
	complete := plot.Terminal(ordinal, max)

	res, err := tx.ExecContext(ctx, `UPDATE plots SET
			story_stage = ?, last_generation_ms = ?, is_complete = ?,
			version = version + 1, updated_ms = ?
		WHERE world_id = ? AND version = ?`,
		string(stage), toMillis(args.Now), complete, toMillis(args.Now),
		args.WorldID, r.Version)
	if err != nil {
		return CommitPassageResult{}, fmt.Errorf("stamp plot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return CommitPassageResult{}, ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return CommitPassageResult{}, fmt.Errorf("commit passage: %w", err)
	}

	crossed := args.SummaryEvery > 0 && processedBefore/args.SummaryEvery != processedAfter/args.SummaryEvery

	p := r.domain()
	p.Stage = stage
	p.LastGeneration = args.Now
	p.IsComplete = complete
	p.Version = r.Version + 1
	p.UpdatedAt = args.Now

	return CommitPassageResult{
		Passage: plot.Passage{
			WorldID:            args.WorldID,
			Ordinal:            ordinal,
			Narrative:          args.Narrative,
			ConflictTag:        args.ConflictTag,
			SourceUtteranceIDs: args.SourceUtteranceIDs,
			ParticipantNames:   args.ParticipantNames,
			CreatedAt:          args.Now,
		},
		Plot:                    p,
		ProcessedTotal:          processedAfter,
		CrossedSummaryThreshold: crossed,
	}, nil
}

// ListPassages returns the full ordered passage feed for a world.
func (db *DB) ListPassages(ctx context.Context, worldID string) ([]plot.Passage, error) {
	var rows []passageRow
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT world_id, ordinal, narrative, conflict_tag, source_utterance_ids, participant_names, created_ms
		 FROM passages WHERE world_id = ? ORDER BY ordinal`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list passages: %w", err)
	}
	out := make([]plot.Passage, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out, nil
}

// RecentPassages returns up to n of the latest passages in ascending ordinal
// order — the "what already happened" window for generation prompts.
func (db *DB) RecentPassages(ctx context.Context, worldID string, n int) ([]plot.Passage, error) {
	if n < 1 {
		return nil, nil
	}
	var rows []passageRow
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT world_id, ordinal, narrative, conflict_tag, source_utterance_ids, participant_names, created_ms
		 FROM passages WHERE world_id = ? ORDER BY ordinal DESC LIMIT ?`, worldID, n)
	if err != nil {
		return nil, fmt.Errorf("recent passages: %w", err)
	}
	out := make([]plot.Passage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.domain()
	}
	return out, nil
}

// CountPassages returns the persisted passage count for a world.
func (db *DB) CountPassages(ctx context.Context, worldID string) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM passages WHERE world_id = ?`, worldID); err != nil {
		return 0, fmt.Errorf("count passages: %w", err)
	}
	return n, nil
}
