package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talgya/storyloom/internal/plot"
)

// AppendStackEntry queues an utterance on its author's stack. Insertion is
// append-only and cheap; the unique (world, utterance) key makes redelivered
// pushes physical no-ops, and the bool reports whether a row actually
// landed. Consumption dedup stays with the processed-ID set.
func (db *DB) AppendStackEntry(ctx context.Context, u plot.PendingUtterance) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO stack_entries
			(world_id, player_id, utterance_id, conversation_id, author_name, text, created_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.WorldID, u.PlayerID, u.UtteranceID, u.ConversationID, u.AuthorName, u.Text, toMillis(u.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("append stack entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type stackRow struct {
	ID             int64  `db:"id"`
	UtteranceID    string `db:"utterance_id"`
	WorldID        string `db:"world_id"`
	PlayerID       string `db:"player_id"`
	ConversationID string `db:"conversation_id"`
	AuthorName     string `db:"author_name"`
	AuthorHuman    bool   `db:"author_human"`
	Text           string `db:"text"`
	CreatedMS      int64  `db:"created_ms"`
}

// PendingUtterances returns every queued utterance for a world that the
// processed-ID set has not consumed, in arrival order, with each author's
// human flag joined in from the participant registry.
func (db *DB) PendingUtterances(ctx context.Context, worldID string) ([]plot.PendingUtterance, error) {
	var rows []stackRow
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT s.id, s.utterance_id, s.world_id, s.player_id, s.conversation_id,
		       s.author_name, s.text, s.created_ms,
		       COALESCE(p.is_human, 0) AS author_human
		FROM stack_entries s
		LEFT JOIN participants p
		       ON p.world_id = s.world_id AND p.player_id = s.player_id
		WHERE s.world_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM processed_utterances pu
			WHERE pu.world_id = s.world_id AND pu.utterance_id = s.utterance_id
		  )
		ORDER BY s.id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("pending utterances: %w", err)
	}
	out := make([]plot.PendingUtterance, len(rows))
	for i, r := range rows {
		out[i] = plot.PendingUtterance{
			ID:             r.ID,
			UtteranceID:    r.UtteranceID,
			WorldID:        r.WorldID,
			PlayerID:       r.PlayerID,
			ConversationID: r.ConversationID,
			AuthorName:     r.AuthorName,
			AuthorHuman:    r.AuthorHuman,
			Text:           r.Text,
			CreatedAt:      fromMillis(r.CreatedMS),
		}
	}
	return out, nil
}

// VacuumStacks deletes stack rows whose utterances the processed set already
// covers — repair for redelivered work and the periodic maintenance sweep.
func (db *DB) VacuumStacks(ctx context.Context, worldID string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM stack_entries
		WHERE world_id = ?
		  AND utterance_id IN (SELECT utterance_id FROM processed_utterances WHERE world_id = ?)`,
		worldID, worldID)
	if err != nil {
		return 0, fmt.Errorf("vacuum stacks: %w", err)
	}
	return res.RowsAffected()
}

// StackDepth counts queued rows for a world, consumed or not — a raw gauge
// for the status surface.
func (db *DB) StackDepth(ctx context.Context, worldID string) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM stack_entries WHERE world_id = ?`, worldID); err != nil {
		return 0, fmt.Errorf("stack depth: %w", err)
	}
	return n, nil
}

// CountProcessed returns the size of the processed-ID set for a world.
func (db *DB) CountProcessed(ctx context.Context, worldID string) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM processed_utterances WHERE world_id = ?`, worldID); err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// UpsertParticipant registers or updates a participant, including the human
// flag. Used by explicit registration.
func (db *DB) UpsertParticipant(ctx context.Context, worldID, playerID, name string, human bool, now time.Time) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO participants
			(world_id, player_id, name, is_human, created_ms)
			VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(world_id, player_id) DO UPDATE SET
			name = excluded.name, is_human = excluded.is_human`,
		worldID, playerID, name, human, toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

// EnsureParticipant records a participant seen in passing — ingest path. It
// refreshes the display name but never touches an explicitly registered
// human flag.
func (db *DB) EnsureParticipant(ctx context.Context, worldID, playerID, name string, now time.Time) error {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO participants
			(world_id, player_id, name, is_human, created_ms)
			VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(world_id, player_id) DO UPDATE SET
			name = excluded.name`,
		worldID, playerID, name, toMillis(now))
	if err != nil {
		return fmt.Errorf("ensure participant: %w", err)
	}
	return nil
}

// IsHumanParticipant reports whether a player is registered as human.
// Unknown players read as not human.
func (db *DB) IsHumanParticipant(ctx context.Context, worldID, playerID string) (bool, error) {
	var human bool
	err := db.conn.GetContext(ctx, &human,
		`SELECT is_human FROM participants WHERE world_id = ? AND player_id = ?`, worldID, playerID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("participant lookup: %w", err)
	}
	return human, nil
}
