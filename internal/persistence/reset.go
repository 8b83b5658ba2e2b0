package persistence

import (
	"context"
	"fmt"
)

// ResetWorld deletes every narrative row for a world in one transaction:
// the plot, the passage and mutation logs, the draft, the stacks, and the
// processed-ID set. The participant registry survives — it describes the
// world's cast, not the story. Afterwards the pipeline is re-armed from the
// no-plot state.
func (db *DB) ResetWorld(ctx context.Context, worldID string) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tables := []string{
		"plots",
		"passages",
		"theme_mutations",
		"drafts",
		"stack_entries",
		"processed_utterances",
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE world_id = ?`, worldID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset world: %w", err)
	}
	return nil
}
