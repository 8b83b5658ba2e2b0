// Package persistence provides SQLite-backed storage for the narrative
// pipeline: plots, passages, theme mutations, drafts, conversation stacks,
// the processed-ID set, and participants. The plot row carries a version
// column; every read-modify-write goes through an optimistic check on it.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNotFound — no row for the requested world.
	ErrNotFound = errors.New("persistence: not found")
	// ErrConflict — a version check or uniqueness guard failed; re-read
	// and retry rather than trust the stale view.
	ErrConflict = errors.New("persistence: conflict")
	// ErrComplete — the story is finished; no further passage may land.
	ErrComplete = errors.New("persistence: story complete")
)

// DB wraps the SQLite connection holding all narrative state.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates the database at the given path and prepares the
// schema.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single pool slot: SQLite serializes writers anyway, and one
	// connection end to end avoids SQLITE_BUSY under concurrent workers.
	// Transactions never span a generation-service call, so holding the
	// slot is cheap.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initPragmas(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pragmas: %w", err)
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying handle so the job queue can share the same
// database file and pool.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

func (db *DB) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plots (
		world_id TEXT PRIMARY KEY,
		initial_theme TEXT NOT NULL,
		evolved_theme TEXT NOT NULL DEFAULT '',
		current_summary TEXT NOT NULL DEFAULT '',
		story_stage TEXT NOT NULL DEFAULT 'beginning',
		last_generation_ms INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		final_summary TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_ms INTEGER NOT NULL,
		updated_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS passages (
		world_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		narrative TEXT NOT NULL,
		conflict_tag TEXT NOT NULL,
		source_utterance_ids TEXT NOT NULL DEFAULT '[]',
		participant_names TEXT NOT NULL DEFAULT '[]',
		created_ms INTEGER NOT NULL,
		PRIMARY KEY (world_id, ordinal)
	);

	CREATE TABLE IF NOT EXISTS theme_mutations (
		world_id TEXT NOT NULL,
		mutation_index INTEGER NOT NULL,
		previous_theme TEXT NOT NULL,
		new_theme TEXT NOT NULL,
		description TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		participant_names TEXT NOT NULL DEFAULT '[]',
		source_ordinal INTEGER NOT NULL,
		created_ms INTEGER NOT NULL,
		PRIMARY KEY (world_id, mutation_index)
	);

	CREATE TABLE IF NOT EXISTS drafts (
		world_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		original_theme TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		updated_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stack_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		world_id TEXT NOT NULL,
		player_id TEXT NOT NULL,
		utterance_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		author_name TEXT NOT NULL,
		text TEXT NOT NULL,
		created_ms INTEGER NOT NULL,
		UNIQUE (world_id, utterance_id)
	);

	CREATE TABLE IF NOT EXISTS processed_utterances (
		world_id TEXT NOT NULL,
		utterance_id TEXT NOT NULL,
		passage_ordinal INTEGER NOT NULL,
		created_ms INTEGER NOT NULL,
		PRIMARY KEY (world_id, utterance_id)
	);

	CREATE TABLE IF NOT EXISTS participants (
		world_id TEXT NOT NULL,
		player_id TEXT NOT NULL,
		name TEXT NOT NULL,
		is_human INTEGER NOT NULL DEFAULT 0,
		created_ms INTEGER NOT NULL,
		PRIMARY KEY (world_id, player_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_mutations_source ON theme_mutations(world_id, source_ordinal);
	CREATE INDEX IF NOT EXISTS idx_stack_world ON stack_entries(world_id, player_id, id);
	CREATE INDEX IF NOT EXISTS idx_processed_world ON processed_utterances(world_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// isUniqueViolation spots SQLite uniqueness errors without depending on
// driver-internal error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalStrings(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}
