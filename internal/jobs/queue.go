// Package jobs is the durable work queue behind the narrative pipeline.
// Jobs live in the same SQLite database as the story state, are delivered
// at least once, and are claimed one-per-world so story writes for a world
// never race each other. Handlers are expected to be idempotent.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Kind names a job type. Handlers register per kind.
type Kind string

const (
	KindEvaluate        Kind = "evaluate"
	KindGeneratePassage Kind = "generate_passage"
	KindExtractTheme    Kind = "extract_theme"
	KindMutateDraft     Kind = "mutate_draft"
	KindCompactSummary  Kind = "compact_summary"
	KindFinalize        Kind = "finalize"
	KindDraftInit       Kind = "draft_init"
	KindVacuumStacks    Kind = "vacuum_stacks"
)

const (
	stateQueued  = "queued"
	stateRunning = "running"
	stateDead    = "dead"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL,
	world_id     TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	dedupe_key   TEXT,
	state        TEXT NOT NULL DEFAULT 'queued',
	run_at_ms    INTEGER NOT NULL,
	lease_ms     INTEGER NOT NULL DEFAULT 0,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_ms   INTEGER NOT NULL,
	updated_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, run_at_ms);
CREATE INDEX IF NOT EXISTS idx_jobs_world ON jobs(world_id, state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(dedupe_key) WHERE dedupe_key IS NOT NULL;
`

// Job is one claimed unit of work.
type Job struct {
	ID       int64
	Kind     Kind
	WorldID  string
	Payload  json.RawMessage
	Attempts int
}

type jobRow struct {
	ID       int64  `db:"id"`
	Kind     string `db:"kind"`
	WorldID  string `db:"world_id"`
	Payload  string `db:"payload"`
	Attempts int    `db:"attempts"`
}

// Queue is the SQLite-backed job store. It shares the story database so a
// passage commit and the follow-up jobs it spawns live in one file.
type Queue struct {
	conn        *sqlx.DB
	logger      *slog.Logger
	now         func() time.Time
	lease       time.Duration
	retryDelay  time.Duration
	maxAttempts int
}

// Option customizes queue behavior.
type Option func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLease sets how long a claimed job stays invisible before the reaper
// hands it back out.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithRetryDelay sets the base delay between attempts; attempt n waits n
// times this long.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retryDelay = d
		}
	}
}

// WithMaxAttempts sets how many deliveries a job gets before it is parked
// as dead.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithQueueLogger overrides the queue's logger.
func WithQueueLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates the queue on an open database connection and ensures the jobs
// table exists.
func New(conn *sqlx.DB, opts ...Option) (*Queue, error) {
	q := &Queue{
		conn:        conn,
		logger:      slog.Default(),
		now:         time.Now,
		lease:       time.Minute,
		retryDelay:  3 * time.Second,
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(q)
	}
	if _, err := conn.Exec(jobsSchema); err != nil {
		return nil, fmt.Errorf("migrate jobs: %w", err)
	}
	return q, nil
}

func (q *Queue) millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// Enqueue schedules a job to run after the given delay.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, worldID string, payload any, delay time.Duration) (int64, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	now := q.now()
	res, err := q.conn.ExecContext(ctx, `INSERT INTO jobs
			(kind, world_id, payload, run_at_ms, created_ms, updated_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
		string(kind), worldID, body, q.millis(now.Add(delay)), q.millis(now), q.millis(now))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return res.LastInsertId()
}

// EnqueueOnce schedules a job unless another queued job already carries the
// same key. The key guards the queued phase only: claiming a job releases
// its key, so a fresh instance can queue up behind a running one. It
// reports whether a job was actually inserted.
func (q *Queue) EnqueueOnce(ctx context.Context, key string, kind Kind, worldID string, payload any, delay time.Duration) (bool, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return false, err
	}
	now := q.now()
	_, err = q.conn.ExecContext(ctx, `INSERT INTO jobs
			(kind, world_id, payload, dedupe_key, run_at_ms, created_ms, updated_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(kind), worldID, body, key, q.millis(now.Add(delay)), q.millis(now), q.millis(now))
	if err != nil {
		if isDedupeViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue once %s: %w", kind, err)
	}
	return true, nil
}

func isDedupeViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Claim hands out the oldest due job whose world has no job running. It
// returns nil when nothing is due. Claiming bumps the attempt counter,
// stamps the lease, and releases the dedupe key.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	tx, err := q.conn.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now()
	var r jobRow
	err = tx.GetContext(ctx, &r, `
		SELECT j.id, j.kind, j.world_id, j.payload, j.attempts
		FROM jobs j
		WHERE j.state = ? AND j.run_at_ms <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs r
			WHERE r.world_id = j.world_id AND r.state = ?
		  )
		ORDER BY j.run_at_ms, j.id
		LIMIT 1`, stateQueued, q.millis(now), stateRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET
			state = ?, dedupe_key = NULL, lease_ms = ?,
			attempts = attempts + 1, updated_ms = ?
		WHERE id = ? AND state = ?`,
		stateRunning, q.millis(now.Add(q.lease)), q.millis(now), r.ID, stateQueued)
	if err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another claimer took it between the select and the update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Job{
		ID:       r.ID,
		Kind:     Kind(r.Kind),
		WorldID:  r.WorldID,
		Payload:  json.RawMessage(r.Payload),
		Attempts: r.Attempts + 1,
	}, nil
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The job is requeued with a linearly
// growing delay until its attempts run out, then parked as dead.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	now := q.now()
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	if job.Attempts >= q.maxAttempts {
		_, err := q.conn.ExecContext(ctx, `UPDATE jobs SET
				state = ?, last_error = ?, updated_ms = ? WHERE id = ?`,
			stateDead, msg, q.millis(now), job.ID)
		if err != nil {
			return fmt.Errorf("park job %d: %w", job.ID, err)
		}
		q.logger.Error("job dead", "job", job.ID, "kind", job.Kind, "world", job.WorldID,
			"attempts", job.Attempts, "error", msg)
		return nil
	}
	delay := time.Duration(job.Attempts) * q.retryDelay
	_, err := q.conn.ExecContext(ctx, `UPDATE jobs SET
			state = ?, run_at_ms = ?, lease_ms = 0, last_error = ?, updated_ms = ?
		WHERE id = ?`,
		stateQueued, q.millis(now.Add(delay)), msg, q.millis(now), job.ID)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", job.ID, err)
	}
	return nil
}

// ReapExpired requeues running jobs whose lease lapsed — the crash-recovery
// path that makes delivery at-least-once.
func (q *Queue) ReapExpired(ctx context.Context) (int64, error) {
	now := q.now()
	res, err := q.conn.ExecContext(ctx, `UPDATE jobs SET
			state = ?, run_at_ms = ?, lease_ms = 0, updated_ms = ?
		WHERE state = ? AND lease_ms < ?`,
		stateQueued, q.millis(now), q.millis(now), stateRunning, q.millis(now))
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	return res.RowsAffected()
}

// PurgeWorld drops every job for a world, whatever its state. Used when a
// world's story is reset.
func (q *Queue) PurgeWorld(ctx context.Context, worldID string) (int64, error) {
	res, err := q.conn.ExecContext(ctx, `DELETE FROM jobs WHERE world_id = ?`, worldID)
	if err != nil {
		return 0, fmt.Errorf("purge world %s: %w", worldID, err)
	}
	return res.RowsAffected()
}

// Stats is a point-in-time gauge of queue health.
type Stats struct {
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
	Dead    int64 `json:"dead"`
}

// QueueStats counts jobs by state.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	var rows []struct {
		State string `db:"state"`
		N     int64  `db:"n"`
	}
	if err := q.conn.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM jobs GROUP BY state`); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	var s Stats
	for _, r := range rows {
		switch r.State {
		case stateQueued:
			s.Queued = r.N
		case stateRunning:
			s.Running = r.N
		case stateDead:
			s.Dead = r.N
		}
	}
	return s, nil
}
