package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talgya/storyloom/internal/plot"
)

type mutationRow struct {
	WorldID        string `db:"world_id"`
	MutationIndex  int    `db:"mutation_index"`
	PreviousTheme  string `db:"previous_theme"`
	NewTheme       string `db:"new_theme"`
	Description    string `db:"description"`
	ConversationID string `db:"conversation_id"`
	Participants   string `db:"participant_names"`
	SourceOrdinal  int    `db:"source_ordinal"`
	CreatedMS      int64  `db:"created_ms"`
}

func (r mutationRow) domain() plot.ThemeMutation {
	return plot.ThemeMutation{
		WorldID:          r.WorldID,
		Index:            r.MutationIndex,
		PreviousTheme:    r.PreviousTheme,
		NewTheme:         r.NewTheme,
		Description:      r.Description,
		ConversationID:   r.ConversationID,
		ParticipantNames: unmarshalStrings(r.Participants),
		SourceOrdinal:    r.SourceOrdinal,
		CreatedAt:        fromMillis(r.CreatedMS),
	}
}

// AppendMutationArgs describes one theme mutation append. SourceOrdinal is
// the passage ordinal whose firing produced it; at most one mutation may
// land per ordinal, which is what makes redelivered extraction jobs no-ops.
type AppendMutationArgs struct {
	WorldID          string
	NewTheme         string
	Description      string
	ConversationID   string
	ParticipantNames []string
	SourceOrdinal    int
	Now              time.Time
}

// AppendMutation appends a theme mutation with the next index and updates
// the plot's evolved theme, all in one transaction. The previous theme is
// derived from the latest mutation (or the initial theme for the first
// entry), so the chain cannot break regardless of what the caller read
// earlier.
func (db *DB) AppendMutation(ctx context.Context, args AppendMutationArgs) (plot.ThemeMutation, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return plot.ThemeMutation{}, err
	}
	defer tx.Rollback()

	var r plotRow
	err = tx.GetContext(ctx, &r, `SELECT `+plotColumns+` FROM plots WHERE world_id = ?`, args.WorldID)
	if errors.Is(err, sql.ErrNoRows) {
		return plot.ThemeMutation{}, ErrNotFound
	}
	if err != nil {
		return plot.ThemeMutation{}, fmt.Errorf("append mutation: load plot: %w", err)
	}

	var index int
	if err := tx.GetContext(ctx, &index, `SELECT COUNT(*) FROM theme_mutations WHERE world_id = ?`, args.WorldID); err != nil {
		return plot.ThemeMutation{}, err
	}

	previous := r.InitialTheme
	var latest string
	err = tx.GetContext(ctx, &latest,
		`SELECT new_theme FROM theme_mutations WHERE world_id = ? ORDER BY mutation_index DESC LIMIT 1`, args.WorldID)
	if err == nil {
		previous = latest
	} else if !errors.Is(err, sql.ErrNoRows) {
		return plot.ThemeMutation{}, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO theme_mutations
			(world_id, mutation_index, previous_theme, new_theme, description,
			 conversation_id, participant_names, source_ordinal, created_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args.WorldID, index, previous, args.NewTheme, args.Description,
		args.ConversationID, marshalStrings(args.ParticipantNames),
		args.SourceOrdinal, toMillis(args.Now))
	if err != nil {
		if isUniqueViolation(err) {
			return plot.ThemeMutation{}, ErrConflict
		}
		return plot.ThemeMutation{}, fmt.Errorf("insert mutation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE plots SET evolved_theme = ?, version = version + 1, updated_ms = ? WHERE world_id = ?`,
		args.NewTheme, toMillis(args.Now), args.WorldID); err != nil {
		return plot.ThemeMutation{}, fmt.Errorf("update evolved theme: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return plot.ThemeMutation{}, fmt.Errorf("append mutation: %w", err)
	}

	return plot.ThemeMutation{
		WorldID:          args.WorldID,
		Index:            index,
		PreviousTheme:    previous,
		NewTheme:         args.NewTheme,
		Description:      args.Description,
		ConversationID:   args.ConversationID,
		ParticipantNames: args.ParticipantNames,
		SourceOrdinal:    args.SourceOrdinal,
		CreatedAt:        args.Now,
	}, nil
}

// HasMutationForOrdinal reports whether a mutation already landed for the
// given source passage ordinal.
func (db *DB) HasMutationForOrdinal(ctx context.Context, worldID string, ordinal int) (bool, error) {
	var n int
	err := db.conn.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM theme_mutations WHERE world_id = ? AND source_ordinal = ?`, worldID, ordinal)
	if err != nil {
		return false, fmt.Errorf("mutation lookup: %w", err)
	}
	return n > 0, nil
}

// ListMutations returns the full mutation history in index order.
func (db *DB) ListMutations(ctx context.Context, worldID string) ([]plot.ThemeMutation, error) {
	var rows []mutationRow
	err := db.conn.SelectContext(ctx, &rows,
		`SELECT world_id, mutation_index, previous_theme, new_theme, description,
		        conversation_id, participant_names, source_ordinal, created_ms
		 FROM theme_mutations WHERE world_id = ? ORDER BY mutation_index`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	out := make([]plot.ThemeMutation, len(rows))
	for i, r := range rows {
		out[i] = r.domain()
	}
	return out, nil
}
