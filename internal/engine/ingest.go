package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/plot"
)

// Utterance is one conversational event from the simulation. UtteranceID is
// optional; an empty one gets a fresh UUID so redeliveries from sources that
// do supply IDs stay physical no-ops. Human, when set, registers the author
// explicitly; nil leaves the participant registry's flag alone.
type Utterance struct {
	UtteranceID    string
	ConversationID string
	PlayerID       string
	AuthorName     string
	Text           string
	Human          *bool
	At             time.Time
}

// Ingest appends an utterance to its author's stack and arms the trigger
// evaluator. It returns the stored utterance ID.
func (p *Pipeline) Ingest(ctx context.Context, worldID string, u Utterance) (string, error) {
	if strings.TrimSpace(u.Text) == "" || u.PlayerID == "" || u.ConversationID == "" {
		return "", ErrInvalidUtterance
	}

	id := u.UtteranceID
	if id == "" {
		id = uuid.NewString()
	}
	name := u.AuthorName
	if name == "" {
		name = u.PlayerID
	}
	now := p.now()
	at := u.At
	if at.IsZero() {
		at = now
	}

	if u.Human != nil {
		if err := p.store.UpsertParticipant(ctx, worldID, u.PlayerID, name, *u.Human, now); err != nil {
			return "", err
		}
	} else if err := p.store.EnsureParticipant(ctx, worldID, u.PlayerID, name, now); err != nil {
		return "", err
	}

	added, err := p.store.AppendStackEntry(ctx, plot.PendingUtterance{
		UtteranceID:    id,
		WorldID:        worldID,
		PlayerID:       u.PlayerID,
		ConversationID: u.ConversationID,
		AuthorName:     name,
		Text:           u.Text,
		CreatedAt:      at,
	})
	if err != nil {
		return "", err
	}
	if !added {
		p.logger.Debug("utterance redelivered", "world", worldID, "utterance", id)
	}

	if err := p.enqueueEvaluate(ctx, worldID); err != nil {
		return "", err
	}
	return id, nil
}

// RegisterParticipant records a player's display name and human flag. The
// flag backs the trigger evaluator's human-priority bypass.
func (p *Pipeline) RegisterParticipant(ctx context.Context, worldID, playerID, name string, human bool) error {
	if playerID == "" {
		return ErrInvalidParticipant
	}
	if name == "" {
		name = playerID
	}
	return p.store.UpsertParticipant(ctx, worldID, playerID, name, human, p.now())
}

// CreatePlot starts a world's story. Creation is idempotent: a second call
// returns the existing plot with created=false. A fresh plot seeds the
// story draft and arms an evaluation in case chatter piled up before the
// plot existed.
func (p *Pipeline) CreatePlot(ctx context.Context, worldID, theme string) (plot.Plot, bool, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return plot.Plot{}, false, ErrEmptyTheme
	}

	pl, created, err := p.store.CreatePlot(ctx, worldID, theme, p.now())
	if err != nil {
		return plot.Plot{}, false, err
	}
	if !created {
		return pl, false, nil
	}

	p.logger.Info("plot created", "world", worldID, "theme", theme)
	if _, err := p.queue.EnqueueOnce(ctx, draftInitKey(worldID), jobs.KindDraftInit, worldID, nil, 0); err != nil {
		return pl, true, err
	}
	if err := p.enqueueEvaluate(ctx, worldID); err != nil {
		return pl, true, err
	}
	return pl, true, nil
}
