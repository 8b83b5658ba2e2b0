package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
)

type themePayload struct {
	Ordinal        int      `json:"ordinal"`
	ConversationID string   `json:"conversation_id"`
	Digest         string   `json:"digest"`
	Participants   []string `json:"participants,omitempty"`
}

// handleExtractTheme asks the generation service how the firing conversation
// bent the story's theme and, when it did, appends a mutation to the chain.
// Best-effort: parse failures are dropped with a log, never an error, and a
// mutation already recorded for this passage makes redelivery a no-op.
func (p *Pipeline) handleExtractTheme(ctx context.Context, job *jobs.Job) error {
	var payload themePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}

	pl, err := p.store.GetPlot(ctx, job.WorldID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	done, err := p.store.HasMutationForOrdinal(ctx, job.WorldID, payload.Ordinal)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	system, prompt := llm.ThemePrompts(llm.ThemeData{CurrentTheme: pl.Theme(), Digest: payload.Digest})
	raw, err := p.gen.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: llm.ThemeMaxTokens})
	if errors.Is(err, llm.ErrDisabled) {
		p.logger.Debug("theme extraction skipped: generation disabled", "world", job.WorldID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("theme extraction: %w", err)
	}

	shift, err := llm.ParseThemeShift(raw)
	if err != nil {
		p.logger.Warn("theme shift dropped", "world", job.WorldID, "ordinal", payload.Ordinal, "error", err)
		return nil
	}
	if strings.EqualFold(shift.NewTheme, pl.Theme()) {
		p.logger.Debug("theme unmoved", "world", job.WorldID, "ordinal", payload.Ordinal)
		return nil
	}

	m, err := p.store.AppendMutation(ctx, persistence.AppendMutationArgs{
		WorldID:          job.WorldID,
		NewTheme:         shift.NewTheme,
		Description:      shift.Description,
		ConversationID:   payload.ConversationID,
		ParticipantNames: payload.Participants,
		SourceOrdinal:    payload.Ordinal,
		Now:              p.now(),
	})
	switch {
	case errors.Is(err, persistence.ErrConflict):
		// Another delivery of this passage's extraction landed first.
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	p.logger.Info("theme mutated",
		"world", job.WorldID,
		"index", m.Index,
		"from", m.PreviousTheme,
		"to", m.NewTheme,
		"conversation", m.ConversationID)

	return p.enqueueDraftRewrite(ctx, job.WorldID, payload.Digest)
}

// enqueueDraftRewrite queues a delayed draft rewrite pinned to the draft
// version visible now; a rewrite that lands in between makes the queued one
// a no-op. Worlds whose draft has not been seeded yet simply skip — the
// next theme shift will try again.
func (p *Pipeline) enqueueDraftRewrite(ctx context.Context, worldID, digest string) error {
	draft, err := p.store.GetDraft(ctx, worldID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	payload := draftPayload{BaseVersion: draft.Version, Digest: digest}
	_, err = p.queue.EnqueueOnce(ctx, draftKey(worldID), jobs.KindMutateDraft, worldID, payload, p.settings.DraftDelay)
	return err
}
