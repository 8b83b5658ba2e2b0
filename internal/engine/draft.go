package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
)

type draftPayload struct {
	BaseVersion int    `json:"base_version"`
	Digest      string `json:"digest,omitempty"`
}

// handleDraftInit seeds the world's living draft from its initial theme.
// Insert-if-absent makes redelivery and creation races harmless.
func (p *Pipeline) handleDraftInit(ctx context.Context, job *jobs.Job) error {
	pl, err := p.store.GetPlot(ctx, job.WorldID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := p.store.GetDraft(ctx, job.WorldID); err == nil {
		return nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	system, prompt := llm.DraftSeedPrompts(pl.InitialTheme)
	raw, err := p.gen.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: llm.DraftMaxTokens})
	var text string
	switch {
	case errors.Is(err, llm.ErrDisabled):
		text = llm.FallbackDraftSeed(pl.InitialTheme)
	case err != nil:
		return fmt.Errorf("draft seed: %w", err)
	default:
		text = llm.SanitizeDraft(raw)
		if text == "" {
			text = llm.FallbackDraftSeed(pl.InitialTheme)
		}
	}

	draft, created, err := p.store.InsertDraftIfAbsent(ctx, job.WorldID, text, pl.InitialTheme, p.now())
	if err != nil {
		return err
	}
	if created {
		p.logger.Info("draft seeded", "world", job.WorldID, "words", llm.WordCount(draft.Text))
	}
	return nil
}

// handleMutateDraft rewrites the draft to follow the evolved theme, keeping
// the opening sentences verbatim. The payload's base version makes repeats
// of an already-applied rewrite no-ops; the store's version gate settles
// simultaneous writers.
func (p *Pipeline) handleMutateDraft(ctx context.Context, job *jobs.Job) error {
	var payload draftPayload
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
	if pl.EvolvedTheme == "" {
		p.logger.Debug("draft rewrite skipped: theme unmoved", "world", job.WorldID)
		return nil
	}

	draft, err := p.store.GetDraft(ctx, job.WorldID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if payload.BaseVersion > 0 && draft.Version != payload.BaseVersion {
		p.logger.Debug("draft rewrite superseded",
			"world", job.WorldID, "base", payload.BaseVersion, "version", draft.Version)
		return nil
	}

	opening := llm.OpeningSentences(draft.Text, 2)
	system, prompt := llm.DraftRewritePrompts(llm.DraftData{
		Current:  draft.Text,
		Opening:  opening,
		NewTheme: pl.Theme(),
		Digest:   payload.Digest,
	})
	raw, err := p.gen.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: llm.DraftMaxTokens})
	if errors.Is(err, llm.ErrDisabled) {
		p.logger.Debug("draft rewrite skipped: generation disabled", "world", job.WorldID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("draft rewrite: %w", err)
	}

	cleaned := llm.CollapseSpace(llm.StripLabel(llm.StripWrapping(raw)))
	if cleaned == "" {
		p.logger.Warn("draft rewrite dropped: response sanitized to nothing", "world", job.WorldID)
		return nil
	}
	// Re-attach the protected opening if the model dropped it, then clamp.
	text := llm.ClampWords(llm.EnsureOpening(cleaned, opening), llm.DraftMaxWords)

	updated, err := p.store.UpdateDraft(ctx, job.WorldID, text, draft.Version, p.now())
	if errors.Is(err, persistence.ErrConflict) {
		p.logger.Debug("draft rewrite lost the version race", "world", job.WorldID)
		return nil
	}
	if err != nil {
		return err
	}

	p.logger.Info("draft rewritten",
		"world", job.WorldID,
		"version", updated.Version,
		"words", llm.WordCount(updated.Text),
		"theme", pl.Theme())
	return nil
}
