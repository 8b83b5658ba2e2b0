package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
)

// handleFinalize writes the one-shot closing summary. The guard is the pair
// (is_complete, final_summary == ""): a story still open skips, a summary
// already written skips, and the conditional UPDATE underneath settles any
// race between duplicate finalize deliveries.
func (p *Pipeline) handleFinalize(ctx context.Context, job *jobs.Job) error {
	pl, err := p.store.GetPlot(ctx, job.WorldID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !pl.IsComplete {
		p.logger.Debug("finalize skipped: story still open", "world", job.WorldID)
		return nil
	}
	if pl.FinalSummary != "" {
		return nil
	}

	passages, err := p.store.ListPassages(ctx, job.WorldID)
	if err != nil {
		return err
	}

	data := llm.FinalData{
		Theme:    pl.Theme(),
		Summary:  pl.CurrentSummary,
		Passages: narratives(passages),
	}
	system, prompt := llm.FinalPrompts(data)
	raw, err := p.gen.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: llm.FinalSummaryMaxTokens})

	var summary string
	switch {
	case errors.Is(err, llm.ErrDisabled):
		summary = llm.FallbackFinalSummary(data)
	case err != nil:
		return fmt.Errorf("final summary: %w", err)
	default:
		summary = llm.SanitizeSummary(raw, llm.FinalSummaryMaxWords)
		if summary == "" {
			summary = llm.FallbackFinalSummary(data)
		}
	}

	wrote, err := p.store.SetFinalSummary(ctx, job.WorldID, summary, p.now())
	if err != nil {
		return err
	}
	if wrote {
		p.logger.Info("story finalized", "world", job.WorldID, "passages", len(passages))
	}
	return nil
}
