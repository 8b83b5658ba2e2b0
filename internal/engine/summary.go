package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

type summaryPayload struct {
	// Expanded folds the still-pending stack lines into the compaction, so
	// the summary keeps up when processing lags behind conversation volume.
	Expanded bool `json:"expanded"`
}

// handleCompactSummary recomputes the rolling plot summary from the most
// recent passages and restates the story stage. A pure recompute over
// persisted state, so any number of deliveries converge.
func (p *Pipeline) handleCompactSummary(ctx context.Context, job *jobs.Job) error {
	var payload summaryPayload
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

	recent, err := p.store.RecentPassages(ctx, job.WorldID, p.settings.RecentWindow)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	data := llm.SummaryData{
		Theme:    pl.Theme(),
		Previous: pl.CurrentSummary,
		Recent:   narratives(recent),
		Expanded: payload.Expanded,
	}
	if payload.Expanded {
		pending, err := p.store.PendingUtterances(ctx, job.WorldID)
		if err != nil {
			return err
		}
		for i := range pending {
			data.Pending = append(data.Pending, pending[i].AuthorName+": "+pending[i].Text)
		}
	}

	summary, err := p.completeSummary(ctx, data)
	if err != nil {
		return err
	}

	count, err := p.store.CountPassages(ctx, job.WorldID)
	if err != nil {
		return err
	}
	stage := plot.StageFor(count, p.settings.MaxPassages)

	if _, err := p.store.ApplyPlot(ctx, job.WorldID, p.now(), func(cur *plot.Plot) error {
		cur.CurrentSummary = summary
		cur.Stage = stage
		return nil
	}); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return err
	}

	p.logger.Info("summary compacted",
		"world", job.WorldID,
		"stage", stage,
		"expanded", payload.Expanded,
		"words", llm.WordCount(summary))
	return nil
}

// completeSummary asks for the compaction, falling back to a deterministic
// fold of the newest passage when generation is unavailable or returns
// nothing usable.
func (p *Pipeline) completeSummary(ctx context.Context, data llm.SummaryData) (string, error) {
	system, prompt := llm.SummaryPrompts(data)
	raw, err := p.gen.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: llm.SummaryMaxTokens})
	if errors.Is(err, llm.ErrDisabled) {
		return llm.FallbackSummary(data), nil
	}
	if err != nil {
		return "", fmt.Errorf("summary compaction: %w", err)
	}
	if s := llm.SanitizeSummary(raw, llm.SummaryMaxWords); s != "" {
		return s, nil
	}
	return llm.FallbackSummary(data), nil
}
