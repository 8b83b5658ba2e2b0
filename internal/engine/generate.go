package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

// passageCommitRetries bounds in-handler retries when a concurrent commit
// steals the ordinal. Past that the job's own redelivery takes over.
const passageCommitRetries = 3

// handleGeneratePassage turns the pending stacks into exactly one new
// passage. Everything before the commit is read-only; the commit is one
// transaction; a generation failure aborts with zero state mutation, so the
// next trigger naturally re-fires.
func (p *Pipeline) handleGeneratePassage(ctx context.Context, job *jobs.Job) error {
	for attempt := 0; attempt < passageCommitRetries; attempt++ {
		again, err := p.generateOnce(ctx, job.WorldID)
		if err != nil || !again {
			return err
		}
	}
	return fmt.Errorf("generate passage for %s: %w", job.WorldID, persistence.ErrConflict)
}

// generateOnce runs one firing attempt. It reports again=true only when the
// commit lost a version race and the whole attempt should rerun from a
// fresh read.
func (p *Pipeline) generateOnce(ctx context.Context, worldID string) (again bool, err error) {
	pl, err := p.store.GetPlot(ctx, worldID)
	if errors.Is(err, persistence.ErrNotFound) {
		p.logger.Debug("generate: no plot", "world", worldID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if pl.IsComplete {
		p.logger.Debug("generate: story already complete", "world", worldID)
		return false, nil
	}

	// Clear stack rows a redelivered run already consumed, then read fresh.
	if _, err := p.store.VacuumStacks(ctx, worldID); err != nil {
		return false, err
	}
	pending, err := p.store.PendingUtterances(ctx, worldID)
	if err != nil {
		return false, err
	}

	d := plot.Decide(plot.DecisionInput{
		Pending:        pending,
		LastGeneration: pl.LastGeneration,
		Now:            p.now(),
		Gates:          p.settings.Gates,
	})
	if !d.Fire {
		// The world moved on between the evaluation and this job.
		p.logger.Info("generation skipped", "world", worldID, "reason", d.Reason)
		if d.RetryIn > 0 {
			return false, p.enqueueEvaluateRetry(ctx, worldID, d.RetryIn)
		}
		return false, nil
	}

	count, err := p.store.CountPassages(ctx, worldID)
	if err != nil {
		return false, err
	}
	if count >= p.settings.MaxPassages {
		return false, nil
	}
	ordinal := count + 1

	digests := plot.BuildDigests(pending)
	recent, err := p.store.RecentPassages(ctx, worldID, p.settings.RecentWindow)
	if err != nil {
		return false, err
	}

	humanSpoke := false
	for i := range pending {
		if pending[i].AuthorHuman {
			humanSpoke = true
			break
		}
	}

	data := llm.PassageData{
		Theme:        pl.Theme(),
		Summary:      pl.CurrentSummary,
		Stage:        string(plot.StageFor(ordinal, p.settings.MaxPassages)),
		Ordinal:      ordinal,
		MaxPassages:  p.settings.MaxPassages,
		Recent:       narratives(recent),
		Digest:       renderDigests(digests),
		Participants: plot.AllParticipants(digests),
		HumanSpoke:   humanSpoke,
	}
	narrative, err := p.completePassage(ctx, data)
	if err != nil {
		return false, err
	}

	r, err := p.store.CommitPassage(ctx, persistence.CommitPassageArgs{
		WorldID:            worldID,
		Narrative:          narrative,
		ConflictTag:        plot.ClassifyConflict(narrative),
		SourceUtteranceIDs: plot.AllUtteranceIDs(digests),
		ParticipantNames:   data.Participants,
		MaxPassages:        p.settings.MaxPassages,
		SummaryEvery:       p.settings.SummaryEvery,
		Now:                p.now(),
	})
	switch {
	case errors.Is(err, persistence.ErrConflict):
		p.logger.Warn("passage commit lost a race, retrying", "world", worldID, "ordinal", ordinal)
		return true, nil
	case errors.Is(err, persistence.ErrComplete):
		p.logger.Debug("generate: story completed concurrently", "world", worldID)
		return false, nil
	case err != nil:
		return false, err
	}

	p.logger.Info("passage committed",
		"world", worldID,
		"ordinal", r.Passage.Ordinal,
		"stage", r.Plot.Stage,
		"tag", r.Passage.ConflictTag,
		"consumed", len(r.Passage.SourceUtteranceIDs),
		"processed", r.ProcessedTotal,
		"complete", r.Plot.IsComplete)

	if p.onPassage != nil {
		p.onPassage(r.Passage)
	}
	return false, p.scheduleFollowups(ctx, r, digests)
}

// completePassage asks the generation service for the passage. A disabled
// service falls back to deterministic stage-appropriate prose; a failing
// one aborts the firing so nothing gets marked processed.
func (p *Pipeline) completePassage(ctx context.Context, data llm.PassageData) (string, error) {
	system, prompt := llm.PassagePrompts(data)
	raw, err := p.gen.Complete(ctx, llm.Request{System: system, Prompt: prompt, MaxTokens: llm.PassageMaxTokens})
	if errors.Is(err, llm.ErrDisabled) {
		return llm.FallbackPassage(data), nil
	}
	if err != nil {
		return "", fmt.Errorf("passage generation: %w", err)
	}
	narrative := llm.SanitizePassage(raw)
	if narrative == "" {
		return "", errors.New("passage generation: response sanitized to nothing")
	}
	return narrative, nil
}

// scheduleFollowups queues the enrichment tasks a committed passage owes:
// theme extraction off the conversation that carried the firing, a delayed
// draft rewrite, a summary compaction, and — on the terminal passage — the
// finalizer.
func (p *Pipeline) scheduleFollowups(ctx context.Context, r persistence.CommitPassageResult, digests []plot.ConversationDigest) error {
	worldID := r.Passage.WorldID

	if lead, ok := plot.Largest(digests); ok {
		payload := themePayload{
			Ordinal:        r.Passage.Ordinal,
			ConversationID: lead.ConversationID,
			Digest:         lead.Render(),
			Participants:   lead.Participants,
		}
		if _, err := p.queue.EnqueueOnce(ctx, themeKey(worldID, r.Passage.Ordinal), jobs.KindExtractTheme, worldID, payload, 0); err != nil {
			return err
		}
		if err := p.enqueueDraftRewrite(ctx, worldID, lead.Render()); err != nil {
			return err
		}
	}

	payload := summaryPayload{Expanded: r.CrossedSummaryThreshold}
	if _, err := p.queue.EnqueueOnce(ctx, summaryKey(worldID, payload.Expanded), jobs.KindCompactSummary, worldID, payload, 0); err != nil {
		return err
	}

	if r.Plot.IsComplete {
		if _, err := p.queue.EnqueueOnce(ctx, finalizeKey(worldID), jobs.KindFinalize, worldID, nil, 0); err != nil {
			return err
		}
	}
	return nil
}

func renderDigests(digests []plot.ConversationDigest) string {
	parts := make([]string, len(digests))
	for i := range digests {
		parts[i] = digests[i].Render()
	}
	return strings.Join(parts, "\n")
}
