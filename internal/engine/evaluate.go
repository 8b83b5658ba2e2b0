package engine

import (
	"context"
	"errors"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

// handleEvaluate runs the trigger decision for a world and, when it fires,
// queues passage generation. The decision itself is pure and read-only, so
// redelivered evaluations cost nothing.
func (p *Pipeline) handleEvaluate(ctx context.Context, job *jobs.Job) error {
	pl, err := p.store.GetPlot(ctx, job.WorldID)
	if errors.Is(err, persistence.ErrNotFound) {
		p.logger.Debug("evaluate: no plot yet", "world", job.WorldID)
		return nil
	}
	if err != nil {
		return err
	}
	if pl.IsComplete {
		return nil
	}

	pending, err := p.store.PendingUtterances(ctx, job.WorldID)
	if err != nil {
		return err
	}

	d := plot.Decide(plot.DecisionInput{
		Pending:        pending,
		LastGeneration: pl.LastGeneration,
		Now:            p.now(),
		Gates:          p.settings.Gates,
	})
	if !d.Fire {
		p.logger.Debug("trigger held", "world", job.WorldID, "reason", d.Reason, "pending", len(pending))
		if d.RetryIn > 0 {
			return p.enqueueEvaluateRetry(ctx, job.WorldID, d.RetryIn)
		}
		return nil
	}

	p.logger.Info("trigger fired", "world", job.WorldID, "reason", d.Reason)
	_, err = p.queue.EnqueueOnce(ctx, generateKey(job.WorldID), jobs.KindGeneratePassage, job.WorldID, nil, 0)
	return err
}
