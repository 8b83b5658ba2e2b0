package engine

import (
	"context"
	"time"

	"github.com/talgya/storyloom/internal/jobs"
)

// ScheduleVacuum arms the periodic stack sweep. Called once at startup; the
// handler re-arms itself after each pass.
func (p *Pipeline) ScheduleVacuum(ctx context.Context, delay time.Duration) error {
	_, err := p.queue.EnqueueOnce(ctx, vacuumKey, jobs.KindVacuumStacks, "", nil, delay)
	return err
}

// handleVacuumStacks deletes stack rows the processed set already covers. A
// job scoped to one world sweeps just that world; the periodic unscoped job
// sweeps every world and re-arms itself.
func (p *Pipeline) handleVacuumStacks(ctx context.Context, job *jobs.Job) error {
	if job.WorldID != "" {
		removed, err := p.store.VacuumStacks(ctx, job.WorldID)
		if err != nil {
			return err
		}
		if removed > 0 {
			p.logger.Info("stack vacuumed", "world", job.WorldID, "removed", removed)
		}
		return nil
	}

	worlds, err := p.store.ListWorldIDs(ctx)
	if err != nil {
		return err
	}
	var removed int64
	for _, w := range worlds {
		n, err := p.store.VacuumStacks(ctx, w)
		if err != nil {
			return err
		}
		removed += n
	}
	if removed > 0 {
		p.logger.Info("stacks vacuumed", "worlds", len(worlds), "removed", removed)
	}
	return p.ScheduleVacuum(ctx, p.settings.VacuumInterval)
}
