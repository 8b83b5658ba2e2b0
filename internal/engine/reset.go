package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/talgya/storyloom/internal/archive"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

// Reset wipes a world's story — plot, passages, mutations, draft, stacks,
// processed IDs, and queued jobs — re-arming the pipeline from "no plot".
// When an archive directory is configured the story is exported first; the
// returned path is empty otherwise. Resetting a world that has no plot is a
// harmless no-op.
func (p *Pipeline) Reset(ctx context.Context, worldID string) (string, error) {
	var archived string
	pl, err := p.store.GetPlot(ctx, worldID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		// Nothing to archive; the deletes below are idempotent.
	case err != nil:
		return "", err
	case p.archiveDir != "":
		archived, err = p.archiveStory(ctx, pl)
		if err != nil {
			return "", fmt.Errorf("archive before reset: %w", err)
		}
	}

	if err := p.store.ResetWorld(ctx, worldID); err != nil {
		return "", err
	}
	purged, err := p.queue.PurgeWorld(ctx, worldID)
	if err != nil {
		return "", err
	}

	p.logger.Info("world reset", "world", worldID, "purged_jobs", purged, "archive", archived)
	return archived, nil
}

func (p *Pipeline) archiveStory(ctx context.Context, pl plot.Plot) (string, error) {
	passages, err := p.store.ListPassages(ctx, pl.WorldID)
	if err != nil {
		return "", err
	}
	mutations, err := p.store.ListMutations(ctx, pl.WorldID)
	if err != nil {
		return "", err
	}

	story := archive.Story{
		WorldID:    pl.WorldID,
		ExportedAt: p.now(),
		Plot:       pl,
		Passages:   passages,
		Mutations:  mutations,
	}
	draft, err := p.store.GetDraft(ctx, pl.WorldID)
	switch {
	case err == nil:
		story.Draft = &draft
	case !errors.Is(err, persistence.ErrNotFound):
		return "", err
	}

	return archive.Write(p.archiveDir, story)
}
