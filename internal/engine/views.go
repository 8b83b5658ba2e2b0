package engine

import (
	"context"
	"time"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/plot"
)

// PlotSnapshot is the plot state handed to presentation surfaces.
type PlotSnapshot struct {
	WorldID        string     `json:"world_id"`
	InitialTheme   string     `json:"initial_theme"`
	EvolvedTheme   string     `json:"evolved_theme,omitempty"`
	CurrentSummary string     `json:"current_summary,omitempty"`
	Stage          plot.Stage `json:"story_stage"`
	IsComplete     bool       `json:"is_complete"`
	FinalSummary   string     `json:"final_summary,omitempty"`
	PassageCount   int        `json:"passage_count"`
	PendingCount   int        `json:"pending_count"`
	LastGeneration time.Time  `json:"last_generation"`
}

// Snapshot composes the plot view for one world.
func (p *Pipeline) Snapshot(ctx context.Context, worldID string) (PlotSnapshot, error) {
	pl, err := p.store.GetPlot(ctx, worldID)
	if err != nil {
		return PlotSnapshot{}, err
	}
	count, err := p.store.CountPassages(ctx, worldID)
	if err != nil {
		return PlotSnapshot{}, err
	}
	pending, err := p.store.PendingUtterances(ctx, worldID)
	if err != nil {
		return PlotSnapshot{}, err
	}
	return PlotSnapshot{
		WorldID:        pl.WorldID,
		InitialTheme:   pl.InitialTheme,
		EvolvedTheme:   pl.EvolvedTheme,
		CurrentSummary: pl.CurrentSummary,
		Stage:          pl.Stage,
		IsComplete:     pl.IsComplete,
		FinalSummary:   pl.FinalSummary,
		PassageCount:   count,
		PendingCount:   len(pending),
		LastGeneration: pl.LastGeneration,
	}, nil
}

// Story returns the ordered passage feed. Worlds without a plot read as not
// found rather than as an empty story.
func (p *Pipeline) Story(ctx context.Context, worldID string) ([]plot.Passage, error) {
	if _, err := p.store.GetPlot(ctx, worldID); err != nil {
		return nil, err
	}
	return p.store.ListPassages(ctx, worldID)
}

// Mutations returns the theme-mutation chain in index order.
func (p *Pipeline) Mutations(ctx context.Context, worldID string) ([]plot.ThemeMutation, error) {
	if _, err := p.store.GetPlot(ctx, worldID); err != nil {
		return nil, err
	}
	return p.store.ListMutations(ctx, worldID)
}

// Draft returns the living story draft.
func (p *Pipeline) Draft(ctx context.Context, worldID string) (plot.Draft, error) {
	return p.store.GetDraft(ctx, worldID)
}

// Status is the service-level health view.
type Status struct {
	Worlds int        `json:"worlds"`
	Jobs   jobs.Stats `json:"jobs"`
}

// Status reports how many worlds have live plots and what the queue holds.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	worlds, err := p.store.ListWorldIDs(ctx)
	if err != nil {
		return Status{}, err
	}
	stats, err := p.queue.QueueStats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Worlds: len(worlds), Jobs: stats}, nil
}
