// Package engine is the narrative pipeline: one handler per task kind,
// wired to the store, the job queue, and the generation service. Handlers
// are written for at-least-once delivery — every one either no-ops on
// repeat or converges on the same state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

// Validation sentinels, mapped to 400s at the API edge.
var (
	ErrEmptyTheme         = errors.New("engine: theme must not be empty")
	ErrInvalidUtterance   = errors.New("engine: utterance needs a player, a conversation, and text")
	ErrInvalidParticipant = errors.New("engine: participant needs a player id")
)

// Completer is the slice of the generation client the pipeline needs. A
// disabled client returns llm.ErrDisabled, which handlers treat as
// generation unavailability rather than failure.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Settings tunes the pipeline. Zero values fall back to defaults so tests
// set only what they exercise.
type Settings struct {
	MaxPassages    int
	Gates          plot.Gates
	SummaryEvery   int
	DraftDelay     time.Duration
	RecentWindow   int
	VacuumInterval time.Duration
}

// DefaultSettings returns the standard pipeline tuning.
func DefaultSettings() Settings {
	return Settings{
		MaxPassages:    plot.MaxPassages,
		Gates:          plot.DefaultGates(),
		SummaryEvery:   10,
		DraftDelay:     5 * time.Second,
		RecentWindow:   3,
		VacuumInterval: 15 * time.Minute,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxPassages < 1 {
		s.MaxPassages = d.MaxPassages
	}
	if s.Gates.Cooldown <= 0 && s.Gates.MinMessages <= 0 && s.Gates.MinConversation <= 0 {
		s.Gates = d.Gates
	}
	if s.SummaryEvery < 1 {
		s.SummaryEvery = d.SummaryEvery
	}
	if s.RecentWindow < 1 {
		s.RecentWindow = d.RecentWindow
	}
	if s.VacuumInterval <= 0 {
		s.VacuumInterval = d.VacuumInterval
	}
	return s
}

// Pipeline owns the story machinery for every world sharing one database.
type Pipeline struct {
	store    *persistence.DB
	queue    *jobs.Queue
	gen      Completer
	settings Settings
	now      func() time.Time
	logger   *slog.Logger

	onPassage  func(plot.Passage)
	archiveDir string
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithClock injects the time source.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithPassageHook registers a callback invoked after every committed
// passage. The stream hub hangs off this.
func WithPassageHook(fn func(plot.Passage)) PipelineOption {
	return func(p *Pipeline) {
		p.onPassage = fn
	}
}

// WithArchiveDir enables story export on reset.
func WithArchiveDir(dir string) PipelineOption {
	return func(p *Pipeline) {
		p.archiveDir = dir
	}
}

// New builds the pipeline. gen may be a disabled client; the pipeline then
// runs on deterministic fallbacks where they exist and skips the best-effort
// enrichments where they don't.
func New(store *persistence.DB, queue *jobs.Queue, gen Completer, settings Settings, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:    store,
		queue:    queue,
		gen:      gen,
		settings: settings.withDefaults(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// handlers is the task-kind wiring.
func (p *Pipeline) handlers() map[jobs.Kind]jobs.HandlerFunc {
	return map[jobs.Kind]jobs.HandlerFunc{
		jobs.KindEvaluate:        p.handleEvaluate,
		jobs.KindGeneratePassage: p.handleGeneratePassage,
		jobs.KindExtractTheme:    p.handleExtractTheme,
		jobs.KindMutateDraft:     p.handleMutateDraft,
		jobs.KindCompactSummary:  p.handleCompactSummary,
		jobs.KindFinalize:        p.handleFinalize,
		jobs.KindDraftInit:       p.handleDraftInit,
		jobs.KindVacuumStacks:    p.handleVacuumStacks,
	}
}

// Register wires every pipeline task kind into the runner.
func (p *Pipeline) Register(r *jobs.Runner) {
	for kind, fn := range p.handlers() {
		r.Handle(kind, fn)
	}
}

// Dedupe keys. One evaluate, one generate, one draft rewrite etc. may sit
// queued per world at a time; keys are released on claim so fresh work
// queues behind running work.
func evaluateKey(worldID string) string  { return "evaluate:" + worldID }
func retryKey(worldID string) string     { return "evaluate-retry:" + worldID }
func generateKey(worldID string) string  { return "generate:" + worldID }
func draftInitKey(worldID string) string { return "draft-init:" + worldID }
func draftKey(worldID string) string     { return "draft:" + worldID }
func finalizeKey(worldID string) string  { return "finalize:" + worldID }

func themeKey(worldID string, ordinal int) string {
	return fmt.Sprintf("theme:%s:%d", worldID, ordinal)
}

// summaryKey keeps rolling and expanded compactions from deduping each
// other: an expanded pass must never be swallowed by a queued rolling one.
func summaryKey(worldID string, expanded bool) string {
	if expanded {
		return "summary-expanded:" + worldID
	}
	return "summary:" + worldID
}

const vacuumKey = "vacuum"

func (p *Pipeline) enqueueEvaluate(ctx context.Context, worldID string) error {
	_, err := p.queue.EnqueueOnce(ctx, evaluateKey(worldID), jobs.KindEvaluate, worldID, nil, 0)
	return err
}

// enqueueEvaluateRetry arms a delayed re-check for when the cooldown clears.
// It uses its own key so it can never shadow an immediate evaluation — the
// human-priority path must stay sub-second.
func (p *Pipeline) enqueueEvaluateRetry(ctx context.Context, worldID string, in time.Duration) error {
	_, err := p.queue.EnqueueOnce(ctx, retryKey(worldID), jobs.KindEvaluate, worldID, nil, in)
	return err
}

func decodePayload(job *jobs.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	return nil
}

func narratives(passages []plot.Passage) []string {
	out := make([]string, len(passages))
	for i := range passages {
		out[i] = passages[i].Narrative
	}
	return out
}
