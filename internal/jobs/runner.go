package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one claimed job. A nil return completes the job; an
// error requeues it for another attempt.
type HandlerFunc func(ctx context.Context, job *Job) error

// Runner polls the queue with a pool of workers and dispatches claimed jobs
// to registered handlers. One runner per process is expected.
type Runner struct {
	queue    *Queue
	logger   *slog.Logger
	workers  int
	poll     time.Duration
	handlers map[Kind]HandlerFunc
}

// RunnerOption customizes runner behavior.
type RunnerOption func(*Runner)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits before asking for
// work again.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithRunnerLogger overrides the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner over the queue. Handlers are registered with
// Handle before Run is called.
func NewRunner(q *Queue, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:    q,
		logger:   slog.Default(),
		workers:  2,
		poll:     250 * time.Millisecond,
		handlers: make(map[Kind]HandlerFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers the handler for a job kind. Must not be called after
// Run has started.
func (r *Runner) Handle(kind Kind, fn HandlerFunc) {
	r.handlers[kind] = fn
}

// Run works jobs until the context is canceled. Cancellation is a clean
// shutdown, not an error.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.reapLoop(ctx) })
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error { return r.workLoop(ctx, worker) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) workLoop(ctx context.Context, worker int) error {
	for {
		job, err := r.queue.Claim(ctx)
		if err != nil {
			r.logger.Error("claim failed", "worker", worker, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.poll):
			}
			continue
		}
		r.dispatch(ctx, job)
	}
}

// dispatch runs one job and settles it. Settlement uses a context detached
// from the worker's so a shutdown mid-job still records the outcome.
func (r *Runner) dispatch(ctx context.Context, job *Job) {
	start := time.Now()
	err := r.invoke(ctx, job)
	settle := context.WithoutCancel(ctx)
	if err != nil {
		r.logger.Warn("job failed",
			"job", job.ID, "kind", job.Kind, "world", job.WorldID,
			"attempt", job.Attempts, "error", err)
		if ferr := r.queue.Fail(settle, job, err); ferr != nil {
			r.logger.Error("job fail bookkeeping", "job", job.ID, "error", ferr)
		}
		return
	}
	r.logger.Debug("job done",
		"job", job.ID, "kind", job.Kind, "world", job.WorldID,
		"elapsed", time.Since(start).Round(time.Millisecond))
	if cerr := r.queue.Complete(settle, job.ID); cerr != nil {
		r.logger.Error("job complete bookkeeping", "job", job.ID, "error", cerr)
	}
}

func (r *Runner) invoke(ctx context.Context, job *Job) (err error) {
	fn, ok := r.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("no handler for job kind %q", job.Kind)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return fn(ctx, job)
}

func (r *Runner) reapLoop(ctx context.Context) error {
	interval := r.queue.lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.queue.ReapExpired(ctx)
			if err != nil {
				r.logger.Error("reap failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Warn("requeued expired jobs", "count", n)
			}
		}
	}
}
