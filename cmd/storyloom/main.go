// Command storyloom runs the narrative pipeline service: the HTTP ingest
// and read API plus the background job runner that turns simulated-world
// conversation into story passages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/storyloom/internal/api"
	"github.com/talgya/storyloom/internal/config"
	"github.com/talgya/storyloom/internal/engine"
	"github.com/talgya/storyloom/internal/jobs"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/plot"
)

func main() {
	configPath := flag.String("config", "storyloom.yaml", "YAML config path (a missing file runs defaults)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("storyloom — narrative pipeline for simulated worlds")

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		os.MkdirAll(dir, 0755)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	// ── Job queue ─────────────────────────────────────────────────────
	queue, err := jobs.New(store.Conn(),
		jobs.WithLease(cfg.Jobs.Lease()),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
	)
	if err != nil {
		slog.Error("failed to open job queue", "error", err)
		os.Exit(1)
	}

	// ── Generation client ─────────────────────────────────────────────
	gen := llm.NewClient(cfg.LLM.APIKey,
		llm.WithModel(cfg.LLM.Model),
		llm.WithRateLimit(cfg.LLM.MaxPerMinute, cfg.LLM.MaxPerMinute),
		llm.WithMaxInFlight(int64(cfg.LLM.MaxInFlight)),
		llm.WithRetries(cfg.LLM.Retries),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout()}),
	)
	if gen.Enabled() {
		slog.Info("generation client enabled", "model", cfg.LLM.Model)
	} else {
		slog.Warn("ANTHROPIC_API_KEY not set — generation disabled, stories run on fallback text")
	}

	// ── Pipeline ──────────────────────────────────────────────────────
	hub := api.NewHub()
	pipe := engine.New(store, queue, gen,
		engine.Settings{
			MaxPassages: cfg.Story.MaxPassages,
			Gates: plot.Gates{
				Cooldown:        cfg.Story.Cooldown(),
				MinMessages:     cfg.Story.MinMessages,
				MinConversation: cfg.Story.MinConversation,
			},
			SummaryEvery:   cfg.Story.SummaryEvery,
			DraftDelay:     cfg.Story.DraftDelay(),
			RecentWindow:   cfg.Story.RecentWindow,
			VacuumInterval: cfg.Jobs.VacuumInterval(),
		},
		engine.WithPassageHook(hub.Publish),
		engine.WithArchiveDir(cfg.ArchiveDir),
	)

	runner := jobs.NewRunner(queue,
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithPollInterval(cfg.Jobs.PollInterval()),
	)
	pipe.Register(runner)

	ctx := signalContext()

	if err := pipe.ScheduleVacuum(ctx, cfg.Jobs.VacuumInterval()); err != nil {
		slog.Error("failed to arm stack vacuum", "error", err)
		os.Exit(1)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("STORYLOOM_ADMIN_KEY not set — world management endpoints disabled")
	}
	srv := &api.Server{Pipeline: pipe, Hub: hub, AdminKey: cfg.AdminKey}
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("HTTP API listening", "addr", httpSrv.Addr, "admin_auth", cfg.AdminKey != "")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("job runner starting", "workers", cfg.Jobs.Workers)
	if err := runner.Run(ctx); err != nil {
		slog.Error("runner stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("storyloom stopped")
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()
	return ctx
}
