// Command stagehand feeds a scripted conversation into a running storyloom
// server and tails the committed passages as the story unfolds. Built for
// demos and manual end-to-end runs against a live pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/talgya/storyloom/internal/stagehand"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	scriptPath := flag.String("script", "script.yaml", "path to the conversation script")
	linger := flag.Duration("linger", 30*time.Second, "how long to wait for trailing passages after the last line")
	flag.Parse()

	// Configuration from environment, with .env picked up when present.
	_ = godotenv.Load()
	apiURL := envOrDefault("STORYLOOM_API_URL", "http://localhost:8080")
	adminKey := os.Getenv("STORYLOOM_ADMIN_KEY")

	if adminKey == "" {
		slog.Error("STORYLOOM_ADMIN_KEY is required to create the plot")
		os.Exit(1)
	}

	script, err := stagehand.LoadScript(*scriptPath)
	if err != nil {
		slog.Error("loading script failed", "error", err)
		os.Exit(1)
	}

	slog.Info("stagehand starting",
		"api_url", apiURL,
		"world", script.World,
		"participants", len(script.Participants),
		"lines", len(script.Lines),
	)

	ctx, cancel := signalContext()
	defer cancel()

	feeder := stagehand.NewFeeder(apiURL, adminKey)

	// Wait for the storyloom API before the first request. Process
	// managers only guarantee process start, not HTTP readiness.
	slog.Info("waiting for storyloom API...")
	if err := feeder.WaitReady(ctx, 5*time.Minute); err != nil {
		slog.Error("storyloom API did not become ready", "error", err)
		os.Exit(1)
	}

	for _, p := range script.Participants {
		if err := feeder.RegisterParticipant(ctx, script.World, p); err != nil {
			slog.Error("registering participant failed", "player", p.PlayerID, "error", err)
			os.Exit(1)
		}
	}
	if err := feeder.CreatePlot(ctx, script.World, script.Theme); err != nil {
		slog.Error("creating plot failed", "error", err)
		os.Exit(1)
	}
	slog.Info("plot ready", "world", script.World, "theme", script.Theme)

	// Tail committed passages concurrently with the feed.
	tailCtx, stopTail := context.WithCancel(ctx)
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		err := stagehand.Tail(tailCtx, apiURL, script.World, func(p stagehand.StreamPassage) {
			fmt.Printf("\n── Passage %d [%s] ──\n%s\n", p.Ordinal, p.ConflictTag, p.Narrative)
		})
		if err != nil {
			slog.Warn("stream tail ended", "error", err)
		}
	}()

	sent := 0
	for i, line := range script.Lines {
		if ctx.Err() != nil {
			break
		}
		if _, err := feeder.SendLine(ctx, script.World, line); err != nil {
			slog.Error("sending line failed", "line", i+1, "error", err)
			break
		}
		sent++
		select {
		case <-ctx.Done():
		case <-time.After(line.Pause(script.DefaultPauseMS)):
		}
	}
	slog.Info("script fed", "sent", sent, "total", len(script.Lines))

	// Let trailing evaluation and generation land before the final report.
	if ctx.Err() == nil {
		slog.Info("lingering for trailing passages", "window", *linger)
		select {
		case <-ctx.Done():
		case <-time.After(*linger):
		}
	}

	stopTail()
	select {
	case <-tailDone:
	case <-time.After(2 * time.Second):
	}

	printFinalReport(feeder, script.World)
	fmt.Println("Stagehand done.")
}

// printFinalReport fetches and prints the story so far. Runs on its own
// short context so a Ctrl-C mid-feed still yields a report.
func printFinalReport(feeder *stagehand.Feeder, world string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	snap, err := feeder.Snapshot(ctx, world)
	if err != nil {
		slog.Error("fetching final snapshot failed", "error", err)
		return
	}
	story, err := feeder.Story(ctx, world)
	if err != nil {
		slog.Error("fetching story failed", "error", err)
		return
	}
	mutations, err := feeder.Mutations(ctx, world)
	if err != nil {
		slog.Error("fetching mutations failed", "error", err)
		return
	}

	fmt.Println()
	fmt.Println("════════════ Story so far ════════════")
	for _, p := range story {
		fmt.Printf("\n%d. [%s]\n%s\n", p.Ordinal, p.ConflictTag, p.Narrative)
	}

	fmt.Println()
	fmt.Println("──────────── Theme drift ────────────")
	if len(mutations) == 0 {
		fmt.Println("(theme never drifted)")
	}
	for _, m := range mutations {
		fmt.Printf("%d. %s\n   → %s\n", m.Index, m.PreviousTheme, m.NewTheme)
	}

	theme := snap.InitialTheme
	if snap.EvolvedTheme != "" {
		theme = snap.EvolvedTheme
	}

	fmt.Println()
	fmt.Println("──────────── Plot state ────────────")
	fmt.Printf("Stage:    %s\n", snap.Stage)
	fmt.Printf("Theme:    %s\n", theme)
	fmt.Printf("Passages: %d\n", snap.PassageCount)
	fmt.Printf("Pending:  %d\n", snap.PendingCount)
	if snap.IsComplete {
		fmt.Printf("Final:    %s\n", snap.FinalSummary)
	} else if snap.CurrentSummary != "" {
		fmt.Printf("Summary:  %s\n", snap.CurrentSummary)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()
	return ctx, cancel
}
