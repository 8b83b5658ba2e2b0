package stagehand

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Feeder talks to the storyloom HTTP API.
type Feeder struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// NewFeeder creates a Feeder targeting the given API base URL. AdminKey is
// needed only for plot creation.
func NewFeeder(baseURL, adminKey string) *Feeder {
	return &Feeder{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PlotView mirrors GET /api/v1/worlds/:id/plot.
type PlotView struct {
	WorldID        string `json:"world_id"`
	InitialTheme   string `json:"initial_theme"`
	EvolvedTheme   string `json:"evolved_theme"`
	CurrentSummary string `json:"current_summary"`
	Stage          string `json:"story_stage"`
	IsComplete     bool   `json:"is_complete"`
	FinalSummary   string `json:"final_summary"`
	PassageCount   int    `json:"passage_count"`
	PendingCount   int    `json:"pending_count"`
}

// PassageView mirrors items from GET /api/v1/worlds/:id/story.
type PassageView struct {
	Ordinal     int    `json:"ordinal"`
	Narrative   string `json:"narrative"`
	ConflictTag string `json:"conflict_tag"`
}

// MutationView mirrors items from GET /api/v1/worlds/:id/mutations.
type MutationView struct {
	Index         int    `json:"mutation_index"`
	PreviousTheme string `json:"previous_theme"`
	NewTheme      string `json:"new_theme"`
	Description   string `json:"description"`
}

// WaitReady polls the status endpoint with exponential backoff until the
// server answers or the timeout passes. Process managers only guarantee
// process start, not HTTP readiness.
func (f *Feeder) WaitReady(ctx context.Context, timeout time.Duration) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 10 * time.Second
	deadline := time.Now().Add(timeout)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/api/v1/status", nil)
		if err != nil {
			return err
		}
		resp, err := f.HTTPClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server at %s not ready after %s", f.BaseURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// CreatePlot starts the world's story. Safe to call when the plot already
// exists; the server treats creation as idempotent.
func (f *Feeder) CreatePlot(ctx context.Context, world, theme string) error {
	return f.postJSON(ctx, "/api/v1/worlds/"+world+"/plot", f.AdminKey,
		map[string]string{"theme": theme}, nil)
}

// RegisterParticipant records one speaker before their lines land.
func (f *Feeder) RegisterParticipant(ctx context.Context, world string, p Participant) error {
	return f.postJSON(ctx, "/api/v1/worlds/"+world+"/participants", "",
		map[string]any{"player_id": p.PlayerID, "name": p.Name, "human": p.Human}, nil)
}

// SendLine posts one utterance and returns the server-assigned ID.
func (f *Feeder) SendLine(ctx context.Context, world string, line Line) (string, error) {
	var out struct {
		UtteranceID string `json:"utterance_id"`
	}
	err := f.postJSON(ctx, "/api/v1/worlds/"+world+"/utterances", "", map[string]any{
		"player_id":       line.Player,
		"conversation_id": line.Conversation,
		"text":            line.Text,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.UtteranceID, nil
}

// Snapshot fetches the current plot state.
func (f *Feeder) Snapshot(ctx context.Context, world string) (PlotView, error) {
	var v PlotView
	err := f.fetchJSON(ctx, "/api/v1/worlds/"+world+"/plot", &v)
	return v, err
}

// Story fetches the full passage feed.
func (f *Feeder) Story(ctx context.Context, world string) ([]PassageView, error) {
	var v []PassageView
	err := f.fetchJSON(ctx, "/api/v1/worlds/"+world+"/story", &v)
	return v, err
}

// Mutations fetches the theme-mutation chain.
func (f *Feeder) Mutations(ctx context.Context, world string) ([]MutationView, error) {
	var v []MutationView
	err := f.fetchJSON(ctx, "/api/v1/worlds/"+world+"/mutations", &v)
	return v, err
}

// fetchJSON GETs a path and decodes the JSON response into target.
func (f *Feeder) fetchJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// postJSON POSTs a body, optionally with bearer auth, and decodes the
// response into target when target is non-nil.
func (f *Feeder) postJSON(ctx context.Context, path, token string, body, target any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	if target != nil {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
