// Package api serves the narrative pipeline over HTTP. GET endpoints are
// public (read-only views of the evolving story). Utterance ingest is rate
// limited per IP; world-management POSTs require a bearer token.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/talgya/storyloom/internal/engine"
	"github.com/talgya/storyloom/internal/persistence"
)

// Server serves one pipeline over HTTP.
type Server struct {
	Pipeline *engine.Pipeline
	Hub      *Hub
	AdminKey string // Bearer token for world-management POSTs. Empty = those routes disabled.

	started time.Time
}

// Handler builds the full route table. Tests mount it on httptest servers;
// main hands it to an http.Server.
func (s *Server) Handler() http.Handler {
	s.started = time.Now()

	// Ingest is the path that ultimately spends generation budget, so it
	// carries the per-IP limiter.
	ingestLimiter := NewRateLimiter(600, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/worlds/", s.handleWorldRoutes(ingestLimiter))

	return corsMiddleware(mux)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleWorldRoutes dispatches /api/v1/worlds/:id/:resource.
func (s *Server) handleWorldRoutes(ingestLimiter *RateLimiter) http.HandlerFunc {
	rateLimitedIngest := RateLimitMiddleware(ingestLimiter, s.handleUtterances)

	return func(w http.ResponseWriter, r *http.Request) {
		// /api/v1/worlds/:id/:resource → [0]="" [1]=api [2]=v1 [3]=worlds [4]=id [5]=resource
		parts := strings.Split(r.URL.Path, "/")
		if len(parts) < 6 || parts[4] == "" || parts[5] == "" {
			http.Error(w, "usage: /api/v1/worlds/:id/:resource", http.StatusBadRequest)
			return
		}
		worldID := parts[4]

		switch parts[5] {
		case "plot":
			switch r.Method {
			case http.MethodGet:
				s.handlePlotSnapshot(w, r, worldID)
			case http.MethodPost:
				s.adminOnly(w, r, func() { s.handleCreatePlot(w, r, worldID) })
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		case "utterances":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			rateLimitedIngest(w, r)
		case "participants":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.handleParticipants(w, r, worldID)
		case "story":
			s.handleStory(w, r, worldID)
		case "mutations":
			s.handleMutations(w, r, worldID)
		case "draft":
			s.handleDraft(w, r, worldID)
		case "stream":
			s.Hub.ServeStream(w, r, worldID)
		case "reset":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			s.adminOnly(w, r, func() { s.handleReset(w, r, worldID) })
		default:
			http.Error(w, "unknown resource", http.StatusNotFound)
		}
	}
}

// checkBearerToken returns true if the request carries the admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly gates a world-management handler behind the bearer token.
func (s *Server) adminOnly(w http.ResponseWriter, r *http.Request, next func()) {
	if s.AdminKey == "" {
		http.Error(w, "admin endpoints disabled (no STORYLOOM_ADMIN_KEY set)", http.StatusForbidden)
		return
	}
	if !s.checkBearerToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	next()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Pipeline.Status(r.Context())
	if err != nil {
		s.serverError(w, "status", err)
		return
	}
	writeJSON(w, map[string]any{
		"name":    "storyloom",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"worlds":  st.Worlds,
		"jobs":    st.Jobs,
		"streams": s.Hub.Connections(),
	})
}

func (s *Server) handleCreatePlot(w http.ResponseWriter, r *http.Request, worldID string) {
	var req struct {
		Theme string `json:"theme"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	pl, created, err := s.Pipeline.CreatePlot(r.Context(), worldID, req.Theme)
	if errors.Is(err, engine.ErrEmptyTheme) {
		http.Error(w, "theme must not be empty", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.serverError(w, "create plot", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, map[string]any{
		"world_id": pl.WorldID,
		"theme":    pl.InitialTheme,
		"created":  created,
	})
}

func (s *Server) handleUtterances(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	worldID := parts[4]

	var req struct {
		UtteranceID    string `json:"utterance_id"`
		ConversationID string `json:"conversation_id"`
		PlayerID       string `json:"player_id"`
		AuthorName     string `json:"author_name"`
		Text           string `json:"text"`
		Human          *bool  `json:"human,omitempty"`
		TimestampMS    int64  `json:"timestamp_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var at time.Time
	if req.TimestampMS > 0 {
		at = time.UnixMilli(req.TimestampMS).UTC()
	}
	id, err := s.Pipeline.Ingest(r.Context(), worldID, engine.Utterance{
		UtteranceID:    req.UtteranceID,
		ConversationID: req.ConversationID,
		PlayerID:       req.PlayerID,
		AuthorName:     req.AuthorName,
		Text:           req.Text,
		Human:          req.Human,
		At:             at,
	})
	if errors.Is(err, engine.ErrInvalidUtterance) {
		http.Error(w, "utterance needs a player, a conversation, and text", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.serverError(w, "ingest", err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"utterance_id": id})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request, worldID string) {
	var req struct {
		PlayerID string `json:"player_id"`
		Name     string `json:"name"`
		Human    bool   `json:"human"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	err := s.Pipeline.RegisterParticipant(r.Context(), worldID, req.PlayerID, req.Name, req.Human)
	if errors.Is(err, engine.ErrInvalidParticipant) {
		http.Error(w, "participant needs a player id", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.serverError(w, "register participant", err)
		return
	}
	writeJSON(w, map[string]any{"player_id": req.PlayerID, "human": req.Human})
}

func (s *Server) handlePlotSnapshot(w http.ResponseWriter, r *http.Request, worldID string) {
	snap, err := s.Pipeline.Snapshot(r.Context(), worldID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "no plot for this world", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "plot snapshot", err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request, worldID string) {
	passages, err := s.Pipeline.Story(r.Context(), worldID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "no plot for this world", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "story", err)
		return
	}

	type passageEntry struct {
		Ordinal     int       `json:"ordinal"`
		Narrative   string    `json:"narrative"`
		ConflictTag string    `json:"conflict_tag"`
		CreatedAt   time.Time `json:"created_at"`
	}
	out := make([]passageEntry, len(passages))
	for i, p := range passages {
		out[i] = passageEntry{
			Ordinal:     p.Ordinal,
			Narrative:   p.Narrative,
			ConflictTag: p.ConflictTag,
			CreatedAt:   p.CreatedAt,
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request, worldID string) {
	mutations, err := s.Pipeline.Mutations(r.Context(), worldID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "no plot for this world", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "mutations", err)
		return
	}

	type mutationEntry struct {
		Index         int    `json:"mutation_index"`
		PreviousTheme string `json:"previous_theme"`
		NewTheme      string `json:"new_theme"`
		Description   string `json:"description"`
		SourceOrdinal int    `json:"source_passage"`
	}
	out := make([]mutationEntry, len(mutations))
	for i, m := range mutations {
		out[i] = mutationEntry{
			Index:         m.Index,
			PreviousTheme: m.PreviousTheme,
			NewTheme:      m.NewTheme,
			Description:   m.Description,
			SourceOrdinal: m.SourceOrdinal,
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request, worldID string) {
	draft, err := s.Pipeline.Draft(r.Context(), worldID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "no draft for this world", http.StatusNotFound)
		return
	}
	if err != nil {
		s.serverError(w, "draft", err)
		return
	}
	writeJSON(w, map[string]any{
		"text":    draft.Text,
		"version": draft.Version,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, worldID string) {
	archivePath, err := s.Pipeline.Reset(r.Context(), worldID)
	if err != nil {
		s.serverError(w, "reset", err)
		return
	}
	slog.Info("world reset", "world", worldID, "archive", archivePath)

	resp := map[string]any{"world_id": worldID, "reset": true}
	if archivePath != "" {
		resp["archive"] = archivePath
	}
	writeJSON(w, resp)
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	slog.Error("api request failed", "op", op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
