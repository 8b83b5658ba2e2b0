// Package plot holds the story domain model and the pure decision logic of
// the narrative pipeline: trigger gating, stage mapping, conflict
// classification, and conversation digests. Nothing here touches storage or
// the network.
package plot

import "time"

// Stage is the structural phase of the story arc.
type Stage string

const (
	StageBeginning  Stage = "beginning"
	StageRising     Stage = "rising"
	StageClimax     Stage = "climax"
	StageConclusion Stage = "conclusion"
)

// MaxPassages is the canonical story length. Every phase boundary derives
// from this one constant (see StageFor); the passage carrying this ordinal
// is terminal.
const MaxPassages = 12

// Plot is the single mutable record coordinating one world's story. Every
// pipeline step reads it and atomically patches it; Version backs the
// optimistic-concurrency check in the store.
type Plot struct {
	WorldID        string    `json:"world_id"`
	InitialTheme   string    `json:"initial_theme"`
	EvolvedTheme   string    `json:"evolved_theme,omitempty"`
	CurrentSummary string    `json:"current_summary,omitempty"`
	Stage          Stage     `json:"story_stage"`
	LastGeneration time.Time `json:"last_generation"`
	IsComplete     bool      `json:"is_complete"`
	FinalSummary   string    `json:"final_summary,omitempty"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Theme returns the theme generation should follow: the latest evolved theme
// once a mutation has landed, the initial theme before that.
func (p *Plot) Theme() string {
	if p.EvolvedTheme != "" {
		return p.EvolvedTheme
	}
	return p.InitialTheme
}

// Passage is one atomic, irreversible sentence-length addition to the story.
// Append-only; ordinals start at 1 and never exceed the passage cap.
type Passage struct {
	WorldID            string    `json:"world_id"`
	Ordinal            int       `json:"ordinal"`
	Narrative          string    `json:"narrative"`
	ConflictTag        string    `json:"conflict_tag"`
	SourceUtteranceIDs []string  `json:"source_utterance_ids"`
	ParticipantNames   []string  `json:"participant_names"`
	CreatedAt          time.Time `json:"created_at"`
}

// ThemeMutation records one shift in the story's direction, attributed to a
// specific conversation. Entries chain: PreviousTheme of entry n equals
// NewTheme of entry n-1, grounding out at the plot's initial theme.
type ThemeMutation struct {
	WorldID          string    `json:"world_id"`
	Index            int       `json:"mutation_index"`
	PreviousTheme    string    `json:"previous_theme"`
	NewTheme         string    `json:"new_theme"`
	Description      string    `json:"description"`
	ConversationID   string    `json:"conversation_id"`
	ParticipantNames []string  `json:"participant_names"`
	SourceOrdinal    int       `json:"source_ordinal"`
	CreatedAt        time.Time `json:"created_at"`
}

// Draft is the living short-arc text seeded from the initial theme and
// revised as the theme mutates. Version increments on every accepted
// rewrite; the opening sentences survive rewrites.
type Draft struct {
	WorldID       string    `json:"world_id"`
	Text          string    `json:"text"`
	OriginalTheme string    `json:"original_theme"`
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PendingUtterance is a queued dialogue line awaiting narrative consumption.
// Rows sit in the per-world stack until a passage consumes them; the
// processed-ID set, not the stack, is the authority on what has been used.
type PendingUtterance struct {
	ID             int64     `json:"id"`
	UtteranceID    string    `json:"utterance_id"`
	WorldID        string    `json:"world_id"`
	PlayerID       string    `json:"player_id"`
	ConversationID string    `json:"conversation_id"`
	AuthorName     string    `json:"author_name"`
	AuthorHuman    bool      `json:"author_human"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}
