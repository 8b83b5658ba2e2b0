// Package stagehand drives a storyloom server from a scripted conversation:
// it registers participants, creates the plot, feeds utterances with pacing,
// and tails committed passages over the live stream. Built for demos and
// manual soak testing.
package stagehand

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Script is one scripted conversation for one world.
type Script struct {
	World          string        `yaml:"world" validate:"required"`
	Theme          string        `yaml:"theme" validate:"required"`
	DefaultPauseMS int           `yaml:"default_pause_ms" validate:"min=0"`
	Participants   []Participant `yaml:"participants" validate:"min=1,dive"`
	Lines          []Line        `yaml:"lines" validate:"min=1,dive"`
}

// Participant declares one speaker up front so the human flag is known
// before any of their lines land.
type Participant struct {
	PlayerID string `yaml:"player_id" validate:"required"`
	Name     string `yaml:"name"`
	Human    bool   `yaml:"human"`
}

// Line is one utterance in script order.
type Line struct {
	Player       string `yaml:"player" validate:"required"`
	Conversation string `yaml:"conversation"`
	Text         string `yaml:"text" validate:"required"`
	PauseMS      int    `yaml:"pause_ms" validate:"min=0"`
}

// Pause returns how long to wait after sending this line.
func (l Line) Pause(defaultMS int) time.Duration {
	ms := l.PauseMS
	if ms <= 0 {
		ms = defaultMS
	}
	return time.Duration(ms) * time.Millisecond
}

// LoadScript reads and validates a YAML script. Every line must be spoken
// by a declared participant; lines without a conversation fall into "main".
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}

	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid script %s: %w", path, err)
	}

	known := make(map[string]bool, len(s.Participants))
	for _, p := range s.Participants {
		known[p.PlayerID] = true
	}
	for i := range s.Lines {
		if !known[s.Lines[i].Player] {
			return nil, fmt.Errorf("line %d: undeclared player %q", i+1, s.Lines[i].Player)
		}
		if s.Lines[i].Conversation == "" {
			s.Lines[i].Conversation = "main"
		}
	}
	if s.DefaultPauseMS == 0 {
		s.DefaultPauseMS = 750
	}
	return &s, nil
}
