// Package archive exports a world's story as compressed JSON before a reset
// wipes it from the database.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/talgya/storyloom/internal/plot"
)

// Story is everything worth keeping about one world's story: the plot
// record, the full passage log, the theme-mutation chain, and the living
// draft if one was ever seeded.
type Story struct {
	WorldID    string               `json:"world_id"`
	ExportedAt time.Time            `json:"exported_at"`
	Plot       plot.Plot            `json:"plot"`
	Passages   []plot.Passage       `json:"passages"`
	Mutations  []plot.ThemeMutation `json:"mutations,omitempty"`
	Draft      *plot.Draft          `json:"draft,omitempty"`
}

// Write stores the story under dir as zstd-compressed JSON and returns the
// file path. Names carry a fresh UUID so repeated resets of the same world
// never collide.
func Write(dir string, s Story) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json.zst", safeName(s.WorldID), uuid.NewString()))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", err
	}
	if err := json.NewEncoder(enc).Encode(s); err != nil {
		enc.Close()
		return "", fmt.Errorf("encode story: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flush archive: %w", err)
	}
	return path, nil
}

// Read loads a story archive written by Write.
func Read(path string) (Story, error) {
	var s Story
	f, err := os.Open(path)
	if err != nil {
		return s, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return s, err
	}
	defer dec.Close()

	if err := json.NewDecoder(dec).Decode(&s); err != nil {
		return s, fmt.Errorf("decode story: %w", err)
	}
	return s, nil
}

// safeName keeps opaque world IDs filesystem-friendly.
func safeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "world"
	}
	return b.String()
}
