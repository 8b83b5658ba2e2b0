package stagehand

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleScript = `world: w-demo
theme: a lighthouse keeper hears voices in the fog
default_pause_ms: 200
participants:
  - player_id: p-ida
    name: Ida
  - player_id: p-mo
    name: Mo
    human: true
lines:
  - player: p-ida
    text: The lamp went dark again last night.
  - player: p-mo
    conversation: side
    text: I heard it too. Something under the water.
    pause_ms: 50
`

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func TestLoadScript(t *testing.T) {
	s, err := LoadScript(writeScript(t, sampleScript))
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	if s.World != "w-demo" {
		t.Errorf("world = %q, want w-demo", s.World)
	}
	if len(s.Participants) != 2 || len(s.Lines) != 2 {
		t.Fatalf("got %d participants and %d lines, want 2 and 2", len(s.Participants), len(s.Lines))
	}
	if !s.Participants[1].Human {
		t.Error("second participant should be marked human")
	}
	if s.Lines[0].Conversation != "main" {
		t.Errorf("omitted conversation = %q, want main", s.Lines[0].Conversation)
	}
	if s.Lines[1].Conversation != "side" {
		t.Errorf("explicit conversation = %q, want side", s.Lines[1].Conversation)
	}
	if s.DefaultPauseMS != 200 {
		t.Errorf("default pause = %d, want 200", s.DefaultPauseMS)
	}
}

func TestLoadScriptDefaultsPause(t *testing.T) {
	trimmed := strings.Replace(sampleScript, "default_pause_ms: 200\n", "", 1)

	s, err := LoadScript(writeScript(t, trimmed))
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if s.DefaultPauseMS != 750 {
		t.Errorf("default pause = %d, want 750", s.DefaultPauseMS)
	}
}

func TestLoadScriptRejectsUndeclaredPlayer(t *testing.T) {
	content := strings.Replace(sampleScript, "player: p-mo", "player: p-ghost", 1)

	_, err := LoadScript(writeScript(t, content))
	if err == nil {
		t.Fatal("expected error for undeclared player")
	}
	if !strings.Contains(err.Error(), "p-ghost") {
		t.Errorf("error should name the undeclared player, got: %v", err)
	}
}

func TestLoadScriptRejectsMissingTheme(t *testing.T) {
	content := strings.Replace(sampleScript, "theme: a lighthouse keeper hears voices in the fog\n", "", 1)

	if _, err := LoadScript(writeScript(t, content)); err == nil {
		t.Fatal("expected validation error for missing theme")
	}
}

func TestLoadScriptRejectsEmptyLines(t *testing.T) {
	content := `world: w-demo
theme: something
participants:
  - player_id: p-ida
lines: []
`
	if _, err := LoadScript(writeScript(t, content)); err == nil {
		t.Fatal("expected validation error for empty lines")
	}
}

func TestLoadScriptRejectsBadYAML(t *testing.T) {
	if _, err := LoadScript(writeScript(t, "world: [unterminated")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadScriptMissingFile(t *testing.T) {
	if _, err := LoadScript(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLinePause(t *testing.T) {
	if got := (Line{PauseMS: 50}).Pause(200); got != 50*time.Millisecond {
		t.Errorf("explicit pause = %v, want 50ms", got)
	}
	if got := (Line{}).Pause(200); got != 200*time.Millisecond {
		t.Errorf("defaulted pause = %v, want 200ms", got)
	}
}
