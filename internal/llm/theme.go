package llm

import (
	"fmt"
	"strings"
)

// ThemeMaxTokens bounds a theme-extraction call.
const ThemeMaxTokens = 300

// ThemeData is the input to a theme-extraction call.
type ThemeData struct {
	CurrentTheme string
	Digest       string
}

const themeSystem = `You watch for the turning points of an unfolding story. Given its current theme and the conversation that just became part of it, judge whether the conversation bends the theme in a new direction.

Respond ONLY with a single JSON object:
- "new_theme": the theme as it stands after this conversation — a short phrase. If the theme has not moved, restate the current theme unchanged.
- "description": one sentence on what shifted, or an empty string if nothing did.`

// BuildThemePrompt renders the user prompt for theme extraction.
func BuildThemePrompt(d ThemeData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CURRENT THEME: %s\n\n", d.CurrentTheme)
	b.WriteString("THE CONVERSATION:\n")
	b.WriteString(strings.TrimSpace(d.Digest))
	b.WriteString("\n\nHas the theme shifted? Respond with a single JSON object.")
	return b.String()
}

// ThemePrompts returns the system and user prompt for a theme call.
func ThemePrompts(d ThemeData) (system, user string) {
	return themeSystem, BuildThemePrompt(d)
}
