package llm

import (
	"fmt"
	"strings"
)

const (
	// DraftMaxTokens bounds a draft seed or rewrite call.
	DraftMaxTokens = 400
	// DraftMaxWords is the hard cap a draft is clamped to.
	DraftMaxWords = 200
)

const draftSeedSystem = `You open stories. Given a theme, write the first short paragraph of a tale that could grow from it — concrete, third person, no preamble. Respond with the paragraph only.`

// BuildDraftSeedPrompt renders the user prompt that seeds a world's draft
// from its initial theme.
func BuildDraftSeedPrompt(theme string) string {
	return fmt.Sprintf("Open a story on this theme: %s\n\nWrite 2-4 sentences. The first 1-2 sentences will be kept verbatim for the life of the story, so make them count.", theme)
}

// DraftSeedPrompts returns the system and user prompt for a draft seed call.
func DraftSeedPrompts(theme string) (system, user string) {
	return draftSeedSystem, BuildDraftSeedPrompt(theme)
}

// FallbackDraftSeed produces a deterministic seed when generation is
// unavailable. Its opening sentence becomes the protected opening.
func FallbackDraftSeed(theme string) string {
	if theme == "" {
		theme = "a story not yet named"
	}
	return fmt.Sprintf("So it began: %s. None of those caught up in it could yet say where it would lead.", theme)
}

// DraftData is the input to a draft rewrite call.
type DraftData struct {
	Current  string
	Opening  string // the protected first sentences, verbatim
	NewTheme string
	Digest   string // the conversation that moved the theme, when known
}

const draftRewriteSystem = `You revise a living story draft as its theme evolves. The draft's opening is fixed: reproduce it verbatim as the start of your revision, then rework everything after it to follow the new theme. Respond with the full revised draft only.`

// BuildDraftRewritePrompt renders the user prompt for a draft rewrite.
func BuildDraftRewritePrompt(d DraftData) string {
	var b strings.Builder
	b.WriteString("THE DRAFT:\n")
	b.WriteString(strings.TrimSpace(d.Current))
	b.WriteString("\n\nPROTECTED OPENING (keep verbatim):\n")
	b.WriteString(strings.TrimSpace(d.Opening))
	fmt.Fprintf(&b, "\n\nTHE THEME HAS SHIFTED TO: %s\n", d.NewTheme)
	if d.Digest != "" {
		fmt.Fprintf(&b, "\nTHE CONVERSATION THAT MOVED IT:\n%s", d.Digest)
	}
	fmt.Fprintf(&b, "\nRewrite the draft to follow the new theme. Keep it under %d words.", DraftMaxWords)
	return b.String()
}

// SanitizeDraft cleans a draft seed or rewrite response and clamps it to the
// draft word cap.
func SanitizeDraft(s string) string {
	return ClampWords(CollapseSpace(StripLabel(StripWrapping(s))), DraftMaxWords)
}

// DraftRewritePrompts returns the system and user prompt for a rewrite call.
func DraftRewritePrompts(d DraftData) (system, user string) {
	return draftRewriteSystem, BuildDraftRewritePrompt(d)
}
