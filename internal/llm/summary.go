package llm

import (
	"fmt"
	"strings"
)

const (
	// SummaryMaxTokens bounds a summary compaction call.
	SummaryMaxTokens = 200
	// SummaryMaxWords is the cap on the rolling summary.
	SummaryMaxWords = 60
	// FinalSummaryMaxTokens bounds the closing summary call.
	FinalSummaryMaxTokens = 300
	// FinalSummaryMaxWords is the cap on the closing summary.
	FinalSummaryMaxWords = 90
)

const summarySystem = `You keep the running summary of an unfolding story: the few sentences a newcomer needs to follow the next passage. Fold in what just happened, drop what no longer matters. Respond with the summary only — no label, no commentary.`

// SummaryData is the input to a summary compaction call.
type SummaryData struct {
	Theme    string
	Previous string
	Recent   []string // latest passages, oldest first
	Pending  []string // raw unconsumed lines; expanded mode only
	Expanded bool
}

// BuildSummaryPrompt renders the user prompt for a compaction call.
func BuildSummaryPrompt(d SummaryData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "THEME: %s\n", d.Theme)
	if d.Previous != "" {
		fmt.Fprintf(&b, "CURRENT SUMMARY: %s\n", d.Previous)
	}
	b.WriteString("\nLATEST PASSAGES:\n")
	for _, p := range d.Recent {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if d.Expanded && len(d.Pending) > 0 {
		b.WriteString("\nSTILL UNTOLD (overheard but not yet in the story):\n")
		for _, p := range d.Pending {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	fmt.Fprintf(&b, "\nRewrite the summary in at most %d words.", SummaryMaxWords)
	return b.String()
}

// SummaryPrompts returns the system and user prompt for a compaction call.
func SummaryPrompts(d SummaryData) (system, user string) {
	return summarySystem, BuildSummaryPrompt(d)
}

// FallbackSummary folds the newest passage into the previous summary by
// concatenation and clamping — blunt, but keeps the summary current when
// generation is down.
func FallbackSummary(d SummaryData) string {
	parts := make([]string, 0, 2)
	if d.Previous != "" {
		parts = append(parts, d.Previous)
	}
	if len(d.Recent) > 0 {
		parts = append(parts, d.Recent[len(d.Recent)-1])
	}
	return ClampWords(CollapseSpace(strings.Join(parts, " ")), SummaryMaxWords)
}

// FinalData is the input to the closing-summary call.
type FinalData struct {
	Theme    string
	Summary  string
	Passages []string // the full story, oldest first
}

const finalSystem = `The story is over. Write its closing summary: the whole arc in a few sentences, ending on the note the final passage struck. Respond with the summary only.`

// BuildFinalPrompt renders the user prompt for the closing summary.
func BuildFinalPrompt(d FinalData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "THEME: %s\n", d.Theme)
	if d.Summary != "" {
		fmt.Fprintf(&b, "RUNNING SUMMARY: %s\n", d.Summary)
	}
	b.WriteString("\nTHE STORY, IN FULL:\n")
	for i, p := range d.Passages {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}
	fmt.Fprintf(&b, "\nWrite the closing summary in at most %d words.", FinalSummaryMaxWords)
	return b.String()
}

// FinalPrompts returns the system and user prompt for the closing summary.
func FinalPrompts(d FinalData) (system, user string) {
	return finalSystem, BuildFinalPrompt(d)
}

// FallbackFinalSummary closes the story without the model.
func FallbackFinalSummary(d FinalData) string {
	if d.Summary != "" {
		return ClampWords(d.Summary, FinalSummaryMaxWords)
	}
	theme := d.Theme
	if theme == "" {
		theme = "what was said"
	}
	return fmt.Sprintf("A story of %s, told in %d passages and brought to its end.", theme, len(d.Passages))
}
