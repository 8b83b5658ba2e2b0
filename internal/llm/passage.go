package llm

import (
	"fmt"
	"strings"
)

// PassageMaxTokens bounds a passage generation call.
const PassageMaxTokens = 150

// PassageData is the raw material for one narrative passage.
type PassageData struct {
	Theme        string
	Summary      string
	Stage        string
	Ordinal      int
	MaxPassages  int
	Recent       []string // latest passages, oldest first
	Digest       string   // rendered conversation digest
	Participants []string
	HumanSpoke   bool
}

const passageSystem = `You are the unseen chronicler of a simulated world. You distill the chatter of its inhabitants into a single continuing story, told one short passage at a time. Write vivid third-person prose grounded in what was actually said — name the speakers, not "the players". Respond with the passage only: no headers, no surrounding quotes, no commentary.`

// BuildPassagePrompt renders the user prompt for one passage generation.
func BuildPassagePrompt(d PassageData) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write passage %d of %d.\n", d.Ordinal, d.MaxPassages)
	fmt.Fprintf(&b, "THEME: %s\n", d.Theme)
	if d.Summary != "" {
		fmt.Fprintf(&b, "THE STORY SO FAR: %s\n", d.Summary)
	}
	fmt.Fprintf(&b, "STAGE: %s\n\n", d.Stage)

	if len(d.Recent) > 0 {
		b.WriteString("RECENT PASSAGES:\n")
		for _, p := range d.Recent {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	b.WriteString("OVERHEARD CONVERSATION:\n")
	b.WriteString(strings.TrimSpace(d.Digest))
	b.WriteString("\n\n")

	if d.HumanSpoke {
		b.WriteString("A player spoke in their own voice here; let their words steer the passage.\n")
	}

	switch {
	case d.Ordinal >= d.MaxPassages:
		b.WriteString("This is the final passage: bring the story to a close.\n")
	case d.Stage == "beginning":
		b.WriteString("Establish the setting and the first stirrings of the conflict.\n")
	case d.Stage == "rising":
		b.WriteString("Escalate the tension; complicate what has already begun.\n")
	case d.Stage == "climax":
		b.WriteString("Bring the conflict to its sharpest point.\n")
	default:
		b.WriteString("Move the story toward its resolution.\n")
	}

	b.WriteString("Write 1-2 sentences.")
	return b.String()
}

// PassagePrompts returns the system and user prompt for a passage call.
func PassagePrompts(d PassageData) (system, user string) {
	return passageSystem, BuildPassagePrompt(d)
}

// FallbackPassage produces a serviceable passage without the model, so the
// story still advances while generation is down.
func FallbackPassage(d PassageData) string {
	who := joinNames(d.Participants)
	if who == "" {
		who = "the world's voices"
	}
	theme := d.Theme
	if theme == "" {
		theme = "matters no one dared name"
	}
	if d.Ordinal >= d.MaxPassages {
		return fmt.Sprintf("With the last word spoken between %s, the matter of %s was settled at last.", who, theme)
	}
	switch d.Stage {
	case "beginning":
		return fmt.Sprintf("Word first passed between %s, and with it the story of %s began to take shape.", who, theme)
	case "rising":
		return fmt.Sprintf("Talk between %s grew sharper, and %s pressed closer on every side.", who, theme)
	case "climax":
		return fmt.Sprintf("Everything %s had said now came to a head, and %s would bend or break.", who, theme)
	default:
		return fmt.Sprintf("The voices of %s quieted, and %s drifted toward its end.", who, theme)
	}
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
}
