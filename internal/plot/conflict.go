package plot

import "strings"

// DefaultConflictTag is assigned when no keyword family matches.
const DefaultConflictTag = "conflict"

// conflictFamilies maps each tag to the lowercase fragments that select it.
// The first family with a hit wins, so more specific families come first.
var conflictFamilies = []struct {
	tag   string
	words []string
}{
	{"betrayal", []string{"betray", "deceiv", "double-cross", "treacher", "backstab"}},
	{"confrontation", []string{"confront", "argu", "clash", "accus", "quarrel", "face off"}},
	{"alliance", []string{"allian", "join forces", "band together", "unite", "ally", "allies", "pact"}},
	{"quest", []string{"quest", "journey", "voyage", "set out", "search for", "seek"}},
	{"mystery", []string{"myster", "secret", "hidden", "clue", "enigma", "riddle"}},
	{"danger", []string{"danger", "threat", "peril", "menac", "attack", "ambush"}},
	{"challenge", []string{"challeng", "trial", "dare", "contest", "rival"}},
}

// ClassifyConflict derives a conflict tag for a narrative sentence by
// keyword match.
func ClassifyConflict(narrative string) string {
	text := strings.ToLower(narrative)
	for _, family := range conflictFamilies {
		for _, w := range family.words {
			if strings.Contains(text, w) {
				return family.tag
			}
		}
	}
	return DefaultConflictTag
}
