package plot

import (
	"fmt"
	"strings"
)

// Digest shaping limits. Long lines are truncated so generation prompts stay
// bounded no matter how much chatter piled up.
const (
	maxDigestLines   = 12
	maxDigestLineLen = 240
)

// ConversationDigest is the natural-language distillation of one
// conversation's pending utterances, in arrival order.
type ConversationDigest struct {
	ConversationID string   `json:"conversation_id"`
	Participants   []string `json:"participants"`
	Lines          []string `json:"lines"`
	UtteranceIDs   []string `json:"utterance_ids"`
}

// BuildDigests groups pending utterances by conversation. Digests are
// ordered by each conversation's earliest arrival; lines within a digest
// keep arrival order; participants are listed by first appearance.
func BuildDigests(pending []PendingUtterance) []ConversationDigest {
	if len(pending) == 0 {
		return nil
	}
	byConversation := make(map[string]*ConversationDigest, 4)
	var order []string
	for i := range pending {
		u := &pending[i]
		d, ok := byConversation[u.ConversationID]
		if !ok {
			d = &ConversationDigest{ConversationID: u.ConversationID}
			byConversation[u.ConversationID] = d
			order = append(order, u.ConversationID)
		}
		if !containsString(d.Participants, u.AuthorName) {
			d.Participants = append(d.Participants, u.AuthorName)
		}
		if len(d.Lines) < maxDigestLines {
			d.Lines = append(d.Lines, fmt.Sprintf("%s: %s", u.AuthorName, truncateRunes(u.Text, maxDigestLineLen)))
		}
		d.UtteranceIDs = append(d.UtteranceIDs, u.UtteranceID)
	}
	out := make([]ConversationDigest, 0, len(order))
	for _, id := range order {
		out = append(out, *byConversation[id])
	}
	return out
}

// Largest picks the digest with the most utterances — the conversation that
// carried the firing. Ties go to the earlier conversation.
func Largest(digests []ConversationDigest) (ConversationDigest, bool) {
	if len(digests) == 0 {
		return ConversationDigest{}, false
	}
	best := 0
	for i := 1; i < len(digests); i++ {
		if len(digests[i].UtteranceIDs) > len(digests[best].UtteranceIDs) {
			best = i
		}
	}
	return digests[best], true
}

// Render flattens a digest for prompt embedding.
func (d ConversationDigest) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", strings.Join(d.Participants, ", "))
	for _, line := range d.Lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// AllUtteranceIDs flattens the consumed utterance IDs across digests.
func AllUtteranceIDs(digests []ConversationDigest) []string {
	var ids []string
	for i := range digests {
		ids = append(ids, digests[i].UtteranceIDs...)
	}
	return ids
}

// AllParticipants collects unique participant names across digests, in
// first-appearance order.
func AllParticipants(digests []ConversationDigest) []string {
	var names []string
	for i := range digests {
		for _, n := range digests[i].Participants {
			if !containsString(names, n) {
				names = append(names, n)
			}
		}
	}
	return names
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
