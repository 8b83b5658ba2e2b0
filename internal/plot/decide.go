package plot

import (
	"fmt"
	"time"
)

// Default trigger gates. AI-only chatter must clear all three; a pending
// human-authored utterance bypasses the cooldown and drops both minimums
// to 1, because human turns matter immediately.
const (
	DefaultCooldown        = 30 * time.Second
	DefaultMinMessages     = 3
	DefaultMinConversation = 2
)

// Gates are the trigger thresholds for passage generation.
type Gates struct {
	Cooldown        time.Duration
	MinMessages     int
	MinConversation int
}

// DefaultGates returns the standard gate values.
func DefaultGates() Gates {
	return Gates{
		Cooldown:        DefaultCooldown,
		MinMessages:     DefaultMinMessages,
		MinConversation: DefaultMinConversation,
	}
}

// DecisionInput carries everything Decide looks at. Pending must already
// exclude processed utterance IDs; Now is injected so callers and tests
// control the clock.
type DecisionInput struct {
	Pending        []PendingUtterance
	LastGeneration time.Time
	Now            time.Time
	Gates          Gates
}

// Decision is the outcome of one trigger evaluation. Reason is a structured
// account for logs. RetryIn, when positive, is how long until the cooldown
// clears — a hint for rescheduling the evaluation when no further chatter
// arrives to prompt one.
type Decision struct {
	Fire    bool
	Reason  string
	RetryIn time.Duration
}

// Decide reports whether accumulated conversation activity justifies firing
// passage generation. It is read-only: no state is mutated, and calling it
// any number of times is free.
func Decide(in DecisionInput) Decision {
	g := in.Gates
	if g.Cooldown <= 0 && g.MinMessages <= 0 && g.MinConversation <= 0 {
		g = DefaultGates()
	}
	if len(in.Pending) == 0 {
		return Decision{Reason: "no pending utterances"}
	}

	human := false
	for i := range in.Pending {
		if in.Pending[i].AuthorHuman {
			human = true
			break
		}
	}

	minMessages, minConversation := g.MinMessages, g.MinConversation
	if human {
		minMessages, minConversation = 1, 1
	} else {
		elapsed := in.Now.Sub(in.LastGeneration)
		if elapsed < g.Cooldown {
			remaining := g.Cooldown - elapsed
			return Decision{
				Reason:  fmt.Sprintf("cooldown: %s remaining", remaining.Round(time.Millisecond)),
				RetryIn: remaining,
			}
		}
	}

	if len(in.Pending) < minMessages {
		return Decision{Reason: fmt.Sprintf("only %d pending, need %d", len(in.Pending), minMessages)}
	}

	perConversation := make(map[string]int, 4)
	busiest := 0
	for i := range in.Pending {
		id := in.Pending[i].ConversationID
		perConversation[id]++
		if perConversation[id] > busiest {
			busiest = perConversation[id]
		}
	}
	if busiest < minConversation {
		return Decision{Reason: fmt.Sprintf("no conversation with %d+ messages (busiest has %d)", minConversation, busiest)}
	}

	if human {
		return Decision{Fire: true, Reason: fmt.Sprintf("human participant active, %d pending", len(in.Pending))}
	}
	return Decision{Fire: true, Reason: fmt.Sprintf("%d pending across %d conversations, busiest has %d", len(in.Pending), len(perConversation), busiest)}
}
