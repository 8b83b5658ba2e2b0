package llm

import (
	"strings"
	"unicode"
)

// CollapseSpace folds all whitespace runs into single spaces and trims.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripWrapping removes the packaging models like to add around prose:
// code fences, stray backticks, and surrounding quotes.
func StripWrapping(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "```", "")
	s = strings.Trim(s, "`")
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"“”`)
	return strings.TrimSpace(s)
}

// Boilerplate openers models prepend despite instructions.
var labelPrefixes = []string{
	"here is the updated summary:",
	"here's the updated summary:",
	"here is the summary:",
	"here's the summary:",
	"here is the passage:",
	"updated summary:",
	"final summary:",
	"summary:",
	"passage:",
	"narrative:",
}

// StripLabel drops a leading boilerplate label like "Summary:" from model
// output.
func StripLabel(s string) string {
	trimmed := strings.TrimSpace(s)
	lower := strings.ToLower(trimmed)
	for _, p := range labelPrefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(trimmed[len(p):])
		}
	}
	return trimmed
}

func isSentenceCloser(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', ')', ']':
		return true
	}
	return false
}

// SplitSentences splits prose on terminal punctuation, keeping the
// terminator and any closing quote with its sentence. A lowercase
// continuation after the terminator ("...!" she cried.) does not end the
// sentence. Naive on purpose: model output is short and abbreviation-free
// enough for this.
func SplitSentences(s string) []string {
	var out []string
	runes := []rune(s)
	start, i := 0, 0
	for i < len(runes) {
		r := runes[i]
		if r == '.' || r == '!' || r == '?' {
			end := i + 1
			for end < len(runes) && isSentenceCloser(runes[end]) {
				end++
			}
			next := end
			for next < len(runes) && unicode.IsSpace(runes[next]) {
				next++
			}
			if next < len(runes) && unicode.IsLower(runes[next]) {
				i = end
				continue
			}
			if seg := strings.TrimSpace(string(runes[start:end])); seg != "" {
				out = append(out, seg)
			}
			start, i = end, end
			continue
		}
		i++
	}
	if seg := strings.TrimSpace(string(runes[start:])); seg != "" {
		out = append(out, seg)
	}
	return out
}

// ClampSentences keeps at most n sentences.
func ClampSentences(s string, n int) string {
	if n < 1 {
		return ""
	}
	sentences := SplitSentences(s)
	if len(sentences) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(sentences[:n], " ")
}

// OpeningSentences returns the first n sentences of a text.
func OpeningSentences(s string, n int) string {
	if n < 1 {
		return ""
	}
	sentences := SplitSentences(s)
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	return strings.Join(sentences, " ")
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// ClampWords cuts a text to at most n words, closing it with a period if
// the cut left it unterminated.
func ClampWords(s string, n int) string {
	if n < 1 {
		return ""
	}
	fields := strings.Fields(s)
	if len(fields) <= n {
		return CollapseSpace(s)
	}
	out := strings.Join(fields[:n], " ")
	out = strings.TrimRight(out, ",;:—-")
	if !strings.ContainsAny(out[len(out)-1:], ".!?") {
		out += "."
	}
	return out
}

// SanitizePassage normalizes a generated passage to clean one-or-two
// sentence prose.
func SanitizePassage(s string) string {
	return ClampSentences(CollapseSpace(StripLabel(StripWrapping(s))), 2)
}

// SanitizeSummary normalizes generated summary prose under a word budget.
func SanitizeSummary(s string, maxWords int) string {
	return ClampWords(CollapseSpace(StripLabel(StripWrapping(s))), maxWords)
}

// EnsureOpening guarantees a rewrite still starts with the protected
// opening; when the model dropped it, the opening is stitched back on.
func EnsureOpening(text, opening string) string {
	opening = CollapseSpace(opening)
	if opening == "" {
		return text
	}
	if strings.HasPrefix(CollapseSpace(text), opening) {
		return text
	}
	return opening + " " + strings.TrimSpace(text)
}
