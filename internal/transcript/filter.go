package transcript

import "strings"

// Drop reasons reported by Filter.
const (
	ReasonEmpty    = "empty"
	ReasonDenylist = "denylist"
	ReasonAccepted = ""
)

// Filter rejects fragments the transcription model is known to produce
// during silence. It is meant to stay small: a phrase list, not a content
// policy.
type Filter struct {
	phrases []string
}

// NewFilter builds a filter over phrases, matched case-insensitively as substrings.
func NewFilter(phrases []string) *Filter {
	f := &Filter{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			f.phrases = append(f.phrases, p)
		}
	}
	return f
}

// Check returns the trimmed text and an empty reason when the fragment is
// accepted, otherwise the reason it was dropped.
func (f *Filter) Check(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ReasonEmpty
	}
	lower := strings.ToLower(text)
	for _, p := range f.phrases {
		if strings.Contains(lower, p) {
			return "", ReasonDenylist
		}
	}
	return text, ReasonAccepted
}
