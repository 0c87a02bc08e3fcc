// Package normalize turns raw captured text (typed or transcribed) into the
// canonical forms the rest of the pipeline reasons about.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is how an input was captured.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
)

// IsValid reports whether k is a known capture kind.
func (k Kind) IsValid() bool {
	return k == KindText || k == KindVoice
}

// Input is one captured user utterance. It is never mutated after creation.
type Input struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewInput captures content as a new Input. An unknown kind is treated as text.
func NewInput(kind Kind, content string, metadata map[string]string) Input {
	if !kind.IsValid() {
		kind = KindText
	}
	var meta map[string]string
	if len(metadata) > 0 {
		meta = make(map[string]string, len(metadata))
		for k, v := range metadata {
			meta[k] = v
		}
	}
	return Input{
		ID:        uuid.New().String(),
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Spoken fillers are dropped from transcripts before matching.
	fillerRe = regexp.MustCompile(`\b(um+|uh+|erm|hmm+)\b[,]?`)

	quoteReplacer = strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", `"`, "”", `"`,
		"–", "-", "—", "-",
	)
)

// Normalize returns the canonical lowercase form of raw: typographic quotes
// folded to ASCII, fillers removed, whitespace collapsed.
func Normalize(raw string) string {
	s := strings.ToLower(quoteReplacer.Replace(raw))
	s = fillerRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var (
	bulletRe = regexp.MustCompile(`^\s*(?:[-*\x{2022}]|\d+[.)])\s+`)
	// A terminator only ends a clause when followed by whitespace or the end
	// of the line, so "3.30pm" and "v1.2" stay whole.
	terminatorRe = regexp.MustCompile(`[.!?;]+(?:\s+|$)`)
	thenRe       = regexp.MustCompile(`(?i)\s+and (?:then|also)\s+`)
	leadingRe    = regexp.MustCompile(`(?i)^(?:also|then|and)\s+`)
)

// SplitClauses breaks a multi-clause dump ("buy milk. call mom at 5; also
// book dentist") into candidate clauses. Case is preserved; callers normalize
// each clause as needed. Empty clauses are dropped.
func SplitClauses(raw string) []string {
	var clauses []string
	for _, line := range strings.Split(quoteReplacer.Replace(raw), "\n") {
		line = bulletRe.ReplaceAllString(line, "")
		for _, sentence := range terminatorRe.Split(line, -1) {
			for _, part := range thenRe.Split(sentence, -1) {
				part = strings.TrimSpace(whitespaceRe.ReplaceAllString(part, " "))
				part = leadingRe.ReplaceAllString(part, "")
				if part != "" {
					clauses = append(clauses, part)
				}
			}
		}
	}
	return clauses
}
