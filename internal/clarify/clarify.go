// Package clarify decides when a single follow-up question is worth asking.
// Each session owns one Gate and may be asked at most one question for its
// whole lifetime.
package clarify

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/confidence"
	"github.com/kalambet/aide/internal/intent"
)

// Ambiguity is the reason a reading is too uncertain to act on.
type Ambiguity string

const (
	AmbiguityNone       Ambiguity = ""
	AmbiguityType       Ambiguity = "type"
	AmbiguityEventTime  Ambiguity = "event_time"
	AmbiguityEmptyTitle Ambiguity = "empty_title"
)

// Question is a clarification surfaced to the user.
type Question struct {
	ID       string    `json:"id"`
	Question string    `json:"question"`
	Context  string    `json:"context"`
	Blocking bool      `json:"blocking"`
	IssuedAt time.Time `json:"issued_at"`
}

// Gate tracks the question budget of one session. It is safe for concurrent use.
type Gate struct {
	mu    sync.Mutex
	asked int
}

// NewGate returns a Gate with its budget intact.
func NewGate() *Gate {
	return &Gate{}
}

// Classify returns the blocking ambiguity of m, if any. Low confidence
// alone is not enough: the reading has to be unusable as is.
func Classify(m intent.ExtractedMeaning) Ambiguity {
	if m.Confidence >= confidence.ClarifyThreshold {
		return AmbiguityNone
	}
	switch {
	case len(strings.TrimSpace(m.Title)) < 3:
		return AmbiguityEmptyTitle
	case m.Type == intent.MeaningEvent && !m.HasDate && !m.HasTime:
		return AmbiguityEventTime
	default:
		return AmbiguityType
	}
}

// NeedsClarification reports whether m warrants the session's one question.
// It returns false once the budget is spent.
func (g *Gate) NeedsClarification(m intent.ExtractedMeaning) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.asked == 0 && Classify(m) != AmbiguityNone
}

// GenerateQuestion issues the session's question for m, or returns nil when
// none is warranted or the budget is already spent.
func (g *Gate) GenerateQuestion(m intent.ExtractedMeaning) *Question {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.asked > 0 {
		return nil
	}
	amb := Classify(m)
	if amb == AmbiguityNone {
		return nil
	}
	g.asked++
	return &Question{
		ID:       uuid.New().String(),
		Question: phrase(amb, m),
		Context:  m.Title,
		Blocking: true,
		IssuedAt: time.Now().UTC(),
	}
}

// IssueQuestion spends the budget on a question phrased elsewhere, such as
// a follow-up proposed by the classification service. Returns nil when the
// budget is already spent.
func (g *Gate) IssueQuestion(text, context string) *Question {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.asked > 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	g.asked++
	return &Question{
		ID:       uuid.New().String(),
		Question: text,
		Context:  context,
		Blocking: true,
		IssuedAt: time.Now().UTC(),
	}
}

// Asked returns how many questions this session has issued (0 or 1).
func (g *Gate) Asked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.asked
}

// Reset restores the budget. Only a new session should call it.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.asked = 0
	g.mu.Unlock()
}

func phrase(amb Ambiguity, m intent.ExtractedMeaning) string {
	switch amb {
	case AmbiguityEmptyTitle:
		return "What should I call it?"
	case AmbiguityEventTime:
		return "When is " + quoteTitle(m.Title) + "?"
	default:
		return "What would you like me to do with " + quoteTitle(m.Title) + ": add a task, schedule an event, or keep a note?"
	}
}

func quoteTitle(t string) string {
	if t == "" {
		return "that"
	}
	return `"` + t + `"`
}
