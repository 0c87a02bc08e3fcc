// Package ledger is the bounded audit log of every decision the assistant
// makes: what it inferred, what it considered, what it chose and why, and
// what happened when it acted.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/confidence"
)

var (
	ErrNotFound        = errors.New("decision not found")
	ErrAlreadyExecuted = errors.New("decision already marked executed")
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 1000

// Alternative is an action that was considered and not chosen.
type Alternative struct {
	Action         string  `json:"action"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	WhyNotSelected string  `json:"why_not_selected,omitempty"`
}

// ExecutionResult is the recorded outcome of acting on a decision.
type ExecutionResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
}

// Entry is one decision. It is created unexecuted at proposal time and
// changes at most once, through MarkExecuted.
type Entry struct {
	ID                  string           `json:"id"`
	Timestamp           time.Time        `json:"timestamp"`
	SessionID           string           `json:"session_id,omitempty"`
	ProposalID          string           `json:"proposal_id,omitempty"`
	TriggerInput        string           `json:"trigger_input"`
	TriggerType         string           `json:"trigger_type"`
	InferredIntent      string           `json:"inferred_intent"`
	ConfidenceScore     float64          `json:"confidence_score"`
	Alternatives        []Alternative    `json:"alternatives_considered,omitempty"`
	SelectedAction      string           `json:"selected_action"`
	SelectionReasoning  string           `json:"selection_reasoning"`
	Executed            bool             `json:"executed"`
	ExecutedAt          *time.Time       `json:"executed_at,omitempty"`
	ExecutionResult     *ExecutionResult `json:"execution_result,omitempty"`
	ExecutionError      string           `json:"execution_error,omitempty"`
	AuditLogID          string           `json:"audit_log_id,omitempty"`
	MoodContext         string           `json:"mood_context,omitempty"`
	UsagePatternContext string           `json:"usage_pattern_context,omitempty"`
	RelatedEntityIDs    []string         `json:"related_entity_ids,omitempty"`
	RelatedDecisionIDs  []string         `json:"related_decision_ids,omitempty"`
}

func (e Entry) clone() Entry {
	c := e
	c.Alternatives = append([]Alternative(nil), e.Alternatives...)
	c.RelatedEntityIDs = append([]string(nil), e.RelatedEntityIDs...)
	c.RelatedDecisionIDs = append([]string(nil), e.RelatedDecisionIDs...)
	if e.ExecutedAt != nil {
		t := *e.ExecutedAt
		c.ExecutedAt = &t
	}
	if e.ExecutionResult != nil {
		r := *e.ExecutionResult
		c.ExecutionResult = &r
	}
	return c
}

// Sink mirrors ledger changes to durable storage. Calls are made while the
// ledger lock is held, in the order the changes happen.
type Sink interface {
	SaveDecision(e Entry) error
	UpdateDecision(e Entry) error
	DeleteDecisions(ids []string) error
}

// Clock is the ledger's time source.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink mirrors every change to s.
func WithSink(s Sink) Option { return func(l *Ledger) { l.sink = s } }

// WithClock overrides the time source.
func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

// Ledger is an in-memory, capacity-bounded decision log. Entries are kept
// sorted by timestamp; the oldest are evicted first.
type Ledger struct {
	capacity int
	sink     Sink
	clock    Clock

	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

// New creates a Ledger holding at most capacity entries. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int, opts ...Option) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{capacity: capacity, clock: realClock{}, byID: make(map[string]int)}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Capacity returns the configured maximum size.
func (l *Ledger) Capacity() int { return l.capacity }

// Log records e as a new unexecuted decision, filling ID and Timestamp when
// empty. The sink is written before Log returns, so a caller that executes
// afterwards always leaves an auditable record behind.
func (l *Ledger) Log(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now().UTC()
	}
	e.Executed = false
	e.ExecutedAt = nil
	e.ExecutionResult = nil
	e.ExecutionError = ""
	e.ConfidenceScore = confidence.Clamp(e.ConfidenceScore)
	e = e.clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byID[e.ID]; dup {
		return Entry{}, fmt.Errorf("logging decision %s: duplicate id", e.ID)
	}
	if l.sink != nil {
		if err := l.sink.SaveDecision(e); err != nil {
			return Entry{}, fmt.Errorf("saving decision: %w", err)
		}
	}
	l.insertLocked(e)
	l.evictLocked()
	return e.clone(), nil
}

// Restore loads previously persisted entries without writing them back to
// the sink. Entries beyond capacity are dropped oldest first.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if _, dup := l.byID[e.ID]; dup {
			continue
		}
		l.insertLocked(e.clone())
	}
	l.evictLocked()
}

func (l *Ledger) insertLocked(e Entry) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp.After(e.Timestamp)
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
	l.reindexLocked(i)
}

func (l *Ledger) reindexLocked(from int) {
	for i := from; i < len(l.entries); i++ {
		l.byID[l.entries[i].ID] = i
	}
}

func (l *Ledger) evictLocked() {
	over := len(l.entries) - l.capacity
	if over <= 0 {
		return
	}
	ids := make([]string, over)
	for i := 0; i < over; i++ {
		ids[i] = l.entries[i].ID
		delete(l.byID, ids[i])
	}
	l.entries = append([]Entry(nil), l.entries[over:]...)
	l.reindexLocked(0)

	if l.sink != nil {
		if err := l.sink.DeleteDecisions(ids); err != nil {
			slog.Warn("failed to delete evicted decisions", "count", len(ids), "error", err)
		}
	}
	slog.Debug("ledger evicted oldest decisions", "count", over)
}

// MarkExecuted records the outcome of acting on decision id. It is the only
// way an entry changes and may be applied once.
func (l *Ledger) MarkExecuted(id string, result ExecutionResult, execErr string, auditLogID string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i, ok := l.byID[id]
	if !ok {
		return Entry{}, fmt.Errorf("marking %s: %w", id, ErrNotFound)
	}
	e := l.entries[i].clone()
	if e.Executed {
		return Entry{}, fmt.Errorf("marking %s: %w", id, ErrAlreadyExecuted)
	}
	now := l.clock.Now().UTC()
	e.Executed = true
	e.ExecutedAt = &now
	e.ExecutionResult = &result
	e.ExecutionError = execErr
	e.AuditLogID = auditLogID

	if l.sink != nil {
		if err := l.sink.UpdateDecision(e); err != nil {
			return Entry{}, fmt.Errorf("updating decision: %w", err)
		}
	}
	l.entries[i] = e
	return e.clone(), nil
}

// Get returns the entry with the given id.
func (l *Ledger) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return l.entries[i].clone(), nil
}

// Len returns the number of held entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter selects entries. Zero fields do not filter. Results are newest
// first and capped at Limit when positive.
type Filter struct {
	SessionID     string
	EntityID      string
	MaxConfidence *float64
	From, To      time.Time
	Limit         int
}

// Query returns entries matching f.
func (l *Ledger) Query(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.EntityID != "" && !contains(e.RelatedEntityIDs, f.EntityID) {
			continue
		}
		if f.MaxConfidence != nil && e.ConfidenceScore >= *f.MaxConfidence {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e.clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// ByEntity returns decisions that reference entityID, newest first.
func (l *Ledger) ByEntity(entityID string) []Entry {
	return l.Query(Filter{EntityID: entityID})
}

// Recent returns the n newest decisions.
func (l *Ledger) Recent(n int) []Entry {
	if n <= 0 {
		return nil
	}
	return l.Query(Filter{Limit: n})
}

// BelowConfidence returns decisions scored strictly below threshold.
func (l *Ledger) BelowConfidence(threshold float64) []Entry {
	return l.Query(Filter{MaxConfidence: &threshold})
}

// Between returns decisions with from <= timestamp <= to.
func (l *Ledger) Between(from, to time.Time) []Entry {
	return l.Query(Filter{From: from, To: to})
}

// Explain renders entry id for a human. The text is built only from the
// entry's own fields, so it reads the same every time.
func (l *Ledger) Explain(id string) (string, error) {
	e, err := l.Get(id)
	if err != nil {
		return "", err
	}
	return Explain(e), nil
}

// Explain renders e as a multi-line explanation.
func Explain(e Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Decision %s at %s\n", e.ID, e.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "You said (%s): %s\n", e.TriggerType, e.TriggerInput)
	fmt.Fprintf(&sb, "I understood: %s\n", e.InferredIntent)
	fmt.Fprintf(&sb, "Confidence: %s\n", confidence.Format(e.ConfidenceScore))
	fmt.Fprintf(&sb, "Chosen action: %s\n", e.SelectedAction)
	fmt.Fprintf(&sb, "Why: %s\n", e.SelectionReasoning)
	for _, a := range e.Alternatives {
		fmt.Fprintf(&sb, "Also considered: %s (%s): %s", a.Action, confidence.Format(a.Confidence), a.Reasoning)
		if a.WhyNotSelected != "" {
			fmt.Fprintf(&sb, "; not chosen because %s", a.WhyNotSelected)
		}
		sb.WriteByte('\n')
	}
	if e.MoodContext != "" {
		fmt.Fprintf(&sb, "Mood: %s\n", e.MoodContext)
	}
	if e.UsagePatternContext != "" {
		fmt.Fprintf(&sb, "Usage: %s\n", e.UsagePatternContext)
	}
	switch {
	case !e.Executed:
		sb.WriteString("Outcome: not executed\n")
	case e.ExecutionResult != nil && e.ExecutionResult.Success:
		fmt.Fprintf(&sb, "Outcome: done at %s", e.ExecutedAt.UTC().Format(time.RFC3339))
		if e.ExecutionResult.Message != "" {
			fmt.Fprintf(&sb, ": %s", e.ExecutionResult.Message)
		}
		sb.WriteByte('\n')
	default:
		fmt.Fprintf(&sb, "Outcome: failed at %s: %s\n", e.ExecutedAt.UTC().Format(time.RFC3339), e.ExecutionError)
	}
	if len(e.RelatedEntityIDs) > 0 {
		fmt.Fprintf(&sb, "Related items: %s\n", strings.Join(e.RelatedEntityIDs, ", "))
	}
	if len(e.RelatedDecisionIDs) > 0 {
		fmt.Fprintf(&sb, "Related decisions: %s\n", strings.Join(e.RelatedDecisionIDs, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
