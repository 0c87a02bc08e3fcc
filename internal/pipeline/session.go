package pipeline

import (
	"sync"
	"time"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/clarify"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/mood"
)

// session is one entry of the arena. turn serializes whole Submit calls;
// mu guards the small bookkeeping fields and is never held across a
// suspending call.
type session struct {
	id       string
	turn     sync.Mutex
	clarify  *clarify.Gate
	throttle *mood.Throttle
	gate     *approval.Gate
	friction mood.FrictionLog

	mu            sync.Mutex
	lastActive    time.Time
	inputs        []time.Time
	postponements int
	mood          *mood.Inference
	history       []intent.Turn
	decisions     map[string]string // proposal id -> decision id
	lastDecided   string
}

func newSession(id string, exec approval.Executor, throttle *mood.Throttle, now time.Time) *session {
	return &session{
		id:         id,
		clarify:    clarify.NewGate(),
		throttle:   throttle,
		gate:       approval.NewGate(exec),
		lastActive: now,
		decisions:  make(map[string]string),
	}
}

// touch marks activity; input also counts toward the input rate.
func (s *session) touch(now time.Time, input bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
	if !input {
		return
	}
	cutoff := now.Add(-inputRateWindow)
	kept := s.inputs[:0]
	for _, t := range s.inputs {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.inputs = append(kept, now)
}

func (s *session) lastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// inputRate is inputs per minute over the recent window.
func (s *session) inputRate(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-inputRateWindow)
	n := 0
	for _, t := range s.inputs {
		if t.After(cutoff) {
			n++
		}
	}
	return float64(n) / inputRateWindow.Minutes()
}

func (s *session) postponementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postponements
}

func (s *session) setMood(inf mood.Inference) {
	s.mu.Lock()
	s.mood = &inf
	s.mu.Unlock()
}

func (s *session) currentMood() (mood.Inference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mood == nil {
		return mood.Inference{}, false
	}
	return *s.mood, true
}

func (s *session) addHistory(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, intent.Turn{Role: role, Content: content})
	if over := len(s.history) - maxHistory; over > 0 {
		s.history = append([]intent.Turn(nil), s.history[over:]...)
	}
}

func (s *session) historySnapshot() []intent.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]intent.Turn(nil), s.history...)
}

func (s *session) bindDecision(proposalID, decisionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[proposalID] = decisionID
	s.lastDecided = decisionID
}

// unbindDecision forgets and returns the decision of proposalID.
func (s *session) unbindDecision(proposalID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.decisions[proposalID]
	delete(s.decisions, proposalID)
	return id
}

func (s *session) lastDecision() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDecided
}
