package mood

import (
	"math"
	"sync"
	"time"
)

// Clock is the time source used by the throttle.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// EngagementMetrics counts how the user responded to assistant prompts.
type EngagementMetrics struct {
	TotalPromptsShown     int        `json:"total_prompts_shown"`
	Dismissals            int        `json:"dismissals"`
	Acceptances           int        `json:"acceptances"`
	ConsecutiveDismissals int        `json:"consecutive_dismissals"`
	LastPromptAt          *time.Time `json:"last_prompt_at,omitempty"`
	LastDismissalAt       *time.Time `json:"last_dismissal_at,omitempty"`
}

// DismissalRate is lifetime dismissals over prompts, or 0 before any prompt.
func (m EngagementMetrics) DismissalRate() float64 {
	denom := m.TotalPromptsShown
	if n := m.Dismissals + m.Acceptances; n > denom {
		denom = n
	}
	if denom == 0 {
		return 0
	}
	return float64(m.Dismissals) / float64(denom)
}

const recentDismissalWindow = 30 * time.Minute

// Throttle decides how long the assistant must wait before initiating
// another prompt. Counter updates are serialized so none are lost.
type Throttle struct {
	mu      sync.Mutex
	clock   Clock
	metrics EngagementMetrics
}

// NewThrottle creates a Throttle seeded with m. A nil clock uses wall time.
func NewThrottle(m EngagementMetrics, clock Clock) *Throttle {
	if clock == nil {
		clock = realClock{}
	}
	return &Throttle{clock: clock, metrics: m}
}

// RecordPromptShown counts a prompt and stamps LastPromptAt.
func (t *Throttle) RecordPromptShown() EngagementMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.metrics.TotalPromptsShown++
	t.metrics.LastPromptAt = &now
	return t.metrics
}

// RecordDismissal counts a dismissal.
func (t *Throttle) RecordDismissal() EngagementMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.metrics.Dismissals++
	t.metrics.ConsecutiveDismissals++
	t.metrics.LastDismissalAt = &now
	return t.metrics
}

// RecordAcceptance counts an acceptance. It resets the consecutive streak
// but leaves lifetime totals alone.
func (t *Throttle) RecordAcceptance() EngagementMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Acceptances++
	t.metrics.ConsecutiveDismissals = 0
	return t.metrics
}

// Reset clears all counters. Only an explicit user request should reach here.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.metrics = EngagementMetrics{}
	t.mu.Unlock()
}

// Metrics returns a snapshot of the counters.
func (t *Throttle) Metrics() EngagementMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// ShouldThrottle reports whether prompting should back off at all.
func (t *Throttle) ShouldThrottle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldThrottle()
}

func (t *Throttle) shouldThrottle() bool {
	m := t.metrics
	if m.ConsecutiveDismissals >= 2 || m.DismissalRate() > 0.5 {
		return true
	}
	return m.LastDismissalAt != nil && t.clock.Now().Sub(*m.LastDismissalAt) < recentDismissalWindow
}

// Level returns the throttle strength in [0,1]. It is the highest value of
// every condition that applies, so it never drops while a streak grows.
func (t *Throttle) Level() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level()
}

func (t *Throttle) level() float64 {
	m := t.metrics
	rate := m.DismissalRate()
	level := 0.0
	raise := func(v float64) {
		if v > level {
			level = v
		}
	}
	if t.shouldThrottle() {
		raise(0.5)
	}
	if rate > 0.5 {
		raise(0.7)
	}
	if rate > 0.7 {
		raise(0.9)
	}
	if m.ConsecutiveDismissals >= 2 {
		raise(0.8)
	}
	if m.ConsecutiveDismissals >= 3 {
		raise(1.0)
	}
	return level
}

// PromptDelayMinutes is the minimum wait after the last prompt.
func (t *Throttle) PromptDelayMinutes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return delayMinutes(t.level())
}

func delayMinutes(level float64) int {
	return int(math.Round(level * 60))
}

// CanShowPrompt reports whether enough time has passed since the last prompt.
func (t *Throttle) CanShowPrompt() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metrics.LastPromptAt == nil {
		return true
	}
	delay := time.Duration(delayMinutes(t.level())) * time.Minute
	return t.clock.Now().Sub(*t.metrics.LastPromptAt) >= delay
}
