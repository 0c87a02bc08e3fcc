// Package usage aggregates raw usage events into the slowly changing
// UsagePattern read by mood inference and the classifier prompt.
package usage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/aide/internal/mood"
	"github.com/kalambet/aide/internal/storage"
)

// Event kinds recorded by the pipeline and executors.
const (
	KindInput           = "input"
	KindCreated         = "created"
	KindCompleted       = "completed"
	KindFriction        = "friction"
	KindPromptDismissed = "prompt_dismissed"
	KindPromptAccepted  = "prompt_accepted"
)

const (
	// Window is how far back events count toward the pattern.
	Window = 30 * 24 * time.Hour
	// sessionGap splits the event stream into working sessions.
	sessionGap = 30 * time.Minute
	// Completion rate stays at 1 until enough tasks exist to judge it.
	minCompletionSample = 5
	peakHourCount       = 3
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	RecordUsageEvent(ev storage.UsageEvent) error
	ListUsageEvents(sessionID string, since time.Time) ([]storage.UsageEvent, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	pattern *mood.UsagePattern
	at      time.Time
}

// Manager provides cached per-session usage patterns.
type Manager struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Record stores one event and invalidates the session's cached pattern.
func (m *Manager) Record(sessionID, kind, entityID string) error {
	ev := storage.UsageEvent{SessionID: sessionID, Kind: kind, EntityID: entityID, CreatedAt: m.clock.Now()}
	if err := m.store.RecordUsageEvent(ev); err != nil {
		return fmt.Errorf("recording usage event %q: %w", kind, err)
	}
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
	return nil
}

// Pattern returns the session's usage pattern, or nil when nothing has been
// recorded in the window. The returned value is a copy.
func (m *Manager) Pattern(sessionID string) (*mood.UsagePattern, error) {
	now := m.clock.Now()

	m.mu.RLock()
	if c, ok := m.cache[sessionID]; ok && now.Before(c.at.Add(m.ttl)) {
		m.mu.RUnlock()
		return copyPattern(c.pattern), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cache[sessionID]; ok && now.Before(c.at.Add(m.ttl)) {
		return copyPattern(c.pattern), nil
	}

	events, err := m.store.ListUsageEvents(sessionID, now.Add(-Window))
	if err != nil {
		return nil, fmt.Errorf("loading usage events: %w", err)
	}
	p := Aggregate(events)
	m.cache[sessionID] = cacheEntry{pattern: p, at: now}
	return copyPattern(p), nil
}

// Summary renders the pattern as a short line for the classifier prompt.
// It is empty when there is no pattern yet.
func (m *Manager) Summary(sessionID string) (string, error) {
	p, err := m.Pattern(sessionID)
	if err != nil {
		return "", fmt.Errorf("getting usage pattern for summary: %w", err)
	}
	return Summarize(p), nil
}

// Aggregate derives a UsagePattern from events in chronological order.
func Aggregate(events []storage.UsageEvent) *mood.UsagePattern {
	if len(events) == 0 {
		return nil
	}

	var (
		created, completed   int
		inputs               int
		dismissed, accepted  int
		hourCounts           [24]int
		sessionTotal         time.Duration
		sessions             int
		sessionStart, lastAt time.Time
	)
	friction := make(map[string]bool)

	for i, ev := range events {
		switch ev.Kind {
		case KindInput:
			inputs++
			hourCounts[ev.CreatedAt.Hour()]++
		case KindCreated:
			created++
		case KindCompleted:
			completed++
		case KindFriction:
			if ev.EntityID != "" {
				friction[ev.EntityID] = true
			}
		case KindPromptDismissed:
			dismissed++
		case KindPromptAccepted:
			accepted++
		}

		if i == 0 {
			sessionStart = ev.CreatedAt
		} else if ev.CreatedAt.Sub(lastAt) > sessionGap {
			sessionTotal += lastAt.Sub(sessionStart)
			sessions++
			sessionStart = ev.CreatedAt
		}
		lastAt = ev.CreatedAt
	}
	sessionTotal += lastAt.Sub(sessionStart)
	sessions++

	p := &mood.UsagePattern{
		AverageSessionLength: sessionTotal / time.Duration(sessions),
		PeakHours:            peakHours(hourCounts),
		TaskCompletionRate:   1,
	}
	if created >= minCompletionSample {
		p.TaskCompletionRate = float64(completed) / float64(created)
		if p.TaskCompletionRate > 1 {
			p.TaskCompletionRate = 1
		}
	}

	days := lastAt.Sub(events[0].CreatedAt).Hours() / 24
	if days < 1 {
		days = 1
	}
	p.InputFrequency = float64(inputs) / days

	for id := range friction {
		p.FrictionPoints = append(p.FrictionPoints, id)
	}
	sort.Strings(p.FrictionPoints)

	switch {
	case dismissed > accepted:
		p.PreferredInteractionStyle = "concise"
	case accepted > dismissed:
		p.PreferredInteractionStyle = "guided"
	default:
		p.PreferredInteractionStyle = "balanced"
	}
	return p
}

// peakHours returns up to three busiest hours, busiest first, ties by hour.
func peakHours(counts [24]int) []int {
	var hours []int
	for h, n := range counts {
		if n > 0 {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return counts[hours[i]] > counts[hours[j]]
	})
	if len(hours) > peakHourCount {
		hours = hours[:peakHourCount]
	}
	return hours
}

// Summarize renders p for prompt injection.
func Summarize(p *mood.UsagePattern) string {
	if p == nil {
		return ""
	}
	parts := []string{
		fmt.Sprintf("completes %.0f%% of tasks", p.TaskCompletionRate*100),
		fmt.Sprintf("about %.0f inputs a day", p.InputFrequency),
	}
	if len(p.PeakHours) > 0 {
		hs := make([]string, len(p.PeakHours))
		for i, h := range p.PeakHours {
			hs[i] = fmt.Sprintf("%02d:00", h)
		}
		parts = append(parts, "busiest around "+strings.Join(hs, ", "))
	}
	if p.PreferredInteractionStyle != "" {
		parts = append(parts, "prefers "+p.PreferredInteractionStyle+" replies")
	}
	return "User " + strings.Join(parts, "; ") + "."
}

func copyPattern(p *mood.UsagePattern) *mood.UsagePattern {
	if p == nil {
		return nil
	}
	c := *p
	c.PeakHours = append([]int(nil), p.PeakHours...)
	c.FrictionPoints = append([]string(nil), p.FrictionPoints...)
	return &c
}
