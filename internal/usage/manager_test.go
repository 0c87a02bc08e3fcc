package usage

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu        sync.Mutex
	events    []storage.UsageEvent
	listCalls int
	failList  bool
}

func (m *mockStore) RecordUsageEvent(ev storage.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockStore) ListUsageEvents(sessionID string, since time.Time) ([]storage.UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failList {
		return nil, errors.New("db closed")
	}
	var out []storage.UsageEvent
	for _, ev := range m.events {
		if ev.SessionID == sessionID && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestPattern_NilWithoutEvents(t *testing.T) {
	m := NewManagerWithClock(&mockStore{}, &mockClock{now: t0}, time.Minute)
	p, err := m.Pattern("s-1")
	if err != nil {
		t.Fatalf("Pattern: %v", err)
	}
	if p != nil {
		t.Errorf("Pattern = %+v, want nil", p)
	}
}

func TestPattern_CachedUntilTTLOrRecord(t *testing.T) {
	store := &mockStore{}
	clock := &mockClock{now: t0}
	m := NewManagerWithClock(store, clock, time.Minute)

	if err := m.Record("s-1", KindInput, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	m.Pattern("s-1")
	m.Pattern("s-1")
	if store.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 (second call cached)", store.listCalls)
	}

	clock.Advance(2 * time.Minute)
	m.Pattern("s-1")
	if store.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2 after TTL", store.listCalls)
	}

	m.Record("s-1", KindInput, "")
	m.Pattern("s-1")
	if store.listCalls != 3 {
		t.Errorf("listCalls = %d, want 3 after Record invalidation", store.listCalls)
	}
}

func TestPattern_StoreError(t *testing.T) {
	m := NewManagerWithClock(&mockStore{failList: true}, &mockClock{now: t0}, time.Minute)
	if _, err := m.Pattern("s-1"); err == nil {
		t.Fatal("expected error from failing store")
	}
}

func TestPattern_ReturnsCopy(t *testing.T) {
	store := &mockStore{}
	clock := &mockClock{now: t0}
	m := NewManagerWithClock(store, clock, time.Minute)
	m.Record("s-1", KindInput, "")

	p, _ := m.Pattern("s-1")
	p.PeakHours[0] = 23
	again, _ := m.Pattern("s-1")
	if again.PeakHours[0] != 9 {
		t.Errorf("cached pattern mutated through returned copy: %v", again.PeakHours)
	}
}

func ev(kind, entity string, at time.Time) storage.UsageEvent {
	return storage.UsageEvent{SessionID: "s-1", Kind: kind, EntityID: entity, CreatedAt: at}
}

func TestAggregate(t *testing.T) {
	events := []storage.UsageEvent{
		// Session one: 20 minutes.
		ev(KindInput, "", t0),
		ev(KindCreated, "t-1", t0.Add(time.Minute)),
		ev(KindCreated, "t-2", t0.Add(2*time.Minute)),
		ev(KindCreated, "t-3", t0.Add(3*time.Minute)),
		ev(KindInput, "", t0.Add(10*time.Minute)),
		ev(KindFriction, "t-1", t0.Add(15*time.Minute)),
		ev(KindPromptDismissed, "", t0.Add(20*time.Minute)),
		// Session two after a long gap: 10 minutes.
		ev(KindInput, "", t0.Add(5*time.Hour)),
		ev(KindCreated, "t-4", t0.Add(5*time.Hour+time.Minute)),
		ev(KindCreated, "t-5", t0.Add(5*time.Hour+2*time.Minute)),
		ev(KindCompleted, "t-1", t0.Add(5*time.Hour+3*time.Minute)),
		ev(KindFriction, "t-1", t0.Add(5*time.Hour+4*time.Minute)),
		ev(KindFriction, "t-4", t0.Add(5*time.Hour+5*time.Minute)),
		ev(KindInput, "", t0.Add(5*time.Hour+10*time.Minute)),
	}

	p := Aggregate(events)
	if p == nil {
		t.Fatal("Aggregate returned nil")
	}
	if p.AverageSessionLength != 15*time.Minute {
		t.Errorf("AverageSessionLength = %v, want 15m", p.AverageSessionLength)
	}
	if p.TaskCompletionRate != 0.2 {
		t.Errorf("TaskCompletionRate = %v, want 0.2", p.TaskCompletionRate)
	}
	if !reflect.DeepEqual(p.PeakHours, []int{9, 14}) {
		t.Errorf("PeakHours = %v, want [9 14]", p.PeakHours)
	}
	if !reflect.DeepEqual(p.FrictionPoints, []string{"t-1", "t-4"}) {
		t.Errorf("FrictionPoints = %v", p.FrictionPoints)
	}
	if p.InputFrequency != 4 {
		t.Errorf("InputFrequency = %v, want 4 per day", p.InputFrequency)
	}
	if p.PreferredInteractionStyle != "concise" {
		t.Errorf("PreferredInteractionStyle = %q, want concise", p.PreferredInteractionStyle)
	}
}

// A handful of fresh tasks must not read as a poor completion rate.
func TestAggregate_SmallSampleCompletion(t *testing.T) {
	p := Aggregate([]storage.UsageEvent{
		ev(KindCreated, "t-1", t0),
		ev(KindCreated, "t-2", t0.Add(time.Minute)),
	})
	if p.TaskCompletionRate != 1 {
		t.Errorf("TaskCompletionRate = %v, want 1 below sample size", p.TaskCompletionRate)
	}
	if p.PreferredInteractionStyle != "balanced" {
		t.Errorf("PreferredInteractionStyle = %q, want balanced", p.PreferredInteractionStyle)
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize(nil); got != "" {
		t.Errorf("Summarize(nil) = %q, want empty", got)
	}
	p := Aggregate([]storage.UsageEvent{ev(KindInput, "", t0), ev(KindPromptAccepted, "", t0.Add(time.Minute))})
	got := Summarize(p)
	for _, want := range []string{"completes 100% of tasks", "busiest around 09:00", "prefers guided replies"} {
		if !strings.Contains(got, want) {
			t.Errorf("Summarize = %q, missing %q", got, want)
		}
	}
}
