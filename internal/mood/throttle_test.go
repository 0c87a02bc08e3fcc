package mood

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestThrottle() (*Throttle, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	return NewThrottle(EngagementMetrics{}, clk), clk
}

func TestThrottle_FreshAllowsPrompt(t *testing.T) {
	th, _ := newTestThrottle()
	assert.False(t, th.ShouldThrottle())
	assert.Equal(t, 0.0, th.Level())
	assert.Equal(t, 0, th.PromptDelayMinutes())
	assert.True(t, th.CanShowPrompt())
}

func TestThrottle_LevelNonDecreasingWithStreak(t *testing.T) {
	th, clk := newTestThrottle()
	prev := th.Level()
	for i := 0; i < 8; i++ {
		th.RecordPromptShown()
		th.RecordDismissal()
		clk.Advance(time.Hour)
		lvl := th.Level()
		assert.GreaterOrEqual(t, lvl, prev, "after %d dismissals", i+1)
		prev = lvl
	}
	assert.Equal(t, 1.0, prev)
}

func TestThrottle_LevelTable(t *testing.T) {
	past := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		m    EngagementMetrics
		want float64
	}{
		{"one recent dismissal", EngagementMetrics{TotalPromptsShown: 4, Dismissals: 1, ConsecutiveDismissals: 1}, 0.5},
		{"two in a row", EngagementMetrics{TotalPromptsShown: 10, Dismissals: 2, ConsecutiveDismissals: 2, LastDismissalAt: &past}, 0.8},
		{"three in a row", EngagementMetrics{TotalPromptsShown: 10, Dismissals: 3, ConsecutiveDismissals: 3, LastDismissalAt: &past}, 1.0},
		{"rate above half", EngagementMetrics{TotalPromptsShown: 10, Dismissals: 6, Acceptances: 4, LastDismissalAt: &past}, 0.7},
		{"rate above seventy", EngagementMetrics{TotalPromptsShown: 10, Dismissals: 8, Acceptances: 2, LastDismissalAt: &past}, 0.9},
		{"old single dismissal", EngagementMetrics{TotalPromptsShown: 10, Dismissals: 1, Acceptances: 9, LastDismissalAt: &past}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
			m := tt.m
			if m.LastDismissalAt == nil && m.Dismissals > 0 {
				recent := clk.now.Add(-5 * time.Minute)
				m.LastDismissalAt = &recent
			}
			th := NewThrottle(m, clk)
			assert.Equal(t, tt.want, th.Level())
		})
	}
}

func TestThrottle_AcceptanceResetsStreakOnly(t *testing.T) {
	th, clk := newTestThrottle()
	for i := 0; i < 3; i++ {
		th.RecordPromptShown()
		th.RecordDismissal()
	}
	require.Equal(t, 1.0, th.Level())

	m := th.RecordAcceptance()
	assert.Equal(t, 0, m.ConsecutiveDismissals)
	assert.Equal(t, 3, m.Dismissals)
	assert.Equal(t, 1, m.Acceptances)

	clk.Advance(time.Hour)
	// Three of four responses were dismissals, still above 0.7.
	assert.Equal(t, 0.9, th.Level())
	assert.True(t, th.ShouldThrottle())
}

func TestThrottle_LockoutAfterThreeDismissals(t *testing.T) {
	th, clk := newTestThrottle()
	for i := 0; i < 3; i++ {
		th.RecordPromptShown()
		th.RecordDismissal()
	}
	assert.Equal(t, 60, th.PromptDelayMinutes())

	clk.Advance(59*time.Minute + 59*time.Second)
	assert.False(t, th.CanShowPrompt())

	clk.Advance(time.Second)
	assert.True(t, th.CanShowPrompt())
}

func TestThrottle_CountersAreAtomic(t *testing.T) {
	th, _ := newTestThrottle()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); th.RecordDismissal() }()
		go func() { defer wg.Done(); th.RecordPromptShown() }()
	}
	wg.Wait()
	m := th.Metrics()
	assert.Equal(t, 100, m.Dismissals)
	assert.Equal(t, 100, m.TotalPromptsShown)
}

func TestThrottle_Reset(t *testing.T) {
	th, _ := newTestThrottle()
	th.RecordPromptShown()
	th.RecordDismissal()
	th.Reset()
	assert.Equal(t, EngagementMetrics{}, th.Metrics())
}

func TestDismissalRate(t *testing.T) {
	assert.Equal(t, 0.0, EngagementMetrics{}.DismissalRate())
	assert.Equal(t, 0.5, EngagementMetrics{TotalPromptsShown: 4, Dismissals: 2}.DismissalRate())
	// Dismissals recorded without a matching prompt still count.
	assert.Equal(t, 1.0, EngagementMetrics{Dismissals: 2}.DismissalRate())
}
