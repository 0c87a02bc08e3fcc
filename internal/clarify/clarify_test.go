package clarify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/aide/internal/intent"
)

func TestPlanSomething_AsksOnce(t *testing.T) {
	g := NewGate()
	m := intent.ExtractMeaning("plan something")

	require.True(t, g.NeedsClarification(m))
	q := g.GenerateQuestion(m)
	require.NotNil(t, q)
	assert.True(t, q.Blocking)
	assert.NotEmpty(t, q.ID)
	assert.Contains(t, q.Question, "plan something")

	second := intent.ExtractMeaning("do stuff")
	assert.False(t, g.NeedsClarification(second))
	assert.Nil(t, g.GenerateQuestion(second))
	assert.Equal(t, 1, g.Asked())
}

func TestConfidentInput_NoQuestion(t *testing.T) {
	g := NewGate()
	m := intent.ExtractMeaning("call the plumber at 9am")
	assert.False(t, g.NeedsClarification(m))
	assert.Nil(t, g.GenerateQuestion(m))
	assert.Equal(t, 0, g.Asked())
}

func TestShortConfidentTitle_NotBlocking(t *testing.T) {
	m := intent.ExtractedMeaning{Type: intent.MeaningNote, Title: "ok", Confidence: 0.6}
	assert.Equal(t, AmbiguityNone, Classify(m))
}

func TestClassify_Kinds(t *testing.T) {
	tests := []struct {
		name string
		m    intent.ExtractedMeaning
		want Ambiguity
	}{
		{"empty title", intent.ExtractedMeaning{Title: "", Confidence: 0.2}, AmbiguityEmptyTitle},
		{"event without time", intent.ExtractedMeaning{Type: intent.MeaningEvent, Title: "sync", Confidence: 0.3}, AmbiguityEventTime},
		{"event with date", intent.ExtractedMeaning{Type: intent.MeaningEvent, Title: "sync", HasDate: true, Confidence: 0.3}, AmbiguityType},
		{"low confidence note", intent.ExtractedMeaning{Type: intent.MeaningNote, Title: "plan something", Confidence: 0.3}, AmbiguityType},
		{"at threshold", intent.ExtractedMeaning{Type: intent.MeaningNote, Title: "x", Confidence: 0.4}, AmbiguityNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.m))
		})
	}
}

func TestIssueQuestion_SharesBudget(t *testing.T) {
	g := NewGate()
	q := g.IssueQuestion("Which report?", "send the report")
	require.NotNil(t, q)
	assert.Equal(t, "Which report?", q.Question)

	assert.Nil(t, g.IssueQuestion("Another?", ""))
	assert.Nil(t, g.GenerateQuestion(intent.ExtractMeaning("plan something")))
}

func TestReset(t *testing.T) {
	g := NewGate()
	m := intent.ExtractMeaning("plan something")
	require.NotNil(t, g.GenerateQuestion(m))
	g.Reset()
	assert.NotNil(t, g.GenerateQuestion(m))
}

func TestAtMostOneQuestion_Concurrent(t *testing.T) {
	g := NewGate()
	m := intent.ExtractMeaning("plan something")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q := g.GenerateQuestion(m); q != nil {
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, issued)
}
