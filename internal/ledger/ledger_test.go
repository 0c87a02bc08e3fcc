package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
}

type memSink struct {
	mu      sync.Mutex
	saved   map[string]Entry
	deleted []string
	failAll bool
}

func newMemSink() *memSink { return &memSink{saved: make(map[string]Entry)} }

func (s *memSink) SaveDecision(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("disk gone")
	}
	s.saved[e.ID] = e
	return nil
}

func (s *memSink) UpdateDecision(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[e.ID] = e
	return nil
}

func (s *memSink) DeleteDecisions(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.saved, id)
	}
	s.deleted = append(s.deleted, ids...)
	return nil
}

func sample(input string) Entry {
	return Entry{
		TriggerInput:       input,
		TriggerType:        "text",
		InferredIntent:     "create_task: " + input,
		ConfidenceScore:    0.6,
		SelectedAction:     "create_task",
		SelectionReasoning: "task cue; well-formed length",
	}
}

func TestLog_StartsUnexecuted(t *testing.T) {
	l := New(10, WithClock(newClock()))
	e, err := l.Log(Entry{TriggerInput: "x", Executed: true, ExecutionError: "stale"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.False(t, e.Executed)
	assert.Nil(t, e.ExecutedAt)
	assert.Empty(t, e.ExecutionError)
}

func TestCapacity_EvictsOldestByTimestamp(t *testing.T) {
	sink := newMemSink()
	l := New(3, WithClock(newClock()), WithSink(sink))

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := l.Log(sample(fmt.Sprintf("input %d", i)))
		require.NoError(t, err)
		ids = append(ids, e.ID)
		assert.LessOrEqual(t, l.Len(), 3)
	}

	assert.Equal(t, []string{ids[0], ids[1]}, sink.deleted)
	for _, id := range ids[:2] {
		_, err := l.Get(id)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, id := range ids[2:] {
		_, err := l.Get(id)
		assert.NoError(t, err)
	}
	assert.Len(t, sink.saved, 3)
}

func TestCapacity_OutOfOrderTimestamps(t *testing.T) {
	l := New(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer, _ := l.Log(Entry{ID: "newer", Timestamp: base.Add(2 * time.Hour)})
	older, _ := l.Log(Entry{ID: "older", Timestamp: base})
	_, _ = l.Log(Entry{ID: "middle", Timestamp: base.Add(time.Hour)})

	_, err := l.Get(older.ID)
	assert.ErrorIs(t, err, ErrNotFound, "oldest timestamp goes first, not first inserted")
	_, err = l.Get(newer.ID)
	assert.NoError(t, err)
}

func TestMarkExecuted(t *testing.T) {
	sink := newMemSink()
	l := New(10, WithClock(newClock()), WithSink(sink))
	e, _ := l.Log(sample("buy milk"))

	got, err := l.MarkExecuted(e.ID, ExecutionResult{Success: true, Message: "added", EntityID: "s-1"}, "", "audit-1")
	require.NoError(t, err)
	assert.True(t, got.Executed)
	require.NotNil(t, got.ExecutedAt)
	require.NotNil(t, got.ExecutionResult)
	assert.Equal(t, "audit-1", got.AuditLogID)
	assert.True(t, sink.saved[e.ID].Executed)

	_, err = l.MarkExecuted(e.ID, ExecutionResult{}, "", "")
	assert.ErrorIs(t, err, ErrAlreadyExecuted)

	_, err = l.MarkExecuted("missing", ExecutionResult{}, "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLog_SinkFailureKeepsNothing(t *testing.T) {
	sink := newMemSink()
	sink.failAll = true
	l := New(10, WithSink(sink))
	_, err := l.Log(sample("x"))
	require.Error(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestQueries(t *testing.T) {
	clk := newClock()
	l := New(10, WithClock(clk))

	a := sample("a")
	a.ConfidenceScore = 0.3
	a.RelatedEntityIDs = []string{"t-1"}
	ea, _ := l.Log(a)

	b := sample("b")
	b.ConfidenceScore = 0.9
	b.SessionID = "s2"
	eb, _ := l.Log(b)

	c := sample("c")
	c.ConfidenceScore = 0.5
	c.RelatedEntityIDs = []string{"t-1", "n-2"}
	ec, _ := l.Log(c)

	ids := func(es []Entry) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{ec.ID, ea.ID}, ids(l.ByEntity("t-1")))
	assert.Equal(t, []string{ec.ID, eb.ID}, ids(l.Recent(2)))
	assert.Empty(t, l.Recent(0))
	assert.Equal(t, []string{ea.ID}, ids(l.BelowConfidence(0.5)))
	assert.Equal(t, []string{eb.ID}, ids(l.Between(eb.Timestamp, eb.Timestamp)))
	assert.Equal(t, []string{eb.ID}, ids(l.Query(Filter{SessionID: "s2"})))
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	l := New(10)
	in := sample("x")
	in.RelatedEntityIDs = []string{"t-1"}
	e, _ := l.Log(in)

	in.RelatedEntityIDs[0] = "mutated"
	e.RelatedEntityIDs[0] = "mutated"

	got, _ := l.Get(e.ID)
	assert.Equal(t, []string{"t-1"}, got.RelatedEntityIDs)
}

func TestExplain_RoundTrip(t *testing.T) {
	l := New(10, WithClock(newClock()))
	in := sample("remind me to call the dentist at 9am")
	in.SelectionReasoning = "event cue; contains digit; confirmation not required"
	in.Alternatives = []Alternative{{Action: "create_task", Confidence: 0.5, Reasoning: "remind cue", WhyNotSelected: "event cue is stronger"}}
	e, err := l.Log(in)
	require.NoError(t, err)

	text, err := l.Explain(e.ID)
	require.NoError(t, err)
	assert.Contains(t, text, in.TriggerInput)
	assert.Contains(t, text, in.SelectionReasoning)
	assert.Contains(t, text, "event cue is stronger")
	assert.Contains(t, text, "Outcome: not executed")

	again, _ := l.Explain(e.ID)
	if diff := cmp.Diff(text, again); diff != "" {
		t.Errorf("Explain not deterministic (-first +second):\n%s", diff)
	}
}

func TestExplain_Outcomes(t *testing.T) {
	l := New(10, WithClock(newClock()))
	ok, _ := l.Log(sample("ok"))
	bad, _ := l.Log(sample("bad"))
	l.MarkExecuted(ok.ID, ExecutionResult{Success: true, Message: "created task t-9"}, "", "")
	l.MarkExecuted(bad.ID, ExecutionResult{Success: false}, "webhook returned 500", "")

	okText, _ := l.Explain(ok.ID)
	assert.Contains(t, okText, "created task t-9")
	badText, _ := l.Explain(bad.ID)
	assert.Contains(t, badText, "webhook returned 500")
	assert.False(t, strings.HasSuffix(badText, "\n"))

	_, err := l.Explain("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestore(t *testing.T) {
	sink := newMemSink()
	l := New(2, WithSink(sink))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Restore([]Entry{
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(time.Minute)},
		{ID: "c", Timestamp: base.Add(2 * time.Minute)},
	})
	assert.Equal(t, 2, l.Len())
	_, err := l.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, sink.saved, "restore does not write back")
}
