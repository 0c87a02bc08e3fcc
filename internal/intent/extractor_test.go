package intent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/aide/internal/ollama"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    int
	lastMsgs []ollama.Message
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error) {
	m.calls++
	m.lastMsgs = messages
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func TestClassify_TaskIntent(t *testing.T) {
	mock := &mockChatter{
		response: `{"kind":"intent","action":"create_task","confidence":0.92,"title":"Renew passport","priority":"high"}`,
	}
	c := NewClassifier(mock, "llama3.2", 0)
	got, err := c.Classify(context.Background(), "I need to renew my passport soon", "", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != KindIntent || got.Intent == nil {
		t.Fatalf("Classify() = %+v, want an intent", got)
	}
	in := got.Intent
	if in.Action != ActionCreateTask || in.Category != CategoryTask {
		t.Errorf("action/category = %s/%s, want create_task/task", in.Action, in.Category)
	}
	if in.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", in.Confidence)
	}
	p, ok := in.Payload.(TaskPayload)
	if !ok {
		t.Fatalf("Payload = %T, want TaskPayload", in.Payload)
	}
	if p.Title != "Renew passport" || p.Priority != PriorityHigh {
		t.Errorf("payload = %+v", p)
	}
	if in.Source != SourceClassifier {
		t.Errorf("Source = %q, want classifier", in.Source)
	}
}

func TestClassify_DeleteCarriesTarget(t *testing.T) {
	mock := &mockChatter{
		response: `{"kind":"intent","action":"delete_task","confidence":0.4,"target_id":"t-42"}`,
	}
	c := NewClassifier(mock, "llama3.2", 0)
	got, err := c.Classify(context.Background(), "remove #t-42", "", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	p, ok := got.Intent.Payload.(DeletePayload)
	if !ok || p.TargetID != "t-42" || p.Kind != EntityTask {
		t.Errorf("Payload = %+v, want delete of task t-42", got.Intent.Payload)
	}
	if ids := got.Intent.EntityIDs(); len(ids) != 1 || ids[0] != "t-42" {
		t.Errorf("EntityIDs() = %v", ids)
	}
}

func TestClassify_Clarification(t *testing.T) {
	mock := &mockChatter{
		response: `{"kind":"clarification","action":"unknown","confidence":0.2,"follow_up_question":"Which report?"}`,
	}
	c := NewClassifier(mock, "llama3.2", 0)
	got, err := c.Classify(context.Background(), "send the report", "", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != KindClarification || got.FollowUpQuestion != "Which report?" {
		t.Errorf("Classify() = %+v", got)
	}
}

func TestClassify_Unknown(t *testing.T) {
	mock := &mockChatter{response: `{"kind":"unknown","action":"unknown","confidence":0.1}`}
	c := NewClassifier(mock, "llama3.2", 0)
	got, err := c.Classify(context.Background(), "lovely weather", "", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != KindUnknown {
		t.Errorf("Kind = %q, want unknown", got.Kind)
	}
}

func TestClassify_MalformedJSON(t *testing.T) {
	mock := &mockChatter{response: `not valid json {{{`}
	c := NewClassifier(mock, "llama3.2", 0)
	_, err := c.Classify(context.Background(), "some input", "", nil)
	if !errors.Is(err, ErrClassificationFailure) {
		t.Errorf("err = %v, want ErrClassificationFailure", err)
	}
}

func TestClassify_InvalidAction(t *testing.T) {
	mock := &mockChatter{response: `{"kind":"intent","action":"launch_rocket","confidence":0.9}`}
	c := NewClassifier(mock, "llama3.2", 0)
	_, err := c.Classify(context.Background(), "launch it", "", nil)
	if !errors.Is(err, ErrClassificationFailure) {
		t.Errorf("err = %v, want ErrClassificationFailure", err)
	}
}

func TestClassify_Timeout(t *testing.T) {
	mock := &mockChatter{
		response: `{"kind":"unknown"}`,
		delay:    2 * time.Second,
	}
	c := NewClassifier(mock, "llama3.2", 100*time.Millisecond)

	start := time.Now()
	_, err := c.Classify(context.Background(), "query", "", nil)
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("Classify took %v, want < 1s", elapsed)
	}
	if !errors.Is(err, ErrClassificationFailure) {
		t.Errorf("err = %v, want ErrClassificationFailure", err)
	}
}

func TestClassify_OllamaDown(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("connection refused")}
	c := NewClassifier(mock, "llama3.2", 0)
	_, err := c.Classify(context.Background(), "hello", "", nil)
	if !errors.Is(err, ErrClassificationFailure) {
		t.Errorf("err = %v, want ErrClassificationFailure", err)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want exactly one attempt", mock.calls)
	}
}

func TestClassify_EmptyInput(t *testing.T) {
	mock := &mockChatter{response: `{"kind":"intent"}`}
	c := NewClassifier(mock, "llama3.2", 0)
	got, err := c.Classify(context.Background(), "   ", "", nil)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Kind != KindUnknown {
		t.Errorf("Kind = %q, want unknown", got.Kind)
	}
	if mock.calls != 0 {
		t.Errorf("calls = %d, want 0 for empty input", mock.calls)
	}
}

func TestClassify_PassesHistory(t *testing.T) {
	mock := &mockChatter{response: `{"kind":"unknown"}`}
	c := NewClassifier(mock, "llama3.2", 0)
	history := []Turn{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "ok"}}
	if _, err := c.Classify(context.Background(), "now", "mood: focused", history); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	// system + 2 history + user
	if len(mock.lastMsgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(mock.lastMsgs))
	}
	if mock.lastMsgs[1].Content != "earlier" || mock.lastMsgs[3].Content != "now" {
		t.Errorf("messages = %+v", mock.lastMsgs)
	}
}
