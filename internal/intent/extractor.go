package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/confidence"
	"github.com/kalambet/aide/internal/normalize"
	"github.com/kalambet/aide/internal/ollama"
)

// ErrClassificationFailure is returned when the classification service is
// unreachable, too slow, or answers with something that is not a valid
// classification. Callers surface it as "couldn't understand that".
var ErrClassificationFailure = errors.New("couldn't understand that")

const defaultClassifyTimeout = 5 * time.Second

// Chatter is the interface for chat completion via Ollama.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// Turn is one message of recent conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClassificationKind says what the service decided about an input.
type ClassificationKind string

const (
	KindIntent        ClassificationKind = "intent"
	KindClarification ClassificationKind = "clarification"
	KindUnknown       ClassificationKind = "unknown"
)

// Classification is the result of one Classify call. Intent is set only for
// KindIntent; FollowUpQuestion only for KindClarification.
type Classification struct {
	Kind             ClassificationKind
	Intent           *Intent
	FollowUpQuestion string
}

// Classifier asks a local LLM to classify a user input into an Intent.
type Classifier struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// NewClassifier creates a Classifier using the given Ollama client and model.
// A non-positive timeout selects the default.
func NewClassifier(client Chatter, model string, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	return &Classifier{client: client, model: model, timeout: timeout}
}

// classifierOutput mirrors the JSON schema sent to the model.
type classifierOutput struct {
	Kind             string   `json:"kind"`
	Action           string   `json:"action"`
	Confidence       float64  `json:"confidence"`
	Title            string   `json:"title"`
	Details          string   `json:"details"`
	TargetID         string   `json:"target_id"`
	Recipient        string   `json:"recipient"`
	Items            []string `json:"items"`
	Priority         string   `json:"priority"`
	FollowUpQuestion string   `json:"follow_up_question"`
}

// Classify sends text with context and history to the model. Any transport
// error, timeout, or malformed answer is wrapped in ErrClassificationFailure;
// the caller decides whether a fallback applies. No retries are attempted.
func (c *Classifier) Classify(ctx context.Context, text, contextSummary string, history []Turn) (Classification, error) {
	if strings.TrimSpace(text) == "" {
		return Classification{Kind: KindUnknown}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := make([]ollama.Message, len(history))
	for i, t := range history {
		msgs[i] = ollama.Message{Role: t.Role, Content: t.Content}
	}

	raw, err := c.client.Chat(ctx, c.model, BuildPrompt(text, msgs, contextSummary), classificationSchema())
	if err != nil {
		slog.Warn("classification chat failed", "error", err)
		return Classification{}, fmt.Errorf("%w: %w", ErrClassificationFailure, err)
	}

	var out classifierOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("failed to unmarshal classification", "error", err, "response", raw)
		return Classification{}, fmt.Errorf("%w: decoding response: %w", ErrClassificationFailure, err)
	}

	switch ClassificationKind(out.Kind) {
	case KindUnknown:
		return Classification{Kind: KindUnknown}, nil
	case KindClarification:
		q := strings.TrimSpace(out.FollowUpQuestion)
		if q == "" {
			return Classification{}, fmt.Errorf("%w: clarification without a question", ErrClassificationFailure)
		}
		return Classification{Kind: KindClarification, FollowUpQuestion: q}, nil
	case KindIntent:
		action := Action(out.Action)
		if !action.IsValid() || action == ActionUnknown {
			return Classification{}, fmt.Errorf("%w: unknown action %q", ErrClassificationFailure, out.Action)
		}
		in := out.toIntent(action, text)
		return Classification{Kind: KindIntent, Intent: &in}, nil
	default:
		return Classification{}, fmt.Errorf("%w: unknown kind %q", ErrClassificationFailure, out.Kind)
	}
}

func (o classifierOutput) toIntent(action Action, text string) Intent {
	in := Intent{
		ID:             uuid.New().String(),
		Category:       action.Category(),
		Action:         action,
		Confidence:     confidence.Clamp(o.Confidence),
		OriginalInput:  text,
		NormalizedText: normalize.Normalize(text),
		Source:         SourceClassifier,
	}
	title := strings.TrimSpace(o.Title)
	if title == "" {
		title = truncateTitle(text)
	}
	prio := Priority(o.Priority)
	switch prio {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		prio = PriorityMedium
	}

	kind := EntityKindFor(in.Category)
	switch {
	case action.IsDestructive() || action == ActionCompleteTask:
		in.Payload = DeletePayload{Kind: kind, TargetID: o.TargetID}
	case action == ActionCreateTask:
		in.Payload = TaskPayload{Title: title, Notes: o.Details, Priority: prio}
	case action == ActionCreateEvent:
		m := ExtractMeaning(text)
		in.Payload = EventPayload{Title: title, HasDate: m.HasDate, HasTime: m.HasTime}
	case action == ActionCreateNote:
		in.Payload = NotePayload{Title: title, Body: o.Details}
	case action == ActionAddShoppingItem:
		items := o.Items
		if len(items) == 0 {
			items = []string{title}
		}
		in.Payload = ShoppingPayload{Items: items}
	case action == ActionPlanMeal:
		in.Payload = MealPayload{Dish: title}
	case action == ActionUploadDocument, action == ActionSignDocument:
		in.Payload = DocumentPayload{Title: title, SignerID: o.Recipient}
	case action == ActionSendEmail:
		in.Payload = EmailPayload{To: o.Recipient, Subject: title, Body: o.Details}
	}

	if o.TargetID != "" {
		in.Entities = append(in.Entities, Entity{Kind: kind, ID: o.TargetID})
	}
	if o.Recipient != "" {
		in.Entities = append(in.Entities, Entity{Kind: EntityPerson, Name: o.Recipient})
	}
	return in
}

func classificationSchema() *ollama.Schema {
	actions := make([]string, 0, len(Actions))
	for _, a := range Actions {
		actions = append(actions, string(a))
	}
	zero, one := 0.0, 1.0
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"kind":               {Type: "string", Enum: []string{string(KindIntent), string(KindClarification), string(KindUnknown)}},
			"action":             {Type: "string", Enum: actions},
			"confidence":         {Type: "number", Minimum: &zero, Maximum: &one},
			"title":              {Type: "string", Description: "Short title of the item the action is about"},
			"details":            {Type: "string", Description: "Longer body text, if any"},
			"target_id":          {Type: "string", Description: "Id of an existing item the user referenced"},
			"recipient":          {Type: "string", Description: "Email recipient or signer, only if stated"},
			"items":              {Type: "array", Items: &ollama.SchemaProperty{Type: "string"}},
			"priority":           {Type: "string", Enum: []string{"low", "medium", "high", "urgent"}},
			"follow_up_question": {Type: "string"},
		},
		Required: []string{"kind", "action", "confidence"},
	}
}
