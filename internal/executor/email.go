package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/planner"
)

// ErrNoWebhook is returned when an email is approved but no delivery
// webhook is configured.
var ErrNoWebhook = errors.New("email webhook not configured")

// Email delivers send_email actions by POSTing them to a webhook.
type Email struct {
	webhookURL string
	client     *http.Client
}

// NewEmail returns an Email executor. A nil client gets a 10s timeout.
func NewEmail(webhookURL string, client *http.Client) *Email {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Email{webhookURL: webhookURL, client: client}
}

type emailMessage struct {
	ID      string `json:"id"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Execute runs action's steps.
func (e *Email) Execute(ctx context.Context, action planner.PlannedAction, tok approval.Token) (approval.Result, error) {
	handlers := map[planner.StepType]stepFunc{
		planner.StepValidate: validateEmail,
		planner.StepConfirm:  confirmStep,
		planner.StepSend:     e.send,
	}
	return runSteps(ctx, action, tok, handlers)
}

func validateEmail(_ context.Context, st *runState, _ planner.ActionStep) error {
	p, ok := st.action.Intent.Payload.(intent.EmailPayload)
	if !ok {
		return fmt.Errorf("%w: payload %T for send_email", ErrInvalidInput, st.action.Intent.Payload)
	}
	if _, err := mail.ParseAddress(p.To); err != nil {
		return fmt.Errorf("%w: recipient %q: %v", ErrInvalidInput, p.To, err)
	}
	return nil
}

func (e *Email) send(ctx context.Context, st *runState, _ planner.ActionStep) error {
	if e.webhookURL == "" {
		return ErrNoWebhook
	}
	p := st.action.Intent.Payload.(intent.EmailPayload)
	body, err := json.Marshal(emailMessage{ID: st.action.ID, To: p.To, Subject: p.Subject, Body: p.Body})
	if err != nil {
		return fmt.Errorf("encoding email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", st.tok.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting email: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	st.message = "sent email to " + p.To
	return nil
}
