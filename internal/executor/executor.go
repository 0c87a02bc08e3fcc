// Package executor carries out approved actions. A Registry routes each
// action to the executor that owns its entity kind; each executor walks the
// action's planned steps in order and stops at the first failing step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/planner"
)

var (
	ErrNoExecutor   = errors.New("no executor for entity kind")
	ErrUnconfirmed  = errors.New("confirm step without a token for this action")
	ErrInvalidInput = errors.New("invalid action parameters")
	ErrUnsupported  = errors.New("unsupported step")
)

// Registry routes actions by entity kind. It satisfies approval.Executor.
type Registry struct {
	byKind map[intent.EntityKind]approval.Executor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[intent.EntityKind]approval.Executor)}
}

// Register installs e for each of kinds, replacing any earlier executor.
func (r *Registry) Register(e approval.Executor, kinds ...intent.EntityKind) {
	for _, k := range kinds {
		r.byKind[k] = e
	}
}

// KindOf returns the entity kind an action operates on.
func KindOf(action planner.PlannedAction) intent.EntityKind {
	if d, ok := action.Intent.Payload.(intent.DeletePayload); ok && d.Kind != "" {
		return d.Kind
	}
	cat := action.Intent.Category
	if cat == "" || cat == intent.CategoryUnknown {
		cat = action.Intent.Action.Category()
	}
	return intent.EntityKindFor(cat)
}

// Execute hands action to the executor registered for its kind.
func (r *Registry) Execute(ctx context.Context, action planner.PlannedAction, tok approval.Token) (approval.Result, error) {
	kind := KindOf(action)
	e, ok := r.byKind[kind]
	if !ok {
		return approval.Result{}, fmt.Errorf("%w: %s", ErrNoExecutor, kind)
	}
	slog.Debug("executing action", "action", action.Intent.Action, "kind", kind, "proposal", action.ID)
	return e.Execute(ctx, action, tok)
}

// stepFunc runs one step. It may update the shared run state.
type stepFunc func(ctx context.Context, st *runState, step planner.ActionStep) error

// runState is threaded through the steps of one action.
type runState struct {
	action   planner.PlannedAction
	tok      approval.Token
	entityID string
	message  string
	// scratch carries step outputs (e.g. extracted text) to later steps.
	scratch map[string]string
}

// runSteps walks action's steps in order, dispatching each on its type.
// Dependencies are linear, so order is sufficient.
func runSteps(ctx context.Context, action planner.PlannedAction, tok approval.Token, handlers map[planner.StepType]stepFunc) (approval.Result, error) {
	st := &runState{action: action, tok: tok, scratch: make(map[string]string)}
	for i, step := range action.Steps {
		if err := ctx.Err(); err != nil {
			return approval.Result{}, fmt.Errorf("step %d (%s): %w", i+1, step.Type, err)
		}
		h, ok := handlers[step.Type]
		if !ok {
			return approval.Result{}, fmt.Errorf("step %d (%s): %w", i+1, step.Type, ErrUnsupported)
		}
		if err := h(ctx, st, step); err != nil {
			return approval.Result{}, fmt.Errorf("step %d (%s): %w", i+1, step.Type, err)
		}
	}
	return approval.Result{Success: true, Message: st.message, EntityID: st.entityID}, nil
}

// confirmStep checks that the token was issued for this very action.
func confirmStep(_ context.Context, st *runState, _ planner.ActionStep) error {
	if st.tok.ID == "" || st.tok.CommandID != st.action.ID {
		return ErrUnconfirmed
	}
	return nil
}

// NewDefault wires the local, document and email executors into a Registry.
func NewDefault(store EntityStore, webhookURL string, client *http.Client) *Registry {
	r := NewRegistry()
	local := NewLocal(store)
	r.Register(local, local.Kinds()...)
	r.Register(NewDocument(store), intent.EntityDocument)
	r.Register(NewEmail(webhookURL, client), intent.EntityEmail)
	return r
}
