package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/planner"
	"github.com/kalambet/aide/internal/storage"
)

// EntityStore is the persistence the local executors need.
// Implemented by storage.Store.
type EntityStore interface {
	SaveEntity(e storage.Entity) error
	GetEntity(id string) (storage.Entity, error)
	SetEntityStatus(id, status string) error
	DeleteEntity(id string) error
}

// Local executes task, event, note, shopping and meal actions against the
// entities table.
type Local struct {
	store EntityStore
}

// NewLocal returns a Local executor over store.
func NewLocal(store EntityStore) *Local {
	return &Local{store: store}
}

// Kinds lists the entity kinds Local handles.
func (l *Local) Kinds() []intent.EntityKind {
	return []intent.EntityKind{intent.EntityTask, intent.EntityEvent, intent.EntityNote, intent.EntityShopping, intent.EntityMeal}
}

// Execute runs action's steps.
func (l *Local) Execute(ctx context.Context, action planner.PlannedAction, tok approval.Token) (approval.Result, error) {
	pending := &pendingEntity{}
	handlers := map[planner.StepType]stepFunc{
		planner.StepValidate: validateLocal,
		planner.StepConfirm:  confirmStep,
		planner.StepCreate:   pending.build,
		planner.StepStore:    pending.store(l.store),
		planner.StepUpdate:   l.complete,
		planner.StepDelete:   l.delete,
	}
	res, err := runSteps(ctx, action, tok, handlers)
	if err != nil {
		return res, err
	}
	// Plans without a store step persist right after create.
	if pending.entity != nil && !pending.saved {
		if err := l.store.SaveEntity(*pending.entity); err != nil {
			return approval.Result{}, fmt.Errorf("saving %s: %w", pending.entity.Kind, err)
		}
	}
	return res, nil
}

func validateLocal(_ context.Context, st *runState, _ planner.ActionStep) error {
	in := st.action.Intent
	switch p := in.Payload.(type) {
	case intent.TaskPayload:
		if strings.TrimSpace(p.Title) == "" {
			return fmt.Errorf("%w: empty task title", ErrInvalidInput)
		}
	case intent.EventPayload:
		if strings.TrimSpace(p.Title) == "" {
			return fmt.Errorf("%w: empty event title", ErrInvalidInput)
		}
	case intent.NotePayload:
		if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Body) == "" {
			return fmt.Errorf("%w: empty note", ErrInvalidInput)
		}
	case intent.ShoppingPayload:
		if len(p.Items) == 0 {
			return fmt.Errorf("%w: no shopping items", ErrInvalidInput)
		}
	case intent.MealPayload:
		if strings.TrimSpace(p.Dish) == "" {
			return fmt.Errorf("%w: no dish", ErrInvalidInput)
		}
	case intent.DeletePayload:
		if p.TargetID == "" {
			return fmt.Errorf("%w: %s needs a target id", ErrInvalidInput, in.Action)
		}
	default:
		return fmt.Errorf("%w: payload %T for %s", ErrInvalidInput, in.Payload, in.Action)
	}
	return nil
}

// targetID picks the entity an update or delete applies to.
func targetID(in intent.Intent) string {
	if d, ok := in.Payload.(intent.DeletePayload); ok && d.TargetID != "" {
		return d.TargetID
	}
	if ids := in.EntityIDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

type pendingEntity struct {
	entity *storage.Entity
	saved  bool
}

func (p *pendingEntity) build(_ context.Context, st *runState, _ planner.ActionStep) error {
	in := st.action.Intent
	raw, err := json.Marshal(in.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	kind := intent.EntityKindFor(in.Category)
	e := storage.Entity{
		ID:          string(kind) + "-" + uuid.New().String()[:8],
		Kind:        string(kind),
		Title:       in.Title(),
		PayloadJSON: string(raw),
	}
	switch pl := in.Payload.(type) {
	case intent.TaskPayload:
		e.Body = pl.Notes
	case intent.NotePayload:
		e.Body = pl.Body
	case intent.MealPayload:
		e.Body = pl.Meal
	case intent.ShoppingPayload:
		e.Body = strings.Join(pl.Items, "\n")
	}
	p.entity = &e
	st.entityID = e.ID
	st.message = fmt.Sprintf("created %s %q", kind, e.Title)
	return nil
}

func (p *pendingEntity) store(s EntityStore) stepFunc {
	return func(_ context.Context, st *runState, _ planner.ActionStep) error {
		if p.entity == nil {
			return fmt.Errorf("%w: nothing to store", ErrInvalidInput)
		}
		if err := s.SaveEntity(*p.entity); err != nil {
			return fmt.Errorf("saving %s: %w", p.entity.Kind, err)
		}
		p.saved = true
		return nil
	}
}

func (l *Local) complete(_ context.Context, st *runState, _ planner.ActionStep) error {
	id := targetID(st.action.Intent)
	if err := l.store.SetEntityStatus(id, "done"); err != nil {
		return fmt.Errorf("completing %s: %w", id, err)
	}
	st.entityID = id
	st.message = "marked " + id + " done"
	return nil
}

func (l *Local) delete(_ context.Context, st *runState, _ planner.ActionStep) error {
	id := targetID(st.action.Intent)
	if err := l.store.DeleteEntity(id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	st.entityID = id
	st.message = "deleted " + id
	return nil
}
