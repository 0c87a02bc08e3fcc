// Package planner turns a classified intent into a proposed action made of
// fixed, per-action step templates.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/intent"
)

// ErrInvalidTransition is returned when a status change skips or reverses
// the proposal lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

type Status string

const (
	StatusPending   Status = "pending"
	StatusPlanned   Status = "planned"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusPlanned, StatusCancelled},
	StatusPlanned:   {StatusExecuting, StatusCancelled},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type StepType string

const (
	StepValidate StepType = "validate"
	StepCreate   StepType = "create"
	StepUpdate   StepType = "update"
	StepDelete   StepType = "delete"
	StepOCR      StepType = "ocr"
	StepClassify StepType = "classify"
	StepStore    StepType = "store"
	StepConfirm  StepType = "confirm"
	StepSend     StepType = "send"
	StepSign     StepType = "sign"
)

// ActionStep is one unit of work in a plan. Steps are immutable once planned.
type ActionStep struct {
	ID           string         `json:"id"`
	Type         StepType       `json:"type"`
	Description  string         `json:"description"`
	Parameters   intent.Payload `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// PlannedAction is a proposal: an intent plus the steps that would carry it out.
type PlannedAction struct {
	ID                   string        `json:"id"`
	Intent               intent.Intent `json:"intent"`
	Status               Status        `json:"status"`
	Steps                []ActionStep  `json:"steps"`
	EstimatedDuration    time.Duration `json:"estimated_duration"`
	Priority             int           `json:"priority"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Transition moves the action to status to, or returns ErrInvalidTransition.
func (a *PlannedAction) Transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	return nil
}

const (
	defaultPriority = 50
	secondsPerStep  = 2
)

// Template returns the ordered step types for action.
func Template(action intent.Action) []StepType {
	switch action {
	case intent.ActionCreateTask, intent.ActionCreateEvent, intent.ActionCreateNote:
		return []StepType{StepValidate, StepCreate}
	case intent.ActionCompleteTask:
		return []StepType{StepValidate, StepUpdate}
	case intent.ActionDeleteTask, intent.ActionDeleteEvent, intent.ActionDeleteNote:
		return []StepType{StepValidate, StepConfirm, StepDelete}
	case intent.ActionAddShoppingItem:
		return []StepType{StepValidate, StepCreate}
	case intent.ActionPlanMeal:
		return []StepType{StepValidate, StepCreate, StepStore}
	case intent.ActionUploadDocument:
		return []StepType{StepValidate, StepOCR, StepClassify, StepStore}
	case intent.ActionSignDocument:
		return []StepType{StepValidate, StepConfirm, StepSign, StepStore}
	case intent.ActionSendEmail:
		return []StepType{StepValidate, StepConfirm, StepSend}
	case intent.ActionUnknown:
		return []StepType{StepValidate}
	default:
		return []StepType{StepValidate}
	}
}

// RequiresConfirmation is the static table of actions that always need
// explicit approval: destructive, signature, and email-send actions.
func RequiresConfirmation(action intent.Action) bool {
	return action.IsDestructive() || action == intent.ActionSignDocument || action == intent.ActionSendEmail
}

// Plan builds a pending PlannedAction for in. It is deterministic apart
// from generated ids and the creation time.
func Plan(in intent.Intent) PlannedAction {
	types := Template(in.Action)
	steps := make([]ActionStep, len(types))
	for i, st := range types {
		steps[i] = ActionStep{
			ID:          uuid.New().String(),
			Type:        st,
			Description: describe(st, in),
			Parameters:  in.Payload,
		}
		if i > 0 {
			steps[i].Dependencies = []string{steps[i-1].ID}
		}
	}
	return PlannedAction{
		ID:                   uuid.New().String(),
		Intent:               in,
		Status:               StatusPending,
		Steps:                steps,
		EstimatedDuration:    time.Duration(len(steps)*secondsPerStep) * time.Second,
		Priority:             defaultPriority,
		RequiresConfirmation: RequiresConfirmation(in.Action),
		CreatedAt:            time.Now().UTC(),
	}
}

func describe(st StepType, in intent.Intent) string {
	subject := in.Title()
	if subject == "" {
		subject = string(in.Category)
	}
	switch st {
	case StepValidate:
		return fmt.Sprintf("check %s request", in.Action)
	case StepConfirm:
		return fmt.Sprintf("confirm %s", in.Action)
	case StepOCR:
		return "extract document text"
	case StepClassify:
		return "classify document"
	default:
		return fmt.Sprintf("%s %q", st, subject)
	}
}
