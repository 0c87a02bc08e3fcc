package intent

import (
	"strings"
	"time"
)

// Category is the domain area an intent belongs to.
type Category string

const (
	CategoryTask     Category = "task"
	CategoryEvent    Category = "event"
	CategoryNote     Category = "note"
	CategoryShopping Category = "shopping"
	CategoryMeal     Category = "meal"
	CategoryDocument Category = "document"
	CategoryEmail    Category = "email"
	CategoryUnknown  Category = "unknown"
)

var categories = map[Category]bool{
	CategoryTask: true, CategoryEvent: true, CategoryNote: true, CategoryShopping: true,
	CategoryMeal: true, CategoryDocument: true, CategoryEmail: true, CategoryUnknown: true,
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool { return categories[c] }

// Action is the concrete operation an intent asks for.
type Action string

const (
	ActionCreateTask      Action = "create_task"
	ActionCompleteTask    Action = "complete_task"
	ActionDeleteTask      Action = "delete_task"
	ActionCreateEvent     Action = "create_event"
	ActionDeleteEvent     Action = "delete_event"
	ActionCreateNote      Action = "create_note"
	ActionDeleteNote      Action = "delete_note"
	ActionAddShoppingItem Action = "add_shopping_item"
	ActionPlanMeal        Action = "plan_meal"
	ActionUploadDocument  Action = "upload_document"
	ActionSignDocument    Action = "sign_document"
	ActionSendEmail       Action = "send_email"
	ActionUnknown         Action = "unknown"
)

// Actions lists every known action, in declaration order.
var Actions = []Action{
	ActionCreateTask, ActionCompleteTask, ActionDeleteTask,
	ActionCreateEvent, ActionDeleteEvent,
	ActionCreateNote, ActionDeleteNote,
	ActionAddShoppingItem, ActionPlanMeal,
	ActionUploadDocument, ActionSignDocument,
	ActionSendEmail, ActionUnknown,
}

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// IsDestructive reports whether a removes an entity.
func (a Action) IsDestructive() bool {
	return strings.HasPrefix(string(a), "delete_")
}

// Category returns the category an action operates in.
func (a Action) Category() Category {
	switch a {
	case ActionCreateTask, ActionCompleteTask, ActionDeleteTask:
		return CategoryTask
	case ActionCreateEvent, ActionDeleteEvent:
		return CategoryEvent
	case ActionCreateNote, ActionDeleteNote:
		return CategoryNote
	case ActionAddShoppingItem:
		return CategoryShopping
	case ActionPlanMeal:
		return CategoryMeal
	case ActionUploadDocument, ActionSignDocument:
		return CategoryDocument
	case ActionSendEmail:
		return CategoryEmail
	default:
		return CategoryUnknown
	}
}

// EntityKind identifies the kind of a referenced domain entity.
type EntityKind string

const (
	EntityTask     EntityKind = "task"
	EntityEvent    EntityKind = "event"
	EntityNote     EntityKind = "note"
	EntityShopping EntityKind = "shopping"
	EntityMeal     EntityKind = "meal"
	EntityDocument EntityKind = "document"
	EntityEmail    EntityKind = "email"
	EntityPerson   EntityKind = "person"
)

// EntityKindFor maps a category to the entity kind its executor owns.
func EntityKindFor(c Category) EntityKind {
	switch c {
	case CategoryTask:
		return EntityTask
	case CategoryEvent:
		return EntityEvent
	case CategoryShopping:
		return EntityShopping
	case CategoryMeal:
		return EntityMeal
	case CategoryDocument:
		return EntityDocument
	case CategoryEmail:
		return EntityEmail
	default:
		return EntityNote
	}
}

// Entity is a reference to something the intent mentions.
type Entity struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
	Name string     `json:"name,omitempty"`
}

// Payload carries the action-specific parameters of an intent. The set of
// implementations is closed; OpaquePayload holds anything not yet modeled.
type Payload interface {
	payload()
}

type TaskPayload struct {
	Title    string     `json:"title"`
	Notes    string     `json:"notes,omitempty"`
	Priority Priority   `json:"priority"`
	Due      *time.Time `json:"due,omitempty"`
}

type EventPayload struct {
	Title   string     `json:"title"`
	StartAt *time.Time `json:"start_at,omitempty"`
	HasDate bool       `json:"has_date"`
	HasTime bool       `json:"has_time"`
}

type NotePayload struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type ShoppingPayload struct {
	Items []string `json:"items"`
}

type MealPayload struct {
	Dish string `json:"dish"`
	Meal string `json:"meal,omitempty"`
}

type DocumentPayload struct {
	Path     string `json:"path,omitempty"`
	Title    string `json:"title"`
	SignerID string `json:"signer_id,omitempty"`
}

type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// DeletePayload targets an existing entity.
type DeletePayload struct {
	Kind     EntityKind `json:"kind"`
	TargetID string     `json:"target_id"`
}

// OpaquePayload keeps unmodeled parameters for forward compatibility.
type OpaquePayload struct {
	Raw map[string]string `json:"raw,omitempty"`
}

func (TaskPayload) payload()     {}
func (EventPayload) payload()    {}
func (NotePayload) payload()     {}
func (ShoppingPayload) payload() {}
func (MealPayload) payload()     {}
func (DocumentPayload) payload() {}
func (EmailPayload) payload()    {}
func (DeletePayload) payload()   {}
func (OpaquePayload) payload()   {}

// Intent is the structured classification of one user input.
type Intent struct {
	ID             string   `json:"id"`
	Category       Category `json:"category"`
	Action         Action   `json:"action"`
	Confidence     float64  `json:"confidence"`
	Entities       []Entity `json:"entities,omitempty"`
	Payload        Payload  `json:"payload,omitempty"`
	OriginalInput  string   `json:"original_input"`
	NormalizedText string   `json:"normalized_text"`
	// Source is "classifier" or "rules".
	Source string `json:"source"`
}

// EntityIDs returns the ids of all referenced entities, skipping blanks.
func (in Intent) EntityIDs() []string {
	var ids []string
	for _, e := range in.Entities {
		if e.ID != "" {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Title returns a short human label for the intent's subject.
func (in Intent) Title() string {
	switch p := in.Payload.(type) {
	case TaskPayload:
		return p.Title
	case EventPayload:
		return p.Title
	case NotePayload:
		return p.Title
	case ShoppingPayload:
		return strings.Join(p.Items, ", ")
	case MealPayload:
		return p.Dish
	case DocumentPayload:
		return p.Title
	case EmailPayload:
		return p.Subject
	case DeletePayload:
		return string(p.Kind) + " " + p.TargetID
	default:
		return in.NormalizedText
	}
}
