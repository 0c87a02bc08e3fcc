package intent

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/aide/internal/normalize"
)

// SourceRules and SourceClassifier tag where an Intent came from.
const (
	SourceRules      = "rules"
	SourceClassifier = "classifier"
)

var (
	deleteRe   = regexp.MustCompile(`^(delete|remove|cancel|drop|erase)\b`)
	completeRe = regexp.MustCompile(`^(complete|finish|done with|mark|check off)\b`)
	emailRe    = regexp.MustCompile(`\b(e-?mail|send (a )?(message|mail|note) to|write to)\b`)
	signRe     = regexp.MustCompile(`\bsign\b`)
	uploadRe   = regexp.MustCompile(`\b(upload|scan|attach|import)\b`)
	shoppingRe = regexp.MustCompile(`^(buy|get|pick up)\b|\b(shopping list|grocer(y|ies))\b`)
	mealRe     = regexp.MustCompile(`\b(cook|dinner|lunch|breakfast|meal|recipe)\b`)

	targetIDRe  = regexp.MustCompile(`#([\w-]+)`)
	emailAddrRe = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`)
	pdfPathRe   = regexp.MustCompile(`\S+\.pdf\b`)
	listSplitRe = regexp.MustCompile(`\s*(?:,|\band\b)\s*`)
	shopPrefix  = regexp.MustCompile(`^(buy|get|pick up|add)\s+|\s+(to|on) (the )?(shopping list|grocery list)$`)
)

// RuleIntent maps a clause and its extracted meaning onto an Intent using
// verb cues. It is used whenever the classification service is absent or
// declines to classify. Unmatched clauses fall back to the meaning type.
func RuleIntent(clause string, m ExtractedMeaning) Intent {
	norm := normalize.Normalize(clause)
	in := Intent{
		ID:             uuid.New().String(),
		Confidence:     m.Confidence,
		OriginalInput:  clause,
		NormalizedText: norm,
		Source:         SourceRules,
	}

	target := ""
	if sm := targetIDRe.FindStringSubmatch(norm); sm != nil {
		target = sm[1]
	}

	switch {
	case deleteRe.MatchString(norm):
		in.Action = deleteAction(norm, m)
		kind := EntityKindFor(in.Action.Category())
		in.Payload = DeletePayload{Kind: kind, TargetID: target}
		if target != "" {
			in.Entities = append(in.Entities, Entity{Kind: kind, ID: target})
		}
	case completeRe.MatchString(norm) && target != "":
		in.Action = ActionCompleteTask
		in.Payload = DeletePayload{Kind: EntityTask, TargetID: target}
		in.Entities = append(in.Entities, Entity{Kind: EntityTask, ID: target})
	case emailRe.MatchString(norm):
		in.Action = ActionSendEmail
		to := emailAddrRe.FindString(norm)
		in.Payload = EmailPayload{To: to, Subject: m.Title, Body: m.Description}
		if to != "" {
			in.Entities = append(in.Entities, Entity{Kind: EntityPerson, Name: to})
		}
	case signRe.MatchString(norm):
		in.Action = ActionSignDocument
		in.Payload = DocumentPayload{Title: m.Title, Path: pdfPathRe.FindString(clause)}
		if target != "" {
			in.Entities = append(in.Entities, Entity{Kind: EntityDocument, ID: target})
		}
	case uploadRe.MatchString(norm):
		in.Action = ActionUploadDocument
		in.Payload = DocumentPayload{Title: m.Title, Path: pdfPathRe.FindString(clause)}
	case shoppingRe.MatchString(norm):
		in.Action = ActionAddShoppingItem
		in.Payload = ShoppingPayload{Items: shoppingItems(norm)}
	case mealRe.MatchString(norm) && m.Type != MeaningEvent:
		in.Action = ActionPlanMeal
		in.Payload = MealPayload{Dish: m.Title, Meal: mealRe.FindString(norm)}
	default:
		switch m.Type {
		case MeaningEvent:
			in.Action = ActionCreateEvent
			in.Payload = EventPayload{Title: m.Title, HasDate: m.HasDate, HasTime: m.HasTime}
		case MeaningTask:
			in.Action = ActionCreateTask
			in.Payload = TaskPayload{Title: m.Title, Notes: m.Description, Priority: m.Priority}
		default:
			in.Action = ActionCreateNote
			in.Payload = NotePayload{Title: m.Title, Body: m.Description}
		}
	}
	in.Category = in.Action.Category()
	return in
}

func deleteAction(norm string, m ExtractedMeaning) Action {
	switch {
	case strings.Contains(norm, "event"), strings.Contains(norm, "meeting"), strings.Contains(norm, "appointment"):
		return ActionDeleteEvent
	case strings.Contains(norm, "note"):
		return ActionDeleteNote
	case strings.Contains(norm, "task"), strings.Contains(norm, "todo"):
		return ActionDeleteTask
	}
	switch m.Type {
	case MeaningEvent:
		return ActionDeleteEvent
	case MeaningNote:
		return ActionDeleteNote
	default:
		return ActionDeleteTask
	}
}

func shoppingItems(norm string) []string {
	rest := shopPrefix.ReplaceAllString(norm, "")
	var items []string
	for _, item := range listSplitRe.Split(rest, -1) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
