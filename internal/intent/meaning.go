package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/aide/internal/confidence"
)

// MeaningType is the coarse kind of a clause.
type MeaningType string

const (
	MeaningTask  MeaningType = "task"
	MeaningEvent MeaningType = "event"
	MeaningNote  MeaningType = "note"
)

// Priority of an extracted item.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ExtractedMeaning is the deterministic reading of a single clause.
type ExtractedMeaning struct {
	Type        MeaningType `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Priority    Priority    `json:"priority"`
	HasDate     bool        `json:"has_date"`
	HasTime     bool        `json:"has_time"`
	Confidence  float64     `json:"confidence"`
	// Vague is set when the clause's only object is a placeholder word.
	Vague bool `json:"vague,omitempty"`
	// Signals lists the cues that produced this reading, in match order.
	Signals []string `json:"signals,omitempty"`
}

const maxTitleLen = 60

var (
	timeOfDayRe = regexp.MustCompile(`(?i)\b(morning|afternoon|evening|tonight|noon|midnight|lunch(time)?)\b`)
	clockRe     = regexp.MustCompile(`(?i)\b(\d{1,2}:\d{2}(\s*[ap]\.?m\.?)?|\d{1,2}(\.\d{2})?\s*[ap]\.?m\.?|\d{1,2}\s*o'?clock)\b`)
	eventWordRe = regexp.MustCompile(`(?i)\b(meeting|meet|appointment|call|dinner with|lunch with|interview|party|conference|standup|flight)\b`)

	taskWordRe = regexp.MustCompile(`(?i)\b(todo|to-do|to do|remind|reminder|deadline|due|by|need to|have to|must|should|finish|submit|pay|buy|fix)\b`)

	dateRe = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|yesterday|next (week|month|year)|(mon|tues|wednes|thurs|fri|satur|sun)day|weekend|(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.? \d{1,2}(st|nd|rd|th)?|\d{1,2}(st|nd|rd|th)? (of )?(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)|\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}(/\d{2,4})?)\b`)

	urgentRe = regexp.MustCompile(`(?i)\b(urgent|urgently|asap|immediately|right now|emergency)\b`)
	highRe   = regexp.MustCompile(`(?i)\b(important|high priority|critical|soon)\b`)
	lowRe    = regexp.MustCompile(`(?i)\b(whenever|someday|low priority|no rush|eventually|maybe)\b`)

	boilerplateRe = regexp.MustCompile(`(?i)^\s*(remember( to)?:?|note( to self)?:|todo:|to-do:|task:|reminder:|i need to|i have to|i must|i should|i want to|remind me to|don'?t forget to|please|can you|could you)\s*`)

	digitRe = regexp.MustCompile(`\d`)
	vagueRe = regexp.MustCompile(`(?i)^\s*(\w+\s+)?(something|stuff|things|anything|whatever|it)\s*[.!?]*$`)
)

// ExtractMeaning classifies clause into task, event, or note and scores how
// confident that reading is. It is pure and deterministic so ledger
// reasoning can always be reconstructed from the same clause.
func ExtractMeaning(clause string) ExtractedMeaning {
	text := strings.TrimSpace(clause)
	m := ExtractedMeaning{
		Type:     MeaningNote,
		Priority: PriorityMedium,
		HasDate:  dateRe.MatchString(text),
		HasTime:  clockRe.MatchString(text) || timeOfDayRe.MatchString(text),
	}

	switch {
	case timeOfDayRe.MatchString(text) || clockRe.MatchString(text) || eventWordRe.MatchString(text):
		m.Type = MeaningEvent
		m.Signals = append(m.Signals, "event cue")
	case taskWordRe.MatchString(text):
		m.Type = MeaningTask
		m.Signals = append(m.Signals, "task cue")
	default:
		m.Signals = append(m.Signals, "no task or event cue")
	}

	switch {
	case urgentRe.MatchString(text):
		m.Priority = PriorityUrgent
		m.Signals = append(m.Signals, "urgent wording")
	case highRe.MatchString(text):
		m.Priority = PriorityHigh
		m.Signals = append(m.Signals, "high priority wording")
	case lowRe.MatchString(text):
		m.Priority = PriorityLow
		m.Signals = append(m.Signals, "low priority wording")
	}

	stripped := strings.TrimSpace(boilerplateRe.ReplaceAllString(text, ""))
	m.Title = truncateTitle(stripped)
	if len(stripped) > len(m.Title) {
		m.Description = stripped
	}

	score := confidence.MeaningBase
	if n := utf8.RuneCountInString(text); n >= confidence.WellFormedMinLen && n <= confidence.WellFormedMaxLen {
		score += confidence.WellFormedBonus
		m.Signals = append(m.Signals, "well-formed length")
	}
	if digitRe.MatchString(text) {
		score += confidence.DigitBonus
		m.Signals = append(m.Signals, "contains digit")
	}
	if vagueRe.MatchString(stripped) || len(strings.TrimSpace(m.Title)) < 3 {
		m.Vague = true
		score -= confidence.VaguePenalty
		m.Signals = append(m.Signals, "vague object")
	}
	m.Confidence = confidence.Clamp(score)
	return m
}

// truncateTitle cuts s to maxTitleLen runes, preferring the end of the
// first sentence, then the last word boundary.
func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= maxTitleLen {
		return s
	}
	limit := 0
	for n := 0; n < maxTitleLen; n++ {
		_, size := utf8.DecodeRuneInString(s[limit:])
		limit += size
	}
	if i := strings.IndexAny(s, ".!?"); i > 0 && i <= limit {
		return strings.TrimSpace(s[:i])
	}
	cut := s[:limit]
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
