// Package mood infers how the user is doing from what they type and how they
// have been working, and tracks how receptive they are to assistant prompts.
package mood

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/kalambet/aide/internal/confidence"
)

// Mood is the user's inferred emotional tone.
type Mood string

const (
	Neutral     Mood = "neutral"
	Happy       Mood = "happy"
	Focused     Mood = "focused"
	Frustrated  Mood = "frustrated"
	Tired       Mood = "tired"
	Overwhelmed Mood = "overwhelmed"
)

// State is the user's inferred working state.
type State string

const (
	StateNormal      State = "normal"
	StateFlowing     State = "flowing"
	StateStruggling  State = "struggling"
	StateScattered   State = "scattered"
	StateOverwhelmed State = "overwhelmed"
)

// FrictionType classifies one moment where a task got harder than it should.
type FrictionType string

const (
	FrictionRepeatedEdits      FrictionType = "repeated_edits"
	FrictionAbandonment        FrictionType = "abandonment"
	FrictionLongCompletionTime FrictionType = "long_completion_time"
)

// Friction records one friction event against an entity.
type Friction struct {
	Type     FrictionType `json:"friction_type"`
	EntityID string       `json:"entity_id,omitempty"`
	At       time.Time    `json:"at"`
}

// UsagePattern is a slowly updated aggregate of how the user works.
type UsagePattern struct {
	AverageSessionLength      time.Duration `json:"average_session_length"`
	PeakHours                 []int         `json:"peak_hours,omitempty"`
	TaskCompletionRate        float64       `json:"task_completion_rate"`
	InputFrequency            float64       `json:"input_frequency"`
	FrictionPoints            []string      `json:"friction_points,omitempty"`
	PreferredInteractionStyle string        `json:"preferred_interaction_style,omitempty"`
}

// Inference is the result of one classification.
type Inference struct {
	Mood       Mood      `json:"mood"`
	State      State     `json:"state"`
	Confidence float64   `json:"confidence"`
	Indicators []string  `json:"indicators"`
	Timestamp  time.Time `json:"timestamp"`
}

// String renders the inference for ledger context, e.g. "tired/scattered (60%)".
func (i Inference) String() string {
	return fmt.Sprintf("%s/%s (%.0f%%)", i.Mood, i.State, i.Confidence*100)
}

// Signals are the inputs to mood classification. Nil or zero fields are
// treated as absent.
type Signals struct {
	Text                string
	Usage               *UsagePattern
	RecentFriction      []Friction
	RecentPostponements int
	// InputFrequency is inputs per minute over the recent window.
	InputFrequency float64
	At             time.Time
}

type lexicon struct {
	mood  Mood
	state State
	conf  float64
	re    *regexp.Regexp
}

// Checked in order; the first lexicon with the highest score wins.
var lexicons = []lexicon{
	{Overwhelmed, StateOverwhelmed, 0.85, regexp.MustCompile(`(?i)\b(overwhelm(ed|ing)?|too much|drowning|can'?t cope|swamped|buried)\b`)},
	{Frustrated, StateStruggling, 0.8, regexp.MustCompile(`(?i)\b(frustrat(ed|ing)|annoy(ed|ing)|ugh+|argh+|stupid|hate|not working|broken)\b`)},
	{Tired, StateScattered, 0.8, regexp.MustCompile(`(?i)\b(tired|exhausted|sleepy|worn out|drained|no energy)\b`)},
	{Focused, StateFlowing, 0.75, regexp.MustCompile(`(?i)\b(focus(ed|ing)?|in the zone|deep work|heads? down|locked in)\b`)},
	{Happy, StateFlowing, 0.75, regexp.MustCompile(`(?i)\b(great|awesome|happy|excited|love|yay|fantastic|wonderful)\b`)},
}

// Classifier fuses text, friction, postponement and usage signals into an
// Inference. It holds no state.
type Classifier struct{}

// Classify runs the fusion steps in order. A step replaces the held mood
// only when its own confidence is higher, so a specific signal such as
// explicit wording is not clobbered by a generic pattern signal.
func (Classifier) Classify(s Signals) Inference {
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	inf := Inference{Mood: Neutral, State: StateNormal, Confidence: 0.5, Timestamp: at.UTC()}

	consider := func(m Mood, st State, conf float64, why string) {
		if conf > inf.Confidence {
			inf.Mood, inf.State, inf.Confidence = m, st, conf
			inf.Indicators = append(inf.Indicators, why)
		}
	}

	if s.Text != "" {
		if m, st, conf, hits := lexicalMood(s.Text); hits > 0 {
			consider(m, st, conf, fmt.Sprintf("text suggests %s", m))
		}
	}
	trusted := inf.Confidence > confidence.LexicalTrust

	if !trusted {
		var edits, abandons, slow int
		for _, f := range s.RecentFriction {
			switch f.Type {
			case FrictionRepeatedEdits:
				edits++
			case FrictionAbandonment:
				abandons++
			case FrictionLongCompletionTime:
				slow++
			}
		}
		if edits >= 3 {
			consider(Frustrated, StateStruggling, 0.7, fmt.Sprintf("%d repeated edits", edits))
		}
		if abandons > 1 {
			if inf.Mood == Overwhelmed {
				if inf.Confidence < 0.7 {
					inf.Confidence = 0.7
					inf.Indicators = append(inf.Indicators, fmt.Sprintf("%d abandoned tasks", abandons))
				}
			} else {
				consider(Overwhelmed, StateOverwhelmed, 0.65, fmt.Sprintf("%d abandoned tasks", abandons))
			}
		}
		if slow > 2 {
			consider(Tired, StateScattered, 0.6, fmt.Sprintf("%d slow completions", slow))
		}

		if s.RecentPostponements > 2 && inf.Mood == Neutral {
			consider(Overwhelmed, StateOverwhelmed, 0.6, fmt.Sprintf("%d postponements", s.RecentPostponements))
		}

		if u := s.Usage; u != nil {
			if u.TaskCompletionRate < 0.5 {
				consider(Frustrated, StateStruggling, 0.7, fmt.Sprintf("completion rate %.0f%%", u.TaskCompletionRate*100))
			}
			if len(u.FrictionPoints) > 3 {
				if inf.Mood == Overwhelmed {
					if inf.Confidence < 0.65 {
						inf.Confidence = 0.65
					}
				} else {
					consider(Overwhelmed, StateOverwhelmed, 0.65, fmt.Sprintf("%d friction points", len(u.FrictionPoints)))
				}
			}
		}
	}

	// Advisory signals only nudge confidence.
	hour := at.Hour()
	if hour >= 23 || hour < 5 {
		if inf.Mood == Tired {
			inf.Confidence += 0.05
		}
		inf.Indicators = append(inf.Indicators, "late hour")
	}
	if s.InputFrequency > 5 && (inf.Mood == Frustrated || inf.Mood == Overwhelmed) {
		inf.Confidence += 0.05
		inf.Indicators = append(inf.Indicators, "rapid input")
	}

	inf.Confidence = confidence.Clamp(inf.Confidence)
	return inf
}

func lexicalMood(text string) (Mood, State, float64, int) {
	var (
		best     lexicon
		bestConf float64
		total    int
	)
	for _, l := range lexicons {
		n := len(l.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		total += n
		conf := l.conf + 0.05*float64(n-1)
		if conf > 0.95 {
			conf = 0.95
		}
		if conf > bestConf {
			best, bestConf = l, conf
		}
	}
	return best.mood, best.state, bestConf, total
}

const frictionCap = 10

// FrictionLog keeps the most recent friction events. Safe for concurrent use.
type FrictionLog struct {
	mu     sync.Mutex
	events []Friction
}

// Add appends f, dropping the oldest event beyond the cap.
func (l *FrictionLog) Add(f Friction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, f)
	if over := len(l.events) - frictionCap; over > 0 {
		l.events = append([]Friction(nil), l.events[over:]...)
	}
}

// Recent returns a copy of the held events, oldest first.
func (l *FrictionLog) Recent() []Friction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Friction(nil), l.events...)
}
