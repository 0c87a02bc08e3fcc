// Package behavior maps the user's inferred mood and engagement onto how the
// assistant may speak: tone, verbosity, timing, and whether it may ask.
// It never decides whether the assistant may act.
package behavior

import (
	"github.com/kalambet/aide/internal/mood"
)

type Tone string

const (
	ToneNeutral    Tone = "neutral"
	ToneWarm       Tone = "warm"
	ToneCalm       Tone = "calm"
	ToneDirect     Tone = "direct"
	ToneSupportive Tone = "supportive"
)

// Verbosity is ordered from least to most output.
type Verbosity int

const (
	VerbosityMinimal Verbosity = iota
	VerbosityBrief
	VerbosityNormal
	VerbosityDetailed
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityMinimal:
		return "minimal"
	case VerbosityBrief:
		return "brief"
	case VerbosityNormal:
		return "normal"
	default:
		return "detailed"
	}
}

func (v Verbosity) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// QuestionFrequency is ordered from never to normal.
type QuestionFrequency int

const (
	QuestionsNever QuestionFrequency = iota
	QuestionsLow
	QuestionsNormal
)

func (q QuestionFrequency) String() string {
	switch q {
	case QuestionsNever:
		return "never"
	case QuestionsLow:
		return "low"
	default:
		return "normal"
	}
}

func (q QuestionFrequency) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

type Timing string

const (
	TimingImmediate Timing = "immediate"
	TimingDeferred  Timing = "deferred"
	TimingBatched   Timing = "batched"
)

// AIBehavior is how the assistant should communicate right now.
type AIBehavior struct {
	Tone              Tone              `json:"tone"`
	Verbosity         Verbosity         `json:"verbosity"`
	Timing            Timing            `json:"timing"`
	QuestionFrequency QuestionFrequency `json:"question_frequency"`
	SilenceMode       bool              `json:"silence_mode"`
}

// AllowsQuestions reports whether a clarification question may be asked.
func (b AIBehavior) AllowsQuestions() bool {
	return !b.SilenceMode && b.QuestionFrequency > QuestionsNever
}

// Strictest is the fully quiet behavior.
var Strictest = AIBehavior{
	Tone:              ToneCalm,
	Verbosity:         VerbosityMinimal,
	Timing:            TimingDeferred,
	QuestionFrequency: QuestionsNever,
	SilenceMode:       true,
}

// Input holds everything Determine looks at.
type Input struct {
	Mood             mood.Mood
	State            mood.State
	Usage            *mood.UsagePattern
	RecentFriction   []mood.Friction
	RecentEngagement *mood.EngagementMetrics
	Dismissals       int
}

func base(m mood.Mood) AIBehavior {
	switch m {
	case mood.Overwhelmed:
		return Strictest
	case mood.Frustrated:
		return AIBehavior{Tone: ToneSupportive, Verbosity: VerbosityBrief, Timing: TimingImmediate, QuestionFrequency: QuestionsLow}
	case mood.Tired:
		return AIBehavior{Tone: ToneCalm, Verbosity: VerbosityMinimal, Timing: TimingDeferred, QuestionFrequency: QuestionsNever, SilenceMode: true}
	case mood.Focused:
		return AIBehavior{Tone: ToneDirect, Verbosity: VerbosityBrief, Timing: TimingBatched, QuestionFrequency: QuestionsNever, SilenceMode: true}
	case mood.Happy:
		return AIBehavior{Tone: ToneWarm, Verbosity: VerbosityNormal, Timing: TimingImmediate, QuestionFrequency: QuestionsLow}
	default:
		return AIBehavior{Tone: ToneNeutral, Verbosity: VerbosityBrief, Timing: TimingImmediate, QuestionFrequency: QuestionsLow}
	}
}

// Determine computes the behavior for in. State adjustments only ever make
// the result quieter. Repeated dismissals and an overwhelmed mood or state
// are hard overrides applied last.
func Determine(in Input) AIBehavior {
	b := base(in.Mood)

	switch in.State {
	case mood.StateStruggling:
		b = tighten(b, VerbosityBrief, QuestionsLow, false)
		b.Tone = ToneSupportive
	case mood.StateScattered:
		b = tighten(b, VerbosityBrief, QuestionsNever, false)
	case mood.StateFlowing:
		b = tighten(b, VerbosityBrief, QuestionsLow, false)
		if b.Timing == TimingImmediate {
			b.Timing = TimingBatched
		}
	}

	if len(in.RecentFriction) >= 5 {
		b = tighten(b, VerbosityBrief, QuestionsNever, false)
	}
	if e := in.RecentEngagement; e != nil && e.ConsecutiveDismissals >= 2 {
		b = tighten(b, VerbosityBrief, QuestionsNever, false)
	}

	if in.Dismissals > 2 {
		b = tighten(b, VerbosityMinimal, QuestionsNever, true)
	}
	if in.Mood == mood.Overwhelmed || in.State == mood.StateOverwhelmed {
		b = Strictest
	}
	return b
}

// tighten moves b toward quiet; it never raises verbosity or question frequency.
func tighten(b AIBehavior, maxVerb Verbosity, maxQ QuestionFrequency, silence bool) AIBehavior {
	if b.Verbosity > maxVerb {
		b.Verbosity = maxVerb
	}
	if b.QuestionFrequency > maxQ {
		b.QuestionFrequency = maxQ
	}
	if silence {
		b.SilenceMode = true
	}
	return b
}

// Message picks the variant of a user-facing message suited to b. essential
// messages are always delivered; others are dropped in silence mode.
func (b AIBehavior) Message(short, full string, essential bool) (string, bool) {
	if b.SilenceMode && !essential {
		return "", false
	}
	if b.Verbosity >= VerbosityNormal && full != "" {
		return full, true
	}
	return short, true
}
