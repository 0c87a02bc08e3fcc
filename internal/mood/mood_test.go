package mood

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func frictions(typ FrictionType, n int) []Friction {
	out := make([]Friction, n)
	for i := range out {
		out[i] = Friction{Type: typ, At: noon}
	}
	return out
}

func TestClassify_NeutralDefault(t *testing.T) {
	inf := Classifier{}.Classify(Signals{At: noon})
	assert.Equal(t, Neutral, inf.Mood)
	assert.Equal(t, StateNormal, inf.State)
	assert.Equal(t, 0.5, inf.Confidence)
}

func TestClassify_LexicalTrustedOutright(t *testing.T) {
	inf := Classifier{}.Classify(Signals{
		Text:           "ugh this is so frustrating",
		RecentFriction: frictions(FrictionAbandonment, 4),
		Usage:          &UsagePattern{TaskCompletionRate: 0.2, FrictionPoints: []string{"a", "b", "c", "d"}},
		At:             noon,
	})
	assert.Equal(t, Frustrated, inf.Mood)
	assert.Equal(t, StateStruggling, inf.State)
	assert.Greater(t, inf.Confidence, 0.7)
}

func TestClassify_RepeatedEdits(t *testing.T) {
	inf := Classifier{}.Classify(Signals{RecentFriction: frictions(FrictionRepeatedEdits, 3), At: noon})
	assert.Equal(t, Frustrated, inf.Mood)
	assert.Equal(t, StateStruggling, inf.State)
	assert.InDelta(t, 0.7, inf.Confidence, 1e-9)
}

func TestClassify_Abandonments(t *testing.T) {
	inf := Classifier{}.Classify(Signals{RecentFriction: frictions(FrictionAbandonment, 2), At: noon})
	assert.Equal(t, Overwhelmed, inf.Mood)
	assert.InDelta(t, 0.65, inf.Confidence, 1e-9)

	// Friction points agree with the held mood and keep its confidence.
	inf = Classifier{}.Classify(Signals{
		RecentFriction: frictions(FrictionAbandonment, 2),
		Usage:          &UsagePattern{TaskCompletionRate: 0.9, FrictionPoints: []string{"a", "b", "c", "d"}},
		At:             noon,
	})
	assert.Equal(t, Overwhelmed, inf.Mood)
	assert.InDelta(t, 0.65, inf.Confidence, 1e-9)
}

func TestClassify_SlowCompletions(t *testing.T) {
	inf := Classifier{}.Classify(Signals{RecentFriction: frictions(FrictionLongCompletionTime, 3), At: noon})
	assert.Equal(t, Tired, inf.Mood)
	assert.Equal(t, StateScattered, inf.State)
	assert.InDelta(t, 0.6, inf.Confidence, 1e-9)
}

func TestClassify_Postponements(t *testing.T) {
	inf := Classifier{}.Classify(Signals{RecentPostponements: 3, At: noon})
	assert.Equal(t, Overwhelmed, inf.Mood)
	assert.InDelta(t, 0.6, inf.Confidence, 1e-9)
}

func TestClassify_LowerConfidenceDoesNotOverwrite(t *testing.T) {
	// Repeated edits give frustrated at 0.7; slow completions (0.6) must not
	// replace it.
	f := append(frictions(FrictionRepeatedEdits, 3), frictions(FrictionLongCompletionTime, 3)...)
	inf := Classifier{}.Classify(Signals{RecentFriction: f, At: noon})
	assert.Equal(t, Frustrated, inf.Mood)
}

func TestClassify_UsageLowCompletion(t *testing.T) {
	inf := Classifier{}.Classify(Signals{Usage: &UsagePattern{TaskCompletionRate: 0.3}, At: noon})
	assert.Equal(t, Frustrated, inf.Mood)
	assert.InDelta(t, 0.7, inf.Confidence, 1e-9)
}

func TestClassify_TimeOfDayAdvisoryOnly(t *testing.T) {
	late := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	inf := Classifier{}.Classify(Signals{At: late})
	assert.Equal(t, Neutral, inf.Mood, "time of day never sets mood")
	assert.Equal(t, 0.5, inf.Confidence)
	assert.Contains(t, inf.Indicators, "late hour")

	inf = Classifier{}.Classify(Signals{Text: "so tired", At: late})
	assert.Equal(t, Tired, inf.Mood)
	assert.InDelta(t, 0.85, inf.Confidence, 1e-9)
}

func TestClassify_ConfidenceClamped(t *testing.T) {
	inf := Classifier{}.Classify(Signals{
		Text:           "overwhelmed, swamped, drowning, too much, buried, can't cope",
		InputFrequency: 10,
		At:             noon,
	})
	require.Equal(t, Overwhelmed, inf.Mood)
	assert.LessOrEqual(t, inf.Confidence, 1.0)
}

func TestFrictionLog_Cap(t *testing.T) {
	var l FrictionLog
	for i := 0; i < 15; i++ {
		l.Add(Friction{Type: FrictionRepeatedEdits, EntityID: fmt.Sprint(i)})
	}
	got := l.Recent()
	require.Len(t, got, 10)
	assert.Equal(t, "5", got[0].EntityID)
	assert.Equal(t, "14", got[9].EntityID)
}
