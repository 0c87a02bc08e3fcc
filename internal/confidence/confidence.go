// Package confidence holds the scoring constants shared by the meaning
// extractor, clarification gate and decision ledger, plus small helpers for
// clamping and rendering scores.
//
// The constants are hand-tuned heuristics. They are kept here, in one place,
// so they can be tuned without touching the scorers that use them.
package confidence

import "fmt"

// Meaning extractor scoring.
const (
	MeaningBase      = 0.5
	WellFormedBonus  = 0.1
	DigitBonus       = 0.1
	WellFormedMinLen = 10
	WellFormedMaxLen = 200

	// VaguePenalty is subtracted when the only object of a clause is a
	// placeholder ("plan something", "do stuff").
	VaguePenalty = 0.3
)

// ClarifyThreshold is the score below which an ambiguity may block and
// warrant a clarification question.
const ClarifyThreshold = 0.4

// LexicalTrust is the score above which a text-derived mood is taken as is.
const LexicalTrust = 0.7

// Level buckets a score for display.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Clamp bounds v to [0, 1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// LevelOf returns the display bucket for v.
func LevelOf(v float64) Level {
	switch {
	case v >= 0.8:
		return LevelHigh
	case v >= 0.5:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Format renders v as a whole percentage with its level, e.g. "72% (medium)".
func Format(v float64) string {
	v = Clamp(v)
	return fmt.Sprintf("%.0f%% (%s)", v*100, LevelOf(v))
}

// Min returns the smallest of the given scores, or 0 when none are given.
func Min(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
