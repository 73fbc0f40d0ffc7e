// Package risk defines the risk assessment shared by the intent parser,
// the anomaly scorer and the policy engine.
//
// Scores range from 0 (safe) to 100 (certain fraud). Levels are derived
// from the score unless a source states one explicitly.
package risk

import (
	"strings"
)

// Level is a coarse risk bucket.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Score thresholds for LevelForScore.
const (
	LowBelow    = 30
	MediumBelow = 70
)

// ParseLevel normalises s. Unknown values map to medium.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelLow:
		return LevelLow
	case LevelHigh:
		return LevelHigh
	default:
		return LevelMedium
	}
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh
}

// Rank orders levels: low < medium < high.
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelHigh:
		return 2
	default:
		return 1
	}
}

// LevelForScore buckets a 0..100 score.
func LevelForScore(score int) Level {
	switch {
	case score < LowBelow:
		return LevelLow
	case score < MediumBelow:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Clamp bounds score to 0..100.
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Assessment is the risk verdict for one payment.
type Assessment struct {
	Score           int      `json:"score"`
	Level           Level    `json:"level"`
	Reasons         []string `json:"reasons"`
	Recommendations []string `json:"recommendations"`
}

// Clone returns a deep copy.
func (a Assessment) Clone() Assessment {
	out := a
	out.Reasons = append([]string(nil), a.Reasons...)
	out.Recommendations = append([]string(nil), a.Recommendations...)
	return out
}

// Normalize clamps the score and fixes an unknown level.
func (a Assessment) Normalize() Assessment {
	out := a.Clone()
	out.Score = Clamp(out.Score)
	if !out.Level.Valid() {
		out.Level = ParseLevel(string(out.Level))
	}
	if out.Reasons == nil {
		out.Reasons = []string{}
	}
	if out.Recommendations == nil {
		out.Recommendations = []string{}
	}
	return out
}

// ReasonSummary joins the reasons for a rejection message.
func (a Assessment) ReasonSummary() string {
	return strings.Join(a.Reasons, "; ")
}
