package anomaly

import (
	"math"

	"github.com/mbd888/payguard/internal/risk"
)

// DefaultMaxBoost caps how many points an anomaly adds to a risk score.
const DefaultMaxBoost = 30

// ReasonPrefix marks reasons contributed by the anomaly layer.
const ReasonPrefix = "anomaly: "

// Adjuster folds an anomaly result into a risk assessment.
type Adjuster struct {
	MaxBoost int
}

// NewAdjuster returns an adjuster with the given cap; non-positive means DefaultMaxBoost.
func NewAdjuster(maxBoost int) Adjuster {
	if maxBoost <= 0 {
		maxBoost = DefaultMaxBoost
	}
	return Adjuster{MaxBoost: maxBoost}
}

// Apply returns a copy of a boosted by MaxBoost x |score| when r is
// anomalous. The level is recomputed from the new score but never lowered.
// Non-anomalous results leave the assessment unchanged.
func (adj Adjuster) Apply(a risk.Assessment, r Result) risk.Assessment {
	out := a.Clone()
	if !r.IsAnomaly {
		return out
	}

	boost := int(math.Round(float64(adj.MaxBoost) * math.Min(1, math.Abs(r.Score))))
	out.Score = risk.Clamp(out.Score + boost)
	if lvl := risk.LevelForScore(out.Score); lvl.Rank() > out.Level.Rank() {
		out.Level = lvl
	}
	if len(r.Reasons) == 0 {
		out.Reasons = append(out.Reasons, ReasonPrefix+"unusual payment pattern")
	}
	for _, reason := range r.Reasons {
		out.Reasons = append(out.Reasons, ReasonPrefix+reason)
	}
	return out
}
