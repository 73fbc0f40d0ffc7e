package anomaly

import (
	"math"

	"github.com/mbd888/payguard/internal/features"
)

// Cold-start rule weights.
const (
	heuristicLargeAmount   = 1000.0
	heuristicNewDays       = 7.0
	heuristicChurn         = 0.8
	heuristicFlagThreshold = -0.3
	heuristicConfidence    = 0.5
	maxRejectPenalties     = 5
)

// Heuristic scores a vector without a fitted profile.
func Heuristic(v features.Vector) Result {
	score := 0.0
	var reasons, names []string

	if v.Amount > heuristicLargeAmount {
		score -= 0.3
		reasons = append(reasons, "large amount")
		names = append(names, "amount")
	}
	if v.AddressFirstSeenDays < heuristicNewDays {
		score -= 0.2
		reasons = append(reasons, "new recipient")
		names = append(names, "address_first_seen_days")
	}
	if v.HourOfDay < 6 || v.HourOfDay > 22 {
		score -= 0.2
		reasons = append(reasons, "off-hours transaction")
		names = append(names, "hour_of_day")
	}
	if v.RecipientChangeRate > heuristicChurn {
		score -= 0.15
		reasons = append(reasons, "high recipient churn")
		names = append(names, "recipient_change_rate")
	}
	if v.UserRejectCount > 0 {
		score -= 0.1 * math.Min(v.UserRejectCount, maxRejectPenalties)
		reasons = append(reasons, "prior rejections")
		names = append(names, "user_reject_count")
	}

	score = math.Max(-1, math.Min(1, score))
	if reasons == nil {
		reasons = []string{}
	}
	return Result{
		IsAnomaly:  score < heuristicFlagThreshold,
		Score:      score,
		Confidence: heuristicConfidence,
		Reasons:    reasons,
		Features:   names,
		Method:     MethodHeuristic,
	}
}
