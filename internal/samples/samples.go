// Package samples collects labelled decision samples for retraining the
// anomaly profile. Only decisions that produced a feature vector are kept.
package samples

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/policy"
)

// Label is the training label of a sample.
type Label string

const (
	LabelNormal  Label = "normal"
	LabelRisk    Label = "risk"
	LabelUnknown Label = "unknown"
)

// Auto-label thresholds on the final risk score.
const (
	RiskAbove   = 80
	NormalBelow = 30

	// DefaultNormalLimit caps how many normal vectors a retrain reads.
	DefaultNormalLimit = 1000
)

var ErrInvalidSample = errors.New("samples: invalid sample")

// Sample is one decided payment with its features.
type Sample struct {
	ID           string          `json:"id"`
	DecisionID   string          `json:"decisionId"`
	Wallet       string          `json:"wallet"`
	Recipient    string          `json:"recipient"`
	Amount       float64         `json:"amount"`
	Features     features.Vector `json:"features"`
	Outcome      string          `json:"outcome"`
	Code         string          `json:"code,omitempty"`
	RiskScore    *int            `json:"riskScore,omitempty"`
	AnomalyScore *float64        `json:"anomalyScore,omitempty"`
	Label        Label           `json:"label"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Stats counts samples by label.
type Stats struct {
	Total   int `json:"total"`
	Normal  int `json:"normal"`
	Risk    int `json:"risk"`
	Unknown int `json:"unknown"`
}

// Store persists samples.
type Store interface {
	SaveBatch(ctx context.Context, batch []Sample) error
	// Normal returns up to limit normal-labelled vectors, newest first.
	Normal(ctx context.Context, limit int) ([]features.Vector, error)
	Stats(ctx context.Context) (Stats, error)
}

// AutoLabel labels a decision: any rejection is risk; otherwise the final
// risk score decides (> RiskAbove risk, < NormalBelow normal). Accepted
// decisions without a risk assessment are unknown.
func AutoLabel(d policy.Decision) Label {
	if !d.OK {
		return LabelRisk
	}
	if d.Risk == nil {
		return LabelUnknown
	}
	switch {
	case d.Risk.Score > RiskAbove:
		return LabelRisk
	case d.Risk.Score < NormalBelow:
		return LabelNormal
	default:
		return LabelUnknown
	}
}

// FromEvent builds a sample. ok is false when the event carries no
// features or no decision.
func FromEvent(ev policy.Event) (Sample, bool) {
	if ev.Err != nil || ev.Features == nil || ev.Decision.ID == "" {
		return Sample{}, false
	}
	d := ev.Decision
	s := Sample{
		DecisionID: d.ID,
		Wallet:     ev.Request.Wallet.Address,
		Recipient:  d.Recipient,
		Amount:     ev.Request.Amount,
		Features:   *ev.Features,
		Outcome:    d.Outcome(),
		Code:       string(d.Code),
		Label:      AutoLabel(d),
		CreatedAt:  d.DecidedAt,
	}
	if d.Risk != nil {
		score := d.Risk.Score
		s.RiskScore = &score
	}
	if d.Anomaly != nil {
		score := d.Anomaly.Score
		s.AnomalyScore = &score
	}
	return s, true
}
