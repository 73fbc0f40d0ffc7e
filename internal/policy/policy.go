// Package policy decides whether an agent-initiated payment may proceed.
//
// Gates run in a fixed order: allowlist, freeze oracle, per-payment cap,
// daily limit, AI risk, AI availability. Deterministic gates come first so
// that model ambiguity can never bypass a hard block. Business rejections
// are returned as Decision values; errors are reserved for infrastructure
// faults the caller must handle explicitly.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/risk"
	"github.com/mbd888/payguard/internal/usdc"
)

var (
	ErrInvalidPolicy  = errors.New("policy: invalid configuration")
	ErrInvalidRequest = errors.New("policy: invalid request")
)

// Code identifies why a payment was rejected.
type Code string

const (
	CodeNotInAllowlist     Code = "NOT_IN_ALLOWLIST"
	CodeAmountExceedsMax   Code = "AMOUNT_EXCEEDS_MAX"
	CodeDailyLimitExceeded Code = "DAILY_LIMIT_EXCEEDED"
	CodeRecipientFrozen    Code = "RECIPIENT_FROZEN"
	CodeAIRiskTooHigh      Code = "AI_RISK_TOO_HIGH"
	CodeAIAssessmentFailed Code = "AI_ASSESSMENT_FAILED"
)

// Policy is the operator-supplied rule set. Optional limits are nil when
// unset. Amounts are decimal strings in token units ("100", "0.5").
type Policy struct {
	Allowlist            []string     `json:"allowlist,omitempty" yaml:"allowlist"`
	MaxAmount            *string      `json:"maxAmount,omitempty" yaml:"maxAmount"`
	DailyLimit           *string      `json:"dailyLimit,omitempty" yaml:"dailyLimit"`
	MaxRiskScore         *int         `json:"maxRiskScore,omitempty" yaml:"maxRiskScore"`
	AutoRejectRiskLevels []risk.Level `json:"autoRejectRiskLevels,omitempty" yaml:"autoRejectRiskLevels"`
	EnableAI             bool         `json:"enableAI" yaml:"enableAI"`
	RequireAIAssessment  bool         `json:"requireAIAssessment" yaml:"requireAIAssessment"`
	AnomalyBoostCap      int          `json:"anomalyBoostCap,omitempty" yaml:"anomalyBoostCap"`
}

// rules is a validated Policy in comparable form.
type rules struct {
	allow        map[string]struct{}
	maxAmount    *big.Int
	dailyLimit   *big.Int
	maxRiskScore *int
	autoReject   map[risk.Level]struct{}
	boostCap     int
}

// Validate checks the policy once, at construction.
func (p Policy) Validate() error {
	_, err := p.compile()
	return err
}

func (p Policy) compile() (*rules, error) {
	r := &rules{
		allow:        make(map[string]struct{}, len(p.Allowlist)),
		maxRiskScore: p.MaxRiskScore,
		autoReject:   make(map[risk.Level]struct{}, len(p.AutoRejectRiskLevels)),
		boostCap:     p.AnomalyBoostCap,
	}

	for _, a := range p.Allowlist {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("%w: allowlist entry %q is not an address", ErrInvalidPolicy, a)
		}
		r.allow[common.HexToAddress(a).Hex()] = struct{}{}
	}

	var err error
	if r.maxAmount, err = parseLimit("maxAmount", p.MaxAmount); err != nil {
		return nil, err
	}
	if r.dailyLimit, err = parseLimit("dailyLimit", p.DailyLimit); err != nil {
		return nil, err
	}

	if s := p.MaxRiskScore; s != nil && (*s < 0 || *s > 100) {
		return nil, fmt.Errorf("%w: maxRiskScore %d outside 0..100", ErrInvalidPolicy, *s)
	}
	for _, lvl := range p.AutoRejectRiskLevels {
		if !lvl.Valid() {
			return nil, fmt.Errorf("%w: unknown risk level %q", ErrInvalidPolicy, lvl)
		}
		r.autoReject[lvl] = struct{}{}
	}
	if p.AnomalyBoostCap < 0 || p.AnomalyBoostCap > 100 {
		return nil, fmt.Errorf("%w: anomalyBoostCap %d outside 0..100", ErrInvalidPolicy, p.AnomalyBoostCap)
	}
	if r.boostCap == 0 {
		r.boostCap = anomaly.DefaultMaxBoost
	}
	if p.RequireAIAssessment && !p.EnableAI {
		return nil, fmt.Errorf("%w: requireAIAssessment needs enableAI", ErrInvalidPolicy)
	}
	return r, nil
}

func parseLimit(name string, s *string) (*big.Int, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	v, ok := usdc.Parse(*s)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q is not a decimal amount", ErrInvalidPolicy, name, *s)
	}
	return v, nil
}

// LoadFile reads a YAML policy and validates it.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Requests and decisions
// -----------------------------------------------------------------------------

// WalletContext is the paying wallet's state.
type WalletContext struct {
	Address string  `json:"address,omitempty"`
	Balance float64 `json:"balance,omitempty"`
}

// Request is a proposed transfer.
type Request struct {
	Recipient string        `json:"recipient"`
	Amount    float64       `json:"amount"`
	Currency  string        `json:"currency,omitempty"`
	Purpose   string        `json:"purpose,omitempty"`
	Text      string        `json:"text,omitempty"`
	Wallet    WalletContext `json:"wallet,omitempty"`
}

// Decision is the terminal, auditable outcome of one request.
type Decision struct {
	ID        string    `json:"id"`
	OK        bool      `json:"ok"`
	Code      Code      `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Recipient string    `json:"recipient"`
	Amount    string    `json:"amount"`
	DecidedAt time.Time `json:"decidedAt"`

	// Populated only when AI assessment ran.
	Intent           *intent.Intent   `json:"intent,omitempty"`
	Risk             *risk.Assessment `json:"risk,omitempty"`
	Anomaly          *anomaly.Result  `json:"anomaly,omitempty"`
	AssessmentSource intent.Source    `json:"assessmentSource,omitempty"`
}

// Accept builds an accepting decision.
func Accept(warnings []string) Decision {
	return Decision{OK: true, Warnings: warnings}
}

// Reject builds a rejecting decision.
func Reject(code Code, msg string) Decision {
	return Decision{OK: false, Code: code, Message: msg}
}

// Outcome labels a decision for metrics and logs.
func (d Decision) Outcome() string {
	if d.OK {
		return "accept"
	}
	return "reject"
}
