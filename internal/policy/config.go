package policy

import (
	"strings"

	"github.com/mbd888/payguard/internal/config"
	"github.com/mbd888/payguard/internal/risk"
)

// FromConfig builds the policy from the environment. POLICY_FILE, when set,
// takes precedence over the individual variables.
func FromConfig(cfg *config.Config) (Policy, error) {
	if cfg.PolicyFile != "" {
		return LoadFile(cfg.PolicyFile)
	}

	p := Policy{
		Allowlist:           cfg.Allowlist,
		MaxRiskScore:        cfg.AIMaxRiskScore,
		EnableAI:            cfg.EnableAI,
		RequireAIAssessment: cfg.RequireAI,
		AnomalyBoostCap:     cfg.AnomalyBoostCap,
	}
	if cfg.MaxAmount != "" {
		v := cfg.MaxAmount
		p.MaxAmount = &v
	}
	if cfg.DailyLimit != "" {
		v := cfg.DailyLimit
		p.DailyLimit = &v
	}
	for _, lvl := range cfg.AIAutoRejectLevels {
		p.AutoRejectRiskLevels = append(p.AutoRejectRiskLevels, risk.Level(strings.ToLower(lvl)))
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
