package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/llm"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FREEZE_CONTRACT", "")
	t.Setenv("AI_MAX_RISK_SCORE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultAITimeout, cfg.AITimeout)
	assert.InDelta(t, DefaultAITemperature, cfg.AITemperature, 1e-9)
	assert.Equal(t, DefaultAnomalyBoostCap, cfg.AnomalyBoostCap)
	assert.Nil(t, cfg.AIMaxRiskScore)
}

func TestLoad_PolicyAndAI(t *testing.T) {
	t.Setenv("ALLOWLIST", " 0x1111111111111111111111111111111111111111, ,0x2222222222222222222222222222222222222222 ")
	t.Setenv("MAX_AMOUNT", "100")
	t.Setenv("DAILY_LIMIT", "500.5")
	t.Setenv("ENABLE_AI_INTENT", "1")
	t.Setenv("REQUIRE_AI_ASSESSMENT", "TRUE")
	t.Setenv("AI_MAX_RISK_SCORE", "70")
	t.Setenv("AI_AUTO_REJECT_LEVELS", "high")
	t.Setenv("AI_TIMEOUT_MS", "1500")
	t.Setenv("AI_PROVIDER", "OpenAI")
	t.Setenv("CLAUDE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("RETRAIN_INTERVAL", "15m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
	}, cfg.Allowlist)
	assert.Equal(t, "100", cfg.MaxAmount)
	assert.Equal(t, "500.5", cfg.DailyLimit)
	assert.True(t, cfg.EnableAI)
	assert.True(t, cfg.RequireAI)
	require.NotNil(t, cfg.AIMaxRiskScore)
	assert.Equal(t, 70, *cfg.AIMaxRiskScore)
	assert.Equal(t, []string{"high"}, cfg.AIAutoRejectLevels)
	assert.Equal(t, 1500*time.Millisecond, cfg.AITimeout)
	assert.Equal(t, "sk-ant", cfg.Credentials.ClaudeAPIKey)
	assert.Equal(t, 15*time.Minute, cfg.RetrainInterval)
	assert.Equal(t, llm.ProviderOpenAI, cfg.LLMSettings().Provider)
}

func TestLoad_InvalidRiskScore(t *testing.T) {
	t.Setenv("AI_MAX_RISK_SCORE", "high")

	_, err := Load()
	assert.ErrorContains(t, err, "AI_MAX_RISK_SCORE")
}

func validConfig() Config {
	return Config{
		RPCURL:          DefaultRPCURL,
		LogFormat:       "json",
		AIMaxTokens:     DefaultAIMaxTokens,
		AITemperature:   DefaultAITemperature,
		AITimeout:       DefaultAITimeout,
		AnomalyBoostCap: DefaultAnomalyBoostCap,
		RetrainInterval: DefaultRetrainInterval,
	}
}

func TestConfig_Validate(t *testing.T) {
	score := func(n int) *int { return &n }

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"freeze contract", func(c *Config) { c.FreezeContract = "0x3168a2307a3c272ea6CE2ab0EF1733CA493aa719" }, ""},
		{"bad freeze contract", func(c *Config) { c.FreezeContract = "0xnope" }, "FREEZE_CONTRACT"},
		{"freeze without RPC", func(c *Config) {
			c.FreezeContract = "0x3168a2307a3c272ea6CE2ab0EF1733CA493aa719"
			c.RPCURL = ""
		}, "RPC_URL is required"},
		{"bad wallet", func(c *Config) { c.WalletAddress = "wallet" }, "WALLET_ADDRESS"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"risk score out of range", func(c *Config) { c.AIMaxRiskScore = score(101) }, "AI_MAX_RISK_SCORE"},
		{"risk score bounds", func(c *Config) { c.AIMaxRiskScore = score(0) }, ""},
		{"temperature", func(c *Config) { c.AITemperature = 2.5 }, "AI_TEMPERATURE"},
		{"tokens", func(c *Config) { c.AIMaxTokens = 0 }, "AI_MAX_TOKENS"},
		{"timeout", func(c *Config) { c.AITimeout = 0 }, "AI_TIMEOUT_MS"},
		{"unknown provider", func(c *Config) { c.AIProvider = "skynet" }, "AI_PROVIDER"},
		{"require without enable", func(c *Config) { c.RequireAI = true }, "REQUIRE_AI_ASSESSMENT"},
		{"boost cap", func(c *Config) { c.AnomalyBoostCap = -1 }, "ANOMALY_BOOST_CAP"},
		{"retrain interval", func(c *Config) { c.RetrainInterval = 0 }, "RETRAIN_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBool(t *testing.T) {
	for value, want := range map[string]bool{"1": true, "true": true, "True": true, "0": false, "yes": false} {
		t.Setenv("TEST_BOOL", value)
		assert.Equal(t, want, getEnvBool("TEST_BOOL", false), value)
	}
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
}
