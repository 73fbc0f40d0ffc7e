// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/payguard/internal/llm"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// HTTP surface
	CORSOrigins    []string
	RateLimitRPM   int
	RateLimitBurst int

	// Storage (optional, in-memory stores are used when unset)
	DatabaseURL string
	RedisURL    string

	// Chain settings
	RPCURL         string
	ChainID        int64
	FreezeContract string // Freeze oracle contract; empty disables the freeze gate
	WalletAddress  string // Paying wallet the daily ledger is keyed by

	// Policy
	PolicyFile         string // YAML policy; overrides the env rules below
	Allowlist          []string
	MaxAmount          string
	DailyLimit         string
	EnableAI           bool
	RequireAI          bool
	AIMaxRiskScore     *int
	AIAutoRejectLevels []string

	// AI provider
	AIProvider    string
	AIModel       string
	AIMaxTokens   int
	AITemperature float64
	AITimeout     time.Duration
	Credentials   llm.Credentials

	// Anomaly detection
	EnableMLFeatures   bool
	AnomalyBoostCap    int
	AnomalyThreshold   float64
	AnomalyProfilePath string
	RetrainInterval    time.Duration

	// Tracing
	OTLPEndpoint string
}

// Kite testnet defaults
const (
	DefaultRPCURL           = "https://rpc-testnet.gokite.ai/"
	DefaultChainID          = 2368
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultAIMaxTokens      = 500
	DefaultAITemperature    = 0.1
	DefaultAITimeout        = 30 * time.Second
	DefaultAnomalyBoostCap  = 30
	DefaultAnomalyThreshold = -0.5
	DefaultRetrainInterval  = time.Hour
	DefaultRateLimitRPM     = 120
	DefaultRateLimitBurst   = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:        getEnvList("CORS_ORIGIN"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		FreezeContract:     os.Getenv("FREEZE_CONTRACT"),
		WalletAddress:      os.Getenv("WALLET_ADDRESS"),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		Allowlist:          getEnvList("ALLOWLIST"),
		MaxAmount:          os.Getenv("MAX_AMOUNT"),
		DailyLimit:         os.Getenv("DAILY_LIMIT"),
		EnableAI:           getEnvBool("ENABLE_AI_INTENT", false),
		RequireAI:          getEnvBool("REQUIRE_AI_ASSESSMENT", false),
		AIAutoRejectLevels: getEnvList("AI_AUTO_REJECT_LEVELS"),
		AIProvider:         os.Getenv("AI_PROVIDER"),
		AIModel:            os.Getenv("AI_MODEL"),
		AIMaxTokens:        int(getEnvInt64("AI_MAX_TOKENS", DefaultAIMaxTokens)),
		AITemperature:      getEnvFloat("AI_TEMPERATURE", DefaultAITemperature),
		AITimeout:          time.Duration(getEnvInt64("AI_TIMEOUT_MS", DefaultAITimeout.Milliseconds())) * time.Millisecond,
		Credentials: llm.Credentials{
			DeepSeekAPIKey: os.Getenv("DEEPSEEK_API_KEY"),
			GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
			OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
			ClaudeAPIKey:   getEnv("CLAUDE_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
			OllamaURL:      os.Getenv("OLLAMA_URL"),
			LMStudioURL:    os.Getenv("LMSTUDIO_URL"),
			LocalURL:       os.Getenv("LOCAL_AI_URL"),
		},
		EnableMLFeatures:   getEnvBool("ENABLE_ML_FEATURES", false),
		AnomalyBoostCap:    int(getEnvInt64("ANOMALY_BOOST_CAP", DefaultAnomalyBoostCap)),
		AnomalyThreshold:   getEnvFloat("ANOMALY_THRESHOLD", DefaultAnomalyThreshold),
		AnomalyProfilePath: os.Getenv("ANOMALY_PROFILE_PATH"),
		RetrainInterval:    getEnvDuration("RETRAIN_INTERVAL", DefaultRetrainInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if v := os.Getenv("AI_MAX_RISK_SCORE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("AI_MAX_RISK_SCORE must be an integer: %w", err)
		}
		cfg.AIMaxRiskScore = &n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.FreezeContract != "" {
		if !common.IsHexAddress(c.FreezeContract) {
			return fmt.Errorf("FREEZE_CONTRACT must be a 0x-prefixed address")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when FREEZE_CONTRACT is set")
		}
	}
	if c.WalletAddress != "" && !common.IsHexAddress(c.WalletAddress) {
		return fmt.Errorf("WALLET_ADDRESS must be a 0x-prefixed address")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}

	if c.AIMaxRiskScore != nil && (*c.AIMaxRiskScore < 0 || *c.AIMaxRiskScore > 100) {
		return fmt.Errorf("AI_MAX_RISK_SCORE must be between 0 and 100")
	}
	if c.AITemperature < 0 || c.AITemperature > 2 {
		return fmt.Errorf("AI_TEMPERATURE must be between 0 and 2")
	}
	if c.AIMaxTokens <= 0 {
		return fmt.Errorf("AI_MAX_TOKENS must be positive")
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT_MS must be positive")
	}
	if c.AIProvider != "" && !llm.Provider(strings.ToLower(c.AIProvider)).Valid() {
		return fmt.Errorf("AI_PROVIDER %q is not a known provider", c.AIProvider)
	}
	if c.RequireAI && !c.EnableAI {
		return fmt.Errorf("REQUIRE_AI_ASSESSMENT needs ENABLE_AI_INTENT")
	}

	if c.AnomalyBoostCap < 0 || c.AnomalyBoostCap > 100 {
		return fmt.Errorf("ANOMALY_BOOST_CAP must be between 0 and 100")
	}
	if c.RetrainInterval <= 0 {
		return fmt.Errorf("RETRAIN_INTERVAL must be positive")
	}

	return nil
}

// LLMSettings returns the provider selection input.
func (c *Config) LLMSettings() llm.Settings {
	return llm.Settings{
		Provider:    llm.Provider(strings.ToLower(c.AIProvider)),
		Model:       c.AIModel,
		Credentials: c.Credentials,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool accepts "1" and "true" (any case) as true.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "1" || strings.EqualFold(value, "true")
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
