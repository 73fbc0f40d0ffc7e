package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/payguard/internal/cache"
	"github.com/mbd888/payguard/internal/retry"
	"github.com/mbd888/payguard/internal/traces"
)

// Completion defaults.
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 500
	DefaultTimeout     = 30 * time.Second
	DefaultCacheTTL    = 300 * time.Second
)

// Parser is the intent/risk pipeline. A Parser without an LLM client is
// valid and always uses the rule-based path.
type Parser struct {
	client     LLMClient
	provider   string
	results    *cache.TTL[Result]
	intents    *cache.TTL[Result]
	cacheTTL   time.Duration
	now        func() time.Time
	retryOpts  retry.Options
	completion CompletionOptions
	logger     *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLLM sets the model backend. provider is recorded for logs and metrics.
func WithLLM(client LLMClient, provider string) Option {
	return func(p *Parser) {
		p.client = client
		p.provider = provider
	}
}

// WithCompletionOptions overrides temperature, token budget and timeout.
func WithCompletionOptions(opts CompletionOptions) Option {
	return func(p *Parser) { p.completion = opts }
}

// WithRetry overrides the retry profile for model calls.
func WithRetry(opts retry.Options) Option {
	return func(p *Parser) { p.retryOpts = opts }
}

// WithCacheTTL sets how long model results are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Parser) { p.cacheTTL = ttl }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// NewParser creates a parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		cacheTTL:  DefaultCacheTTL,
		now:       time.Now,
		retryOpts: retry.AIProfile(),
		completion: CompletionOptions{
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
			Timeout:     DefaultTimeout,
			JSON:        true,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.completion.Timeout <= 0 {
		p.completion.Timeout = DefaultTimeout
	}
	p.completion.JSON = true
	p.results = cache.New[Result](p.cacheTTL, cache.WithClock(p.now))
	p.intents = cache.New[Result](p.cacheTTL, cache.WithClock(p.now))
	return p
}

// StartJanitor sweeps expired results once per cache TTL until ctx is done.
func (p *Parser) StartJanitor(ctx context.Context) {
	p.results.StartJanitor(ctx, 0)
	p.intents.StartJanitor(ctx, 0)
}

// Prune evicts expired results and returns how many were removed.
func (p *Parser) Prune() int {
	return p.results.Cleanup() + p.intents.Cleanup()
}

// CacheLen is the number of cached results, expired or not.
func (p *Parser) CacheLen() int {
	return p.results.Len() + p.intents.Len()
}

// Provider names the model backend chosen at construction, or "" if none.
func (p *Parser) Provider() string { return p.provider }

// Available reports whether a model backend is configured.
func (p *Parser) Available() bool { return p.client != nil }

// ParseAndAssessRisk reads text and returns its intent and risk.
//
// Steps: sanitize, cache probe, one combined model call under the AI retry
// profile with a per-attempt timeout, rule-based fallback on any failure,
// cache store. Only model results are cached. The error is non-nil only
// when ctx is done.
func (p *Parser) ParseAndAssessRisk(ctx context.Context, text string, ictx Context) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "intent.ParseAndAssessRisk", traces.Provider(p.provider))
	defer span.End()

	clean, err := Sanitize(text)
	if err != nil {
		p.logger.Warn("intent text rejected by sanitizer", "error", err, "severity", clean.Severity.String())
		fallbackText := clean.Text
		if fallbackText == "" {
			fallbackText = text
		}
		res := Fallback(fallbackText)
		res.Warnings = append(res.Warnings, "input sanitization failed: "+err.Error())
		return res, ctx.Err()
	}
	if clean.Severity > SeverityNone {
		p.logger.Info("suspicious phrases in intent text", "severity", clean.Severity.String(), "matches", len(clean.Matches))
	}

	key := cacheKey(clean.Text, ictx)
	if cached, ok := p.results.Get(key); ok {
		cached.Source = SourceCache
		return cached, nil
	}

	if p.client == nil {
		return Fallback(clean.Text), ctx.Err()
	}

	res, err := p.callModel(ctx, clean.Text, ictx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		p.logger.Warn("llm assessment failed, using rule-based fallback", "provider", p.provider, "error", err)
		fb := Fallback(clean.Text)
		fb.Warnings = append(fb.Warnings, "ai assessment unavailable: "+err.Error())
		return fb, nil
	}

	p.results.Set(key, res)
	return res, nil
}

// RiskFor assesses a structured payment that carries no free text. Results
// are cached by recipient, amount and purpose.
func (p *Parser) RiskFor(ctx context.Context, in Intent, ictx Context) (Result, error) {
	key := strings.ToLower(in.Recipient) + "|" + strconv.FormatFloat(in.Amount, 'f', -1, 64) + "|" + in.Purpose
	if cached, ok := p.intents.Get(key); ok {
		cached.Source = SourceCache
		return cached, nil
	}

	currency := in.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	text := fmt.Sprintf("Send %s %s to %s", strconv.FormatFloat(in.Amount, 'f', -1, 64), currency, in.Recipient)
	if in.Purpose != "" {
		text += " for " + in.Purpose
	}

	res, err := p.ParseAndAssessRisk(ctx, text, ictx)
	if err != nil {
		return res, err
	}
	if res.FromLLM() {
		p.intents.Set(key, res)
	}
	return res, nil
}

func (p *Parser) callModel(ctx context.Context, text string, ictx Context) (Result, error) {
	msg, err := userMessage(text, ictx)
	if err != nil {
		return Result{}, err
	}
	messages := []Message{{Role: "user", Content: msg}}

	opts := p.retryOpts
	opts.OnRetry = func(attempt int, err error) {
		p.logger.Info("retrying llm call", "provider", p.provider, "attempt", attempt, "error", err)
	}

	return retry.Do(ctx, opts, func(ctx context.Context) (Result, error) {
		raw, err := p.race(ctx, messages)
		if err != nil {
			return Result{}, err
		}
		in, assessment, err := parseOutput(raw)
		if err != nil {
			return Result{}, retry.Permanent(err)
		}
		return Result{Intent: in, Risk: assessment, Source: SourceLLM}, nil
	})
}

type completion struct {
	text string
	err  error
}

// race runs one model call against the configured timeout. A hung client
// loses the race and yields ErrLLMTimeout; its goroutine exits when the
// client returns.
func (p *Parser) race(ctx context.Context, messages []Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.completion.Timeout)
	defer cancel()

	done := make(chan completion, 1)
	go func() {
		text, err := p.client.Complete(callCtx, systemPrompt, messages, p.completion)
		done <- completion{text: text, err: err}
	}()

	select {
	case c := <-done:
		if c.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %s", ErrLLMTimeout, p.completion.Timeout)
		}
		return c.text, c.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", retry.Permanent(ctx.Err())
		}
		return "", fmt.Errorf("%w after %s", ErrLLMTimeout, p.completion.Timeout)
	}
}

func cacheKey(text string, ictx Context) string {
	ctxJSON, _ := json.Marshal(ictx)
	sum := sha256.Sum256(append([]byte(text+"\x00"), ctxJSON...))
	return hex.EncodeToString(sum[:])
}
