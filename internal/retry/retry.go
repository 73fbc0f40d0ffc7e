// Package retry wraps unreliable calls (LLM providers, chain RPC) with
// classified retries and capped exponential backoff.
//
// An error is retried only when it matches one of the configured
// retryable patterns. Anything else fails fast as a NonRetryableError,
// and exhausting all attempts yields a RetryableError.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "payguard",
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Retry-wrapped call attempts by profile and outcome.",
}, []string{"profile", "outcome"})

func init() {
	prometheus.MustRegister(attemptsTotal)
}

// Options configures one retry-wrapped call.
type Options struct {
	// Name labels metrics and log lines ("ai", "chain", ...).
	Name          string
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// RetryablePatterns are case-insensitive regular expressions matched
	// against "<kind>: <message>". Empty means every error is retryable.
	RetryablePatterns []string

	// Jitter spreads each delay by +-Jitter (0.25 = 25%). Zero keeps the
	// delay exact.
	Jitter float64

	// OnRetry is called before each backoff sleep. It is observability only.
	OnRetry func(attempt int, err error)
}

var aiPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"network",
	"econnreset",
	"etimedout",
	"connection reset",
	"connection refused",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// AIProfile is tuned for LLM provider calls: 3 attempts, 1s doubling to 10s.
func AIProfile() Options {
	return Options{
		Name:              "ai",
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffFactor:     2,
		RetryablePatterns: append([]string(nil), aiPatterns...),
	}
}

// ChainProfile is tuned for JSON-RPC reads: 5 attempts, 500ms growing x1.5 to 5s.
func ChainProfile() Options {
	patterns := append([]string(nil), aiPatterns...)
	patterns = append(patterns, `network.*error`, `rpc.*error`, `\beof\b`)
	return Options{
		Name:              "chain",
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffFactor:     1.5,
		RetryablePatterns: patterns,
	}
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// RetryableError is returned when every attempt failed with a transient error.
type RetryableError struct {
	Attempts int
	LastErr  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryableError) Unwrap() error { return e.LastErr }

// NonRetryableError is returned as soon as an error is classified permanent.
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("retry: permanent failure: %v", e.Cause)
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

// PermanentError marks an error as non-retryable regardless of patterns.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Do runs op until it succeeds, fails permanently, or runs out of attempts.
//
// Between attempts it waits Delay(opts, attempt). Cancelling ctx during a
// wait aborts with the context error.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	matchers := compile(opts.RetryablePatterns)
	label := opts.Name
	if label == "" {
		label = "default"
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			attemptsTotal.WithLabelValues(label, "success").Inc()
			return result, nil
		}
		lastErr = err

		if !classify(err, matchers) {
			attemptsTotal.WithLabelValues(label, "permanent").Inc()
			var pe *PermanentError
			if errors.As(err, &pe) {
				err = pe.Err
			}
			return zero, &NonRetryableError{Cause: err}
		}
		attemptsTotal.WithLabelValues(label, "transient").Inc()

		if attempt == maxAttempts {
			break
		}

		notify(opts.OnRetry, attempt, err)

		timer := time.NewTimer(jittered(Delay(opts, attempt), opts.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry: cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return zero, &RetryableError{Attempts: maxAttempts, LastErr: lastErr}
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Delay returns the wait after the given 1-based failed attempt:
// min(InitialDelay * BackoffFactor^(attempt-1), MaxDelay).
func Delay(opts Options, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := opts.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(opts.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if opts.MaxDelay > 0 && d > float64(opts.MaxDelay) {
		return opts.MaxDelay
	}
	return time.Duration(d)
}

// IsRetryable reports whether err would be retried under patterns.
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	return classify(err, compile(patterns))
}

func classify(err error, matchers []*regexp.Regexp) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if len(matchers) == 0 {
		return true
	}
	text := describe(err)
	for _, m := range matchers {
		if m.MatchString(text) {
			return true
		}
	}
	return false
}

// describe renders an error as "<kind>: <message>" in lower case.
func describe(err error) string {
	kind := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(kind, "."); i >= 0 {
		kind = kind[i+1:]
	}
	kind = strings.TrimLeft(kind, "*")

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		kind += " timeout"
	}
	return strings.ToLower(kind + ": " + err.Error())
}

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(p))
		}
		out = append(out, re)
	}
	return out
}

func notify(hook func(int, error), attempt int, err error) {
	if hook == nil {
		return
	}
	defer func() { _ = recover() }()
	hook(attempt, err)
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := int64(float64(d) * fraction)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(cryptoInt64n(2*spread+1))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}
