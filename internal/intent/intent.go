// Package intent turns a free-text payment justification into a structured
// intent and a risk assessment.
//
// The preferred path is a single JSON-mode LLM call per request. Whenever
// that path is unavailable, times out, or returns garbage, a rule-based
// extractor and heuristic scorer take over, so ParseAndAssessRisk only
// fails when the caller's context is done.
package intent

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/payguard/internal/risk"
)

// UnknownRecipient is used when no address can be extracted.
const UnknownRecipient = "unknown"

// DefaultCurrency is assumed when the text names none.
const DefaultCurrency = "USDC"

var (
	ErrEmptyText         = errors.New("intent: text is empty")
	ErrTextTooLong       = errors.New("intent: text exceeds maximum length")
	ErrInjectionDetected = errors.New("intent: prompt injection detected")
	ErrLLMTimeout        = errors.New("intent: llm request timeout")
	ErrMalformedOutput   = errors.New("intent: malformed llm output")
)

// Intent is the structured reading of a payment request.
type Intent struct {
	Recipient          string     `json:"recipient"`
	Amount             float64    `json:"amountNumber"`
	Currency           string     `json:"currency"`
	Purpose            string     `json:"purpose"`
	Confidence         float64    `json:"confidence"`
	RiskLevel          risk.Level `json:"riskLevel"`
	Reasoning          string     `json:"reasoning"`
	ParsedSuccessfully bool       `json:"parsedSuccessfully"`
}

// Context is what the caller knows about the payment besides the text.
// It is part of the cache key, so keep it small and deterministic.
type Context struct {
	Sender         string  `json:"sender,omitempty"`
	Recipient      string  `json:"recipient,omitempty"`
	Amount         float64 `json:"amount,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	WalletBalance  float64 `json:"walletBalance,omitempty"`
	SpentToday     float64 `json:"spentToday,omitempty"`
	DailyLimit     float64 `json:"dailyLimit,omitempty"`
	RecentPayments int     `json:"recentPayments,omitempty"`
}

// Source says where a Result came from.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Result pairs an intent with its risk assessment.
type Result struct {
	Intent   Intent          `json:"intent"`
	Risk     risk.Assessment `json:"risk"`
	Source   Source          `json:"source"`
	Warnings []string        `json:"warnings,omitempty"`
}

// FromLLM reports whether the assessment came from a model, fresh or cached.
func (r Result) FromLLM() bool {
	return r.Source == SourceLLM || r.Source == SourceCache
}

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions tunes one LLM call.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	JSON        bool
}

// LLMClient is a chat-completion backend.
type LLMClient interface {
	Complete(ctx context.Context, system string, messages []Message, opts CompletionOptions) (string, error)
}
