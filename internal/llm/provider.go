// Package llm talks to chat-completion backends for intent parsing.
//
// Every supported provider is reached through the OpenAI-compatible chat
// completions API, so a single client implementation serves all of them.
package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Provider names a model backend.
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderGemini   Provider = "gemini"
	ProviderOpenAI   Provider = "openai"
	ProviderClaude   Provider = "claude"
	ProviderOllama   Provider = "ollama"
	ProviderLMStudio Provider = "lmstudio"
	ProviderLocal    Provider = "local"
)

// Priority is the fixed selection order: hosted free tiers, hosted paid,
// then local servers.
var Priority = []Provider{
	ProviderDeepSeek,
	ProviderGemini,
	ProviderOpenAI,
	ProviderClaude,
	ProviderOllama,
	ProviderLMStudio,
	ProviderLocal,
}

var ErrNoProvider = errors.New("llm: no provider configured")

type providerInfo struct {
	model   string
	baseURL string
	local   bool
}

var providers = map[Provider]providerInfo{
	ProviderDeepSeek: {model: "deepseek-chat", baseURL: "https://api.deepseek.com/v1"},
	ProviderGemini:   {model: "gemini-1.5-flash", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	ProviderOpenAI:   {model: "gpt-4o-mini", baseURL: "https://api.openai.com/v1"},
	ProviderClaude:   {model: "claude-3-haiku-20240307", baseURL: "https://api.anthropic.com/v1"},
	ProviderOllama:   {model: "llama3.2", baseURL: "http://localhost:11434/v1", local: true},
	ProviderLMStudio: {model: "local-model", baseURL: "http://localhost:1234/v1", local: true},
	ProviderLocal:    {model: "local-model", local: true},
}

// DefaultModel returns the model used when none is configured.
func (p Provider) DefaultModel() string { return providers[p].model }

// Local reports whether the provider is a self-hosted server.
func (p Provider) Local() bool { return providers[p].local }

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	_, ok := providers[p]
	return ok
}

// Credentials holds whatever the environment supplied for each provider.
// Hosted providers need a key; local providers need an explicit URL.
type Credentials struct {
	DeepSeekAPIKey string
	GeminiAPIKey   string
	OpenAIAPIKey   string
	ClaudeAPIKey   string
	OllamaURL      string
	LMStudioURL    string
	LocalURL       string
}

// Settings selects and tunes a provider.
type Settings struct {
	// Provider forces a specific backend. Empty means walk Priority.
	Provider    Provider
	Model       string
	Credentials Credentials
}

// Selection is a resolved provider endpoint.
type Selection struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
}

// Select resolves the backend once, at construction. A forced provider
// must have its credential present.
func Select(s Settings) (Selection, error) {
	if s.Provider != "" {
		p := Provider(strings.ToLower(string(s.Provider)))
		if !p.Valid() {
			return Selection{}, fmt.Errorf("llm: unknown provider %q", s.Provider)
		}
		sel, ok := resolve(p, s)
		if !ok {
			return Selection{}, fmt.Errorf("%w: %s has no credentials", ErrNoProvider, p)
		}
		return sel, nil
	}
	for _, p := range Priority {
		if sel, ok := resolve(p, s); ok {
			return sel, nil
		}
	}
	return Selection{}, ErrNoProvider
}

func resolve(p Provider, s Settings) (Selection, bool) {
	c := s.Credentials
	info := providers[p]
	sel := Selection{Provider: p, Model: s.Model, BaseURL: info.baseURL}
	if sel.Model == "" {
		sel.Model = info.model
	}

	switch p {
	case ProviderDeepSeek:
		sel.APIKey = c.DeepSeekAPIKey
	case ProviderGemini:
		sel.APIKey = c.GeminiAPIKey
	case ProviderOpenAI:
		sel.APIKey = c.OpenAIAPIKey
	case ProviderClaude:
		sel.APIKey = c.ClaudeAPIKey
	case ProviderOllama:
		sel.BaseURL = c.OllamaURL
	case ProviderLMStudio:
		sel.BaseURL = c.LMStudioURL
	case ProviderLocal:
		sel.BaseURL = c.LocalURL
	}

	if info.local {
		if sel.BaseURL == "" {
			return Selection{}, false
		}
		// Local servers ignore the key but the client requires one.
		sel.APIKey = "not-needed"
		return sel, true
	}
	return sel, sel.APIKey != ""
}
