package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/mbd888/payguard/internal/circuitbreaker"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/retry"
	"github.com/mbd888/payguard/internal/traces"
)

// StatusError is an HTTP error from the provider. Its message carries the
// status code so retry patterns can classify it; the response body is kept
// out of the message.
type StatusError struct {
	Provider   Provider
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm %s: %d %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error { return e.Err }

// Client is an intent.LLMClient over the OpenAI-compatible chat API.
type Client struct {
	api     openai.Client
	sel     Selection
	breaker *circuitbreaker.Breaker
	schema  any
	logger  *slog.Logger
	reqOpts []option.RequestOption
}

var _ intent.LLMClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBreaker shares a circuit breaker across clients.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.reqOpts = append(c.reqOpts, option.WithHTTPClient(hc)) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a client for a resolved selection.
func New(sel Selection, opts ...Option) (*Client, error) {
	if sel.BaseURL == "" {
		return nil, fmt.Errorf("llm: %s has no base URL", sel.Provider)
	}
	if sel.APIKey == "" {
		return nil, fmt.Errorf("llm: %s API key is required", sel.Provider)
	}

	c := &Client{
		sel:    sel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if sel.Provider == ProviderOpenAI {
		c.schema = GenerateSchema[intent.CombinedOutput]()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(sel.APIKey),
		option.WithBaseURL(sel.BaseURL),
		// Retries belong to the caller's retry profile.
		option.WithMaxRetries(0),
	}
	c.api = openai.NewClient(append(reqOpts, c.reqOpts...)...)
	return c, nil
}

// Provider returns the selected backend.
func (c *Client) Provider() Provider { return c.sel.Provider }

// Model returns the model name sent with each request.
func (c *Client) Model() string { return c.sel.Model }

// Complete sends one chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system string, messages []intent.Message, opts intent.CompletionOptions) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	provider := string(c.sel.Provider)
	ctx, span := traces.StartSpan(ctx, "llm.Complete", traces.Provider(provider))
	defer span.End()

	params := c.params(system, messages, opts)

	var content string
	start := time.Now()
	err := c.breaker.Execute(ctx, provider, func(ctx context.Context) error {
		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return c.wrap(err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("llm %s: no choices in response", provider)
		}
		content = resp.Choices[0].Message.Content
		c.logger.DebugContext(ctx, "llm completion",
			"provider", provider,
			"model", c.sel.Model,
			"duration_ms", time.Since(start).Milliseconds(),
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"finish_reason", resp.Choices[0].FinishReason)
		return nil
	})
	metrics.LLMRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			outcome = "circuit_open"
		}
		metrics.LLMRequestsTotal.WithLabelValues(provider, outcome).Inc()
		traces.RecordError(span, err)
		return "", err
	}
	metrics.LLMRequestsTotal.WithLabelValues(provider, "success").Inc()
	return content, nil
}

func (c *Client) params(system string, messages []intent.Message, opts intent.CompletionOptions) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       c.sel.Model,
		Messages:    msgs,
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.JSON {
		if c.schema != nil {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
					JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
						Name:        "payment_assessment",
						Description: openai.String("Payment intent and risk assessment"),
						Schema:      c.schema,
						Strict:      openai.Bool(true),
					},
				},
			}
		} else {
			params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			}
		}
	}
	return params
}

// wrap turns provider errors into messages the retry classifier
// understands. Client errors other than 429 are permanent.
func (c *Client) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		se := &StatusError{Provider: c.sel.Provider, StatusCode: apiErr.StatusCode, Err: err}
		if apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode < 500 {
			return retry.Permanent(se)
		}
		return se
	}
	return fmt.Errorf("llm %s: %w", c.sel.Provider, err)
}

// GenerateSchema reflects T into a strict JSON schema.
func GenerateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}
