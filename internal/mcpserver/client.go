package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the configuration for connecting to a payguard server.
type Config struct {
	APIURL        string  // Base URL, e.g. "http://localhost:8080"
	WalletAddress string  // Paying wallet sent as decision context, e.g. "0x..."
	WalletBalance float64 // Optional balance hint for the risk assessment
}

// Client is a pure HTTP client for the payguard decision API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the decision API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Decisions can wait on the LLM.
			Timeout: 60 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// PaymentRequest is the decision input.
type PaymentRequest struct {
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
	Purpose   string  `json:"purpose,omitempty"`
	Text      string  `json:"text,omitempty"`
	Wallet    *wallet `json:"wallet,omitempty"`
}

type wallet struct {
	Address string  `json:"address,omitempty"`
	Balance float64 `json:"balance,omitempty"`
}

// EvaluatePayment asks the engine for a decision.
func (c *Client) EvaluatePayment(ctx context.Context, p PaymentRequest) (json.RawMessage, error) {
	if c.cfg.WalletAddress != "" || c.cfg.WalletBalance > 0 {
		p.Wallet = &wallet{Address: c.cfg.WalletAddress, Balance: c.cfg.WalletBalance}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/decisions", p)
}

// ParseIntent reads free text into an intent and risk assessment.
func (c *Client) ParseIntent(ctx context.Context, text string) (json.RawMessage, error) {
	body := map[string]any{"text": text}
	if c.cfg.WalletAddress != "" {
		body["context"] = map[string]any{"sender": c.cfg.WalletAddress}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/intents/parse", body)
}

// CheckFrozen queries the freeze oracle for each address.
func (c *Client) CheckFrozen(ctx context.Context, addresses []string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/freeze/check", map[string]any{"addresses": addresses})
}

// GetPolicy returns the active policy.
func (c *Client) GetPolicy(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/policy", nil)
}
