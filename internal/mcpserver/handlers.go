package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleEvaluatePayment asks the engine whether a payment may proceed.
func (h *Handlers) HandleEvaluatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetFloat("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number"), nil
	}

	raw, err := h.client.EvaluatePayment(ctx, PaymentRequest{
		Recipient: recipient,
		Amount:    amount,
		Currency:  req.GetString("currency", ""),
		Purpose:   req.GetString("purpose", ""),
		Text:      req.GetString("text", ""),
	})
	if err != nil {
		// No decision means no payment.
		return mcp.NewToolResultError(fmt.Sprintf("Payment could not be evaluated, do not send it: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleParsePaymentIntent extracts a structured intent from free text.
func (h *Handlers) HandleParsePaymentIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("text", "")
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	raw, err := h.client.ParseIntent(ctx, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}

	out, err := formatIntent(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse intent: %v", err)), nil
	}
	return mcp.NewToolResultText(out), nil
}

// HandleCheckFrozen reports freeze status per address.
func (h *Handlers) HandleCheckFrozen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addrs := req.GetStringSlice("addresses", nil)
	if len(addrs) == 0 {
		// Accept a comma-separated string from clients that flatten arrays.
		for _, a := range strings.Split(req.GetString("addresses", ""), ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	if len(addrs) == 0 {
		return mcp.NewToolResultError("addresses is required"), nil
	}

	raw, err := h.client.CheckFrozen(ctx, addrs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Freeze status could not be verified, treat as frozen: %v", err)), nil
	}

	var resp struct {
		Frozen map[string]bool `json:"frozen"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse freeze status: %v", err)), nil
	}

	keys := make([]string, 0, len(resp.Frozen))
	for k := range resp.Frozen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		status := "ok"
		if resp.Frozen[k] {
			status = "FROZEN, do not pay"
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", k, status))
	}
	return mcp.NewToolResultText(strings.TrimSuffix(sb.String(), "\n")), nil
}

// HandleGetPolicy shows the active policy.
func (h *Handlers) HandleGetPolicy(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPolicy(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatDecision(raw json.RawMessage) (string, error) {
	var d map[string]any
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", err
	}
	ok, _ := d["ok"].(bool)

	var sb strings.Builder
	if ok {
		sb.WriteString(fmt.Sprintf("APPROVED: %s to %s\n", getString(d, "amount"), getString(d, "recipient")))
	} else {
		sb.WriteString(fmt.Sprintf("REJECTED (%s): %s\n", getString(d, "code"), getString(d, "message")))
	}
	sb.WriteString(fmt.Sprintf("Decision ID: %s", getString(d, "id")))

	if r, ok := d["risk"].(map[string]any); ok {
		if score, ok := getFloat(r, "score"); ok {
			sb.WriteString(fmt.Sprintf("\nRisk: %.0f/100 (%s)", score, getString(r, "level")))
		}
	}
	if src := getString(d, "assessmentSource"); src != "" {
		sb.WriteString(fmt.Sprintf(" via %s", src))
	}
	if warnings, ok := d["warnings"].([]any); ok {
		for _, w := range warnings {
			if s, ok := w.(string); ok {
				sb.WriteString("\nWarning: " + s)
			}
		}
	}
	return sb.String(), nil
}

func formatIntent(raw json.RawMessage) (string, error) {
	var res struct {
		Intent map[string]any `json:"intent"`
		Risk   map[string]any `json:"risk"`
		Source string         `json:"source"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}
	if res.Intent == nil {
		return "", fmt.Errorf("unexpected intent response format")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Recipient: %s\n", orDash(getString(res.Intent, "recipient"))))
	sb.WriteString(fmt.Sprintf("Amount: %s %s\n", orDash(getString(res.Intent, "amountNumber")), getString(res.Intent, "currency")))
	sb.WriteString(fmt.Sprintf("Purpose: %s\n", orDash(getString(res.Intent, "purpose"))))
	if score, ok := getFloat(res.Risk, "score"); ok {
		sb.WriteString(fmt.Sprintf("Risk: %.0f/100 (%s)\n", score, getString(res.Risk, "level")))
	}
	sb.WriteString(fmt.Sprintf("Source: %s", res.Source))
	return sb.String(), nil
}

func orDash(s string) string {
	if s == "" || s == "0" {
		return "-"
	}
	return s
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
