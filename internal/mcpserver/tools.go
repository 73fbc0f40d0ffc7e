package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the payguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluatePayment = mcp.NewTool("evaluate_payment",
	mcp.WithDescription(
		"Check a payment against the wallet's spending policy BEFORE sending it. "+
			"Returns APPROVED or REJECTED with a reason code. "+
			"Never send a payment that was rejected or could not be evaluated."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount in token units (e.g. 2.5 for 2.5 USDC)")),
	mcp.WithString("currency",
		mcp.Description("Token symbol, defaults to USDC")),
	mcp.WithString("purpose",
		mcp.Description("Short reason for the payment (e.g. 'api credits')")),
	mcp.WithString("text",
		mcp.Description("The original natural-language instruction, if any. Used for AI risk assessment.")),
)

var ToolParsePaymentIntent = mcp.NewTool("parse_payment_intent",
	mcp.WithDescription(
		"Extract recipient, amount, currency and purpose from a natural-language payment instruction "+
			"and assess its fraud risk. Does not approve anything; use evaluate_payment for that."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The instruction, e.g. 'send 5 USDC to 0xabc... for the weather API'")),
)

var ToolCheckFrozen = mcp.NewTool("check_frozen",
	mcp.WithDescription(
		"Check whether addresses are frozen by the on-chain freeze oracle. "+
			"Frozen addresses must never be paid."),
	mcp.WithArray("addresses",
		mcp.Required(),
		mcp.WithStringItems(),
		mcp.Description("Addresses to check (at most 100)")),
)

var ToolGetPolicy = mcp.NewTool("get_policy",
	mcp.WithDescription(
		"Show the active spending policy: allowlist, per-payment maximum, daily limit and AI risk rules."),
)
