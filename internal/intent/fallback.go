package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mbd888/payguard/internal/risk"
)

var (
	amountSuffixRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(USDC|USDT|ETH|USD|\$)`)
	amountPrefixRe = regexp.MustCompile(`\$\s*(\d+(?:\.\d+)?)`)
	addressRe      = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)
	forRe          = regexp.MustCompile(`(?i)\bfor\s+(.+?)(?:[.,;!?]|$)`)
	toRe           = regexp.MustCompile(`(?i)\bto\s+([^0-9\s][^.,;!?]*?)(?:[.,;!?]|$)`)
)

// Fallback scoring.
const (
	fallbackBase            = 50
	fallbackLargeAmount     = 1000.0
	fallbackLargePenalty    = 20
	fallbackUnknownPenalty  = 30
	fallbackUnparsedPenalty = 15
	fallbackConfidence      = 0.5
)

// purposeKeywords is checked in order; the first hit wins.
var purposeKeywords = []struct {
	words   []string
	purpose string
}{
	{[]string{"server", "hosting"}, "Server hosting payment"},
	{[]string{"supplier", "vendor"}, "Supplier payment"},
	{[]string{"salary", "payroll"}, "Salary payment"},
	{[]string{"rent", "lease"}, "Rent payment"},
	{[]string{"utility", "electric", "water"}, "Utility payment"},
	{[]string{"tax", "irs"}, "Tax payment"},
	{[]string{"invoice"}, "Invoice payment"},
}

// Fallback extracts an intent with regular expressions and scores it with
// fixed penalties. It never fails.
func Fallback(text string) Result {
	in := ExtractIntent(text)
	return Result{
		Intent: in,
		Risk:   HeuristicRisk(in),
		Source: SourceFallback,
	}
}

// ExtractIntent reads amount, currency, recipient and purpose from text.
func ExtractIntent(text string) Intent {
	in := Intent{
		Recipient:  UnknownRecipient,
		Currency:   DefaultCurrency,
		Purpose:    extractPurpose(text),
		Confidence: fallbackConfidence,
		RiskLevel:  risk.LevelMedium,
		Reasoning:  "Rule-based extraction",
	}

	if m := amountSuffixRe.FindStringSubmatch(text); m != nil {
		in.Amount, _ = strconv.ParseFloat(m[1], 64)
		in.Currency = normalizeCurrency(m[2])
	} else if m := amountPrefixRe.FindStringSubmatch(text); m != nil {
		in.Amount, _ = strconv.ParseFloat(m[1], 64)
	}
	if addr := addressRe.FindString(text); addr != "" {
		in.Recipient = addr
	}
	return in
}

// HeuristicRisk scores an intent without a model.
func HeuristicRisk(in Intent) risk.Assessment {
	score := fallbackBase
	reasons := []string{}
	recs := []string{}

	if in.Recipient == "" || in.Recipient == UnknownRecipient {
		score += fallbackUnknownPenalty
		reasons = append(reasons, "Recipient address not specified")
		recs = append(recs, "Verify recipient address")
	}
	if in.Amount > fallbackLargeAmount {
		score += fallbackLargePenalty
		reasons = append(reasons, "Large amount")
		recs = append(recs, "Consider splitting large payments")
	}
	if !in.ParsedSuccessfully {
		score += fallbackUnparsedPenalty
		reasons = append(reasons, "AI parsing failed")
		recs = append(recs, "Review payment purpose")
	}

	score = risk.Clamp(score)
	return risk.Assessment{
		Score:           score,
		Level:           risk.LevelForScore(score),
		Reasons:         reasons,
		Recommendations: recs,
	}
}

func normalizeCurrency(c string) string {
	switch strings.ToUpper(c) {
	case "USD", "$":
		return "USDC"
	default:
		return strings.ToUpper(c)
	}
}

func extractPurpose(text string) string {
	lower := strings.ToLower(text)
	for _, k := range purposeKeywords {
		for _, w := range k.words {
			if containsWord(lower, w) {
				return k.purpose
			}
		}
	}
	if m := forRe.FindStringSubmatch(text); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			return "Payment for " + p
		}
	}
	if m := toRe.FindStringSubmatch(text); m != nil {
		if p := strings.TrimSpace(m[1]); p != "" {
			return "Payment to " + p
		}
	}
	return "General payment"
}

// containsWord matches word at the start of any token, so "rent" finds
// "rental" but not "current".
func containsWord(lower, word string) bool {
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if strings.HasPrefix(f, word) {
			return true
		}
	}
	return false
}
