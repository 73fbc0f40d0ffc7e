package policy

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/chain"
	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/retry"
	"github.com/mbd888/payguard/internal/risk"
	"github.com/mbd888/payguard/internal/usdc"
)

var (
	addrA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa").Hex()
	addrB = common.HexToAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed").Hex()
)

var evalTime = time.Date(2025, 6, 11, 14, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeOracle struct {
	mu     sync.Mutex
	frozen map[string]bool
	err    error
	calls  int
}

func (f *fakeOracle) IsFrozenBatch(_ context.Context, addrs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		out[a] = f.frozen[a]
	}
	return out, nil
}

type fakeLedger struct {
	spent    *big.Int
	getErr   error
	spendErr error
	recorded []*big.Int
}

func (f *fakeLedger) GetSpentToday(context.Context) (*big.Int, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.spent == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(f.spent), nil
}

func (f *fakeLedger) RecordSpend(_ context.Context, amount *big.Int) error {
	if f.spendErr != nil {
		return f.spendErr
	}
	f.recorded = append(f.recorded, amount)
	if f.spent == nil {
		f.spent = new(big.Int)
	}
	f.spent.Add(f.spent, amount)
	return nil
}

type fakeParser struct {
	result    intent.Result
	err       error
	textCalls int
	riskCalls int
	lastCtx   intent.Context
}

func (f *fakeParser) ParseAndAssessRisk(_ context.Context, _ string, ictx intent.Context) (intent.Result, error) {
	f.textCalls++
	f.lastCtx = ictx
	return f.result, f.err
}

func (f *fakeParser) RiskFor(_ context.Context, _ intent.Intent, ictx intent.Context) (intent.Result, error) {
	f.riskCalls++
	f.lastCtx = ictx
	return f.result, f.err
}

type fakeRecorder struct {
	transfers []features.Transfer
	err       error
}

func (f *fakeRecorder) Record(_ context.Context, t features.Transfer) error {
	f.transfers = append(f.transfers, t)
	return f.err
}

type fakeHistory struct {
	transfers []features.Transfer
	err       error
}

func (f *fakeHistory) GetRecentTransfers(context.Context, string) ([]features.Transfer, error) {
	return f.transfers, f.err
}

type fixedScorer struct{ result anomaly.Result }

func (s fixedScorer) Fit([]features.Vector) error          { return nil }
func (s fixedScorer) Score(features.Vector) anomaly.Result { return s.result }
func (s fixedScorer) Trained() bool                        { return true }

type captureSink struct{ events []Event }

func (c *captureSink) OnDecision(_ context.Context, ev Event) { c.events = append(c.events, ev) }

// unreachableLLM always fails the way a dead endpoint does.
type unreachableLLM struct{ calls int }

func (u *unreachableLLM) Complete(context.Context, string, []intent.Message, intent.CompletionOptions) (string, error) {
	u.calls++
	return "", errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
}

func llmResult(score int, level risk.Level, reasons ...string) intent.Result {
	return intent.Result{
		Intent: intent.Intent{Recipient: addrB, Amount: 10, Currency: "USDC", Purpose: "hosting", ParsedSuccessfully: true},
		Risk:   risk.Assessment{Score: score, Level: level, Reasons: reasons},
		Source: intent.SourceLLM,
	}
}

func newEngine(t *testing.T, p Policy, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return evalTime })}, opts...)
	e, err := NewEngine(p, opts...)
	require.NoError(t, err)
	return e
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNewEngine_InvalidPolicy(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"bad allowlist", Policy{Allowlist: []string{"0xAAA"}}},
		{"bad maxAmount", Policy{MaxAmount: strPtr("ten")}},
		{"negative dailyLimit", Policy{DailyLimit: strPtr("-5")}},
		{"risk score out of range", Policy{MaxRiskScore: intPtr(101)}},
		{"unknown level", Policy{AutoRejectRiskLevels: []risk.Level{"severe"}}},
		{"require without enable", Policy{RequireAIAssessment: true}},
		{"boost cap out of range", Policy{AnomalyBoostCap: 150}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.p)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestNewEngine_DailyLimitNeedsLedger(t *testing.T) {
	_, err := NewEngine(Policy{DailyLimit: strPtr("200")})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = NewEngine(Policy{DailyLimit: strPtr("200")}, WithLedger(&fakeLedger{}))
	assert.NoError(t, err)
}

func TestDecide_InvalidRequest(t *testing.T) {
	e := newEngine(t, Policy{})
	ctx := context.Background()

	_, err := e.Decide(ctx, Request{Recipient: "0xAAA", Amount: 5})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Decide(ctx, Request{Recipient: addrB, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.Decide(ctx, Request{Recipient: addrB, Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// -----------------------------------------------------------------------------
// Deterministic gates
// -----------------------------------------------------------------------------

func TestDecide_NotInAllowlist(t *testing.T) {
	rec := &fakeRecorder{}
	e := newEngine(t, Policy{Allowlist: []string{addrA}, MaxAmount: strPtr("100")}, WithTransferRecorder(rec))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 50})
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, CodeNotInAllowlist, d.Code)
	assert.Contains(t, d.Message, addrB)
	assert.True(t, strings.HasPrefix(d.ID, "dec_"))
	assert.Equal(t, evalTime, d.DecidedAt)

	require.Len(t, rec.transfers, 1)
	assert.True(t, rec.transfers[0].Rejected())
}

func TestDecide_AllowlistIsCaseInsensitive(t *testing.T) {
	e := newEngine(t, Policy{Allowlist: []string{strings.ToLower(addrB)}})

	d, err := e.Decide(context.Background(), Request{Recipient: "0x" + strings.ToUpper(addrB[2:]), Amount: 1})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Equal(t, addrB, d.Recipient)
}

func TestDecide_DailyLimitExceeded(t *testing.T) {
	ledger := &fakeLedger{spent: usdc.MustParse("180")}
	e := newEngine(t, Policy{MaxAmount: strPtr("100"), DailyLimit: strPtr("200")}, WithLedger(ledger))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 30})
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, CodeDailyLimitExceeded, d.Code)
	assert.Contains(t, d.Message, "210")
	assert.Empty(t, ledger.recorded, "rejected spend must not be recorded")
}

func TestDecide_LimitBoundariesAccept(t *testing.T) {
	ledger := &fakeLedger{spent: usdc.MustParse("150")}
	e := newEngine(t, Policy{MaxAmount: strPtr("50"), DailyLimit: strPtr("200")}, WithLedger(ledger))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 50})
	require.NoError(t, err)
	assert.True(t, d.OK, "amount equal to max and total equal to limit are accepted")
	assert.Equal(t, "50", d.Amount)
	require.Len(t, ledger.recorded, 1)
	assert.Equal(t, 0, ledger.spent.Cmp(usdc.MustParse("200")))

	d, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 0.000001})
	require.NoError(t, err)
	assert.Equal(t, CodeDailyLimitExceeded, d.Code)
}

func TestDecide_AmountExceedsMax(t *testing.T) {
	e := newEngine(t, Policy{MaxAmount: strPtr("100")})

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 100.000001})
	require.NoError(t, err)
	assert.Equal(t, CodeAmountExceedsMax, d.Code)
}

func TestDecide_FrozenBeatsEverything(t *testing.T) {
	oracle := &fakeOracle{frozen: map[string]bool{addrB: true}}
	e := newEngine(t, Policy{Allowlist: []string{addrB}, MaxAmount: strPtr("100")}, WithFreezeOracle(oracle))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 1})
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, CodeRecipientFrozen, d.Code)
}

func TestDecide_FreezeUnverifiableIsError(t *testing.T) {
	oracle := &fakeOracle{err: &chain.BatchError{Address: addrB, Err: errors.New("rpc down")}}
	ledger := &fakeLedger{}
	sink := &captureSink{}
	e := newEngine(t, Policy{}, WithFreezeOracle(oracle), WithLedger(ledger), WithSink(sink))

	_, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrUnverifiable)
	assert.Empty(t, ledger.recorded)
	require.Len(t, sink.events, 1)
	assert.Error(t, sink.events[0].Err)
}

func TestDecide_GateOrder(t *testing.T) {
	// Allowlist runs before the oracle is consulted.
	oracle := &fakeOracle{frozen: map[string]bool{addrB: true}}
	e := newEngine(t, Policy{Allowlist: []string{addrA}}, WithFreezeOracle(oracle))
	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, CodeNotInAllowlist, d.Code)
	assert.Zero(t, oracle.calls)

	// Frozen wins over max amount.
	e = newEngine(t, Policy{MaxAmount: strPtr("1")}, WithFreezeOracle(oracle))
	d, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 500})
	require.NoError(t, err)
	assert.Equal(t, CodeRecipientFrozen, d.Code)

	// Max amount wins over daily limit.
	e = newEngine(t, Policy{MaxAmount: strPtr("10"), DailyLimit: strPtr("5")}, WithLedger(&fakeLedger{}))
	d, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 20})
	require.NoError(t, err)
	assert.Equal(t, CodeAmountExceedsMax, d.Code)

	// Daily limit wins over AI risk; the model is never asked.
	parser := &fakeParser{result: llmResult(99, risk.LevelHigh, "scam")}
	e = newEngine(t, Policy{DailyLimit: strPtr("5"), EnableAI: true, MaxRiskScore: intPtr(10)},
		WithLedger(&fakeLedger{}), WithRiskParser(parser))
	d, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 6})
	require.NoError(t, err)
	assert.Equal(t, CodeDailyLimitExceeded, d.Code)
	assert.Zero(t, parser.riskCalls+parser.textCalls)
}

// spendingParser spends on the ledger while "waiting" on the model, the way
// a concurrent decision for the same wallet would.
type spendingParser struct {
	fakeParser
	ledger *fakeLedger
	amount *big.Int
}

func (p *spendingParser) RiskFor(ctx context.Context, in intent.Intent, ictx intent.Context) (intent.Result, error) {
	_ = p.ledger.RecordSpend(ctx, p.amount)
	return p.fakeParser.RiskFor(ctx, in, ictx)
}

func TestDecide_DailyLimitRecheckedBeforeSpend(t *testing.T) {
	ledger := &fakeLedger{spent: usdc.MustParse("50")}
	parser := &spendingParser{
		fakeParser: fakeParser{result: llmResult(10, risk.LevelLow)},
		ledger:     ledger,
		amount:     usdc.MustParse("80"),
	}
	e := newEngine(t, Policy{DailyLimit: strPtr("150"), EnableAI: true},
		WithLedger(ledger), WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 40})
	require.NoError(t, err)
	assert.False(t, d.OK)
	assert.Equal(t, CodeDailyLimitExceeded, d.Code)
	assert.Contains(t, d.Message, "130 + 40 = 170")
	require.NotNil(t, d.Risk, "AI fields survive the late rejection")
	assert.Len(t, ledger.recorded, 1, "only the concurrent spend is recorded")
}

func TestDecide_ConcurrentSpendsRespectLimit(t *testing.T) {
	ledger := &lockedLedger{}
	e := newEngine(t, Policy{DailyLimit: strPtr("100")}, WithLedger(ledger))

	var wg sync.WaitGroup
	var accepted sync.Map
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 30})
			if assert.NoError(t, err) && d.OK {
				accepted.Store(i, true)
			}
		}()
	}
	wg.Wait()

	n := 0
	accepted.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 3, n)
	assert.Equal(t, "90", usdc.Compact(ledger.total()))
}

type lockedLedger struct {
	mu    sync.Mutex
	spent big.Int
}

func (l *lockedLedger) GetSpentToday(context.Context) (*big.Int, error) {
	return l.total(), nil
}

func (l *lockedLedger) RecordSpend(_ context.Context, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spent.Add(&l.spent, amount)
	return nil
}

func (l *lockedLedger) total() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(&l.spent)
}

func TestDecide_LedgerErrors(t *testing.T) {
	e := newEngine(t, Policy{DailyLimit: strPtr("100")}, WithLedger(&fakeLedger{getErr: errors.New("redis down")}))
	_, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 1})
	assert.ErrorContains(t, err, "redis down")

	e = newEngine(t, Policy{DailyLimit: strPtr("100")}, WithLedger(&fakeLedger{spendErr: errors.New("write failed")}))
	_, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 1})
	assert.ErrorContains(t, err, "write failed")
}

func TestDecide_AIDisabledHasNoAIFields(t *testing.T) {
	parser := &fakeParser{result: llmResult(99, risk.LevelHigh)}
	e := newEngine(t, Policy{MaxAmount: strPtr("100")}, WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10, Text: "pay bob"})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Empty(t, d.Code)
	assert.Nil(t, d.Intent)
	assert.Nil(t, d.Risk)
	assert.Nil(t, d.Anomaly)
	assert.Empty(t, d.AssessmentSource)
	assert.Zero(t, parser.riskCalls+parser.textCalls)
}

// -----------------------------------------------------------------------------
// AI gates
// -----------------------------------------------------------------------------

func TestDecide_AIRiskScoreAboveMax(t *testing.T) {
	parser := &fakeParser{result: llmResult(75, risk.LevelHigh, "new recipient", "round amount")}
	e := newEngine(t, Policy{EnableAI: true, MaxRiskScore: intPtr(70)}, WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, CodeAIRiskTooHigh, d.Code)
	assert.Contains(t, d.Message, "new recipient; round amount")
	require.NotNil(t, d.Risk)
	assert.Equal(t, 75, d.Risk.Score)
	assert.Equal(t, intent.SourceLLM, d.AssessmentSource)
	assert.Equal(t, 1, parser.riskCalls)
}

func TestDecide_AIRiskScoreEqualToMaxAccepts(t *testing.T) {
	parser := &fakeParser{result: llmResult(70, risk.LevelHigh)}
	e := newEngine(t, Policy{EnableAI: true, MaxRiskScore: intPtr(70)}, WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.True(t, d.OK)
}

func TestDecide_AutoRejectLevel(t *testing.T) {
	parser := &fakeParser{result: llmResult(72, risk.LevelHigh)}
	e := newEngine(t, Policy{EnableAI: true, AutoRejectRiskLevels: []risk.Level{risk.LevelHigh}}, WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, CodeAIRiskTooHigh, d.Code)
}

func TestDecide_TextUsesParseAndAssess(t *testing.T) {
	parser := &fakeParser{result: llmResult(10, risk.LevelLow)}
	ledger := &fakeLedger{spent: usdc.MustParse("25")}
	e := newEngine(t, Policy{EnableAI: true, DailyLimit: strPtr("100")}, WithRiskParser(parser), WithLedger(ledger))

	d, err := e.Decide(context.Background(), Request{
		Recipient: addrB, Amount: 10, Text: "Send 10 USDC to " + addrB + " for hosting",
		Wallet: WalletContext{Address: addrA, Balance: 500},
	})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Equal(t, 1, parser.textCalls)
	assert.Zero(t, parser.riskCalls)
	assert.Equal(t, 25.0, parser.lastCtx.SpentToday)
	assert.Equal(t, 100.0, parser.lastCtx.DailyLimit)
	assert.Equal(t, 500.0, parser.lastCtx.WalletBalance)
	require.NotNil(t, d.Intent)
	assert.Equal(t, "hosting", d.Intent.Purpose)
}

func TestDecide_MediumRiskWarns(t *testing.T) {
	parser := &fakeParser{result: llmResult(45, risk.LevelMedium, "first payment")}
	e := newEngine(t, Policy{EnableAI: true}, WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Contains(t, d.Warnings, "medium risk: first payment")
}

func TestDecide_AnomalyBoostPushesOverMax(t *testing.T) {
	parser := &fakeParser{result: llmResult(50, risk.LevelMedium)}
	scorer := fixedScorer{result: anomaly.Result{IsAnomaly: true, Score: -1, Method: "profile", Reasons: []string{"amount far above mean"}}}
	e := newEngine(t, Policy{EnableAI: true, MaxRiskScore: intPtr(70), AnomalyBoostCap: 25},
		WithRiskParser(parser), WithFeatures(features.NewEngine()), WithScorer(scorer))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, CodeAIRiskTooHigh, d.Code)
	require.NotNil(t, d.Risk)
	assert.Equal(t, 75, d.Risk.Score)
	assert.Contains(t, d.Risk.Reasons, anomaly.ReasonPrefix+"amount far above mean")
	require.NotNil(t, d.Anomaly)
	assert.True(t, d.Anomaly.IsAnomaly)
	assert.Equal(t, 50, parser.result.Risk.Score, "parser result must not be mutated")
}

func TestDecide_RequireAI(t *testing.T) {
	fallback := intent.Fallback("Send 10 USDC to " + addrB)
	parser := &fakeParser{result: fallback}
	e := newEngine(t, Policy{EnableAI: true, RequireAIAssessment: true}, WithRiskParser(parser))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, CodeAIAssessmentFailed, d.Code)
	assert.Equal(t, intent.SourceFallback, d.AssessmentSource)

	e = newEngine(t, Policy{EnableAI: true, RequireAIAssessment: true})
	d, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, CodeAIAssessmentFailed, d.Code)

	parser = &fakeParser{result: llmResult(10, risk.LevelLow)}
	parser.result.Source = intent.SourceCache
	e = newEngine(t, Policy{EnableAI: true, RequireAIAssessment: true}, WithRiskParser(parser))
	d, err = e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.True(t, d.OK)
}

func TestDecide_LLMUnreachableFallsBack(t *testing.T) {
	llm := &unreachableLLM{}
	fast := retry.AIProfile()
	fast.InitialDelay = time.Millisecond
	fast.MaxDelay = 2 * time.Millisecond
	parser := intent.NewParser(
		intent.WithLLM(llm, "test"),
		intent.WithRetry(fast),
		intent.WithCompletionOptions(intent.CompletionOptions{Timeout: time.Second}),
	)
	ledger := &fakeLedger{}
	e := newEngine(t, Policy{EnableAI: true, MaxAmount: strPtr("100"), DailyLimit: strPtr("1000")},
		WithRiskParser(parser), WithLedger(ledger))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10, Purpose: "hosting"})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Equal(t, intent.SourceFallback, d.AssessmentSource)
	assert.Equal(t, 3, llm.calls)
	require.NotNil(t, d.Risk)
	assert.NotEmpty(t, d.Warnings)
	assert.Len(t, ledger.recorded, 1)
}

func TestDecide_ParserContextErrorIsError(t *testing.T) {
	parser := &fakeParser{err: context.Canceled}
	e := newEngine(t, Policy{EnableAI: true}, WithRiskParser(parser))

	_, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecide_HistoryUnavailableWarns(t *testing.T) {
	parser := &fakeParser{result: llmResult(10, risk.LevelLow)}
	e := newEngine(t, Policy{EnableAI: true}, WithRiskParser(parser),
		WithHistory(&fakeHistory{err: errors.New("db down")}), WithFeatures(features.NewEngine()))

	d, err := e.Decide(context.Background(), Request{Recipient: addrB, Amount: 10})
	require.NoError(t, err)
	assert.True(t, d.OK)
	assert.Contains(t, d.Warnings, "transfer history unavailable")
}

// -----------------------------------------------------------------------------
// Side effects
// -----------------------------------------------------------------------------

func TestDecide_AcceptRecordsAndNotifies(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("advisory only")}
	sink := &captureSink{}
	history := &fakeHistory{transfers: []features.Transfer{
		{Recipient: addrB, Amount: 5, Timestamp: evalTime.Add(-time.Hour)},
	}}
	parser := &fakeParser{result: llmResult(10, risk.LevelLow)}
	e := newEngine(t, Policy{EnableAI: true}, WithRiskParser(parser), WithHistory(history),
		WithTransferRecorder(rec), WithFeatures(features.NewEngine()), WithSink(sink))

	d, err := e.Decide(context.Background(), Request{Recipient: strings.ToLower(addrB), Amount: 12.5, Purpose: "api"})
	require.NoError(t, err, "recorder failure must not fail the decision")
	assert.True(t, d.OK)
	assert.Equal(t, "12.5", d.Amount)

	require.Len(t, rec.transfers, 1)
	assert.Equal(t, addrB, rec.transfers[0].Recipient)
	assert.Equal(t, "completed", rec.transfers[0].Status)
	assert.Equal(t, evalTime, rec.transfers[0].Timestamp)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, d.ID, ev.Decision.ID)
	require.NotNil(t, ev.Features)
	assert.Equal(t, 12.5, ev.Features.Amount)
	assert.Equal(t, 1, parser.lastCtx.RecentPayments)
}
