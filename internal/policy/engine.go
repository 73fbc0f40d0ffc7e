package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/payguard/internal/anomaly"
	"github.com/mbd888/payguard/internal/chain"
	"github.com/mbd888/payguard/internal/features"
	"github.com/mbd888/payguard/internal/idgen"
	"github.com/mbd888/payguard/internal/intent"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/risk"
	"github.com/mbd888/payguard/internal/syncutil"
	"github.com/mbd888/payguard/internal/traces"
	"github.com/mbd888/payguard/internal/usdc"
)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// FreezeOracle reports on-chain freeze status. A nil error guarantees an
// entry for every requested address.
type FreezeOracle interface {
	IsFrozenBatch(ctx context.Context, addrs []string) (map[string]bool, error)
}

// RiskParser produces intent and risk. Errors mean ctx ended.
type RiskParser interface {
	ParseAndAssessRisk(ctx context.Context, text string, ictx intent.Context) (intent.Result, error)
	RiskFor(ctx context.Context, in intent.Intent, ictx intent.Context) (intent.Result, error)
}

// HistoryStore returns the wallet's recent transfers, newest last. An empty
// recipient means all recipients.
type HistoryStore interface {
	GetRecentTransfers(ctx context.Context, recipient string) ([]features.Transfer, error)
}

// TransferRecorder appends decided transfers to history.
type TransferRecorder interface {
	Record(ctx context.Context, t features.Transfer) error
}

// SpendLedger tracks today's spend for the engine's wallet.
type SpendLedger interface {
	GetSpentToday(ctx context.Context) (*big.Int, error)
	RecordSpend(ctx context.Context, amount *big.Int) error
}

// FeatureComputer builds feature vectors.
type FeatureComputer interface {
	Compute(in features.Input, fctx features.Context, history []features.Transfer) features.Vector
	Invalidate(recipient string)
}

// Event is what sinks receive for every Decide call.
type Event struct {
	Request  Request
	Decision Decision
	Features *features.Vector
	Err      error
}

// DecisionSink observes decisions (audit, sample collection, live feed).
// Sinks must not block.
type DecisionSink interface {
	OnDecision(ctx context.Context, ev Event)
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine evaluates payment requests against one Policy.
type Engine struct {
	policy   Policy
	rules    *rules
	adjuster anomaly.Adjuster

	freeze   FreezeOracle
	parser   RiskParser
	history  HistoryStore
	recorder TransferRecorder
	ledger   SpendLedger
	features FeatureComputer
	scorer   anomaly.Scorer
	sinks    []DecisionSink

	// spendMu serializes the final daily-limit check with RecordSpend.
	spendMu  *syncutil.KeyedMutex
	spendKey string

	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFreezeOracle enables the freeze gate.
func WithFreezeOracle(o FreezeOracle) Option { return func(e *Engine) { e.freeze = o } }

// WithRiskParser sets the AI intent and risk parser.
func WithRiskParser(p RiskParser) Option { return func(e *Engine) { e.parser = p } }

// WithHistory sets the transfer history source.
func WithHistory(h HistoryStore) Option { return func(e *Engine) { e.history = h } }

// WithTransferRecorder records decided transfers into history.
func WithTransferRecorder(r TransferRecorder) Option { return func(e *Engine) { e.recorder = r } }

// WithLedger sets the daily spend ledger.
func WithLedger(l SpendLedger) Option { return func(e *Engine) { e.ledger = l } }

// WithFeatures sets the feature computer.
func WithFeatures(f FeatureComputer) Option { return func(e *Engine) { e.features = f } }

// WithScorer sets the anomaly scorer. It needs WithFeatures to run.
func WithScorer(s anomaly.Scorer) Option { return func(e *Engine) { e.scorer = s } }

// WithSink adds a decision sink.
func WithSink(s DecisionSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine validates p and wires the collaborators.
func NewEngine(p Policy, opts ...Option) (*Engine, error) {
	r, err := p.compile()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		policy:   p,
		rules:    r,
		adjuster: anomaly.NewAdjuster(r.boostCap),
		spendMu:  syncutil.NewKeyedMutex(),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if r.dailyLimit != nil && e.ledger == nil {
		return nil, fmt.Errorf("%w: dailyLimit requires a spend ledger", ErrInvalidPolicy)
	}
	if w, ok := e.ledger.(interface{ Wallet() string }); ok {
		e.spendKey = w.Wallet()
	}
	return e, nil
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// AIAvailable reports whether AI assessment can run.
func (e *Engine) AIAvailable() bool { return e.policy.EnableAI && e.parser != nil }

// Decide evaluates req. A Decision is returned for every business outcome;
// an error means a gate could not be evaluated (freeze status unverifiable,
// ledger unavailable, invalid request, ctx done) and no decision was made.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	id := idgen.WithPrefix("dec_")
	ctx = logging.WithDecisionID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "policy.Decide",
		traces.DecisionID(id), traces.Recipient(req.Recipient), traces.Amount(req.Amount))
	defer span.End()
	log := e.logger.With("decision_id", id)
	if rid := logging.RequestID(ctx); rid != "" {
		log = log.With("request_id", rid)
	}

	d, vec, err := e.decide(ctx, req, log)
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DecisionsTotal.WithLabelValues("error", "none").Inc()
		traces.RecordError(span, err)
		log.Error("decision failed", "recipient", req.Recipient, "amount", req.Amount, "error", err)
		e.notify(ctx, Event{Request: req, Features: vec, Err: err})
		return Decision{}, err
	}

	d.ID = id
	d.Recipient = req.Recipient
	if norm, nerr := chain.Normalize(req.Recipient); nerr == nil {
		d.Recipient = norm
	}
	if amt, aerr := usdc.FromFloat(req.Amount); aerr == nil {
		d.Amount = usdc.Compact(amt)
	}
	d.DecidedAt = e.now()

	code := string(d.Code)
	if code == "" {
		code = "none"
	}
	metrics.DecisionsTotal.WithLabelValues(d.Outcome(), code).Inc()
	span.SetAttributes(traces.DecisionCode(code))

	if d.OK {
		log.Info("payment accepted", "recipient", d.Recipient, "amount", d.Amount, "warnings", len(d.Warnings))
	} else {
		log.Info("payment rejected", "recipient", d.Recipient, "amount", d.Amount, "code", d.Code, "reason", d.Message)
	}
	e.notify(ctx, Event{Request: req, Decision: d, Features: vec})
	return d, nil
}

func (e *Engine) decide(ctx context.Context, req Request, log *slog.Logger) (Decision, *features.Vector, error) {
	recipient, err := chain.Normalize(req.Recipient)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("%w: recipient: %v", ErrInvalidRequest, err)
	}
	amount, err := usdc.FromFloat(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		return Decision{}, nil, fmt.Errorf("%w: amount must be a positive number", ErrInvalidRequest)
	}

	// 1. Allowlist.
	if len(e.rules.allow) > 0 {
		if _, ok := e.rules.allow[recipient]; !ok {
			return e.rejected(ctx, req, recipient, Reject(CodeNotInAllowlist,
				fmt.Sprintf("recipient %s is not in the allowlist", recipient))), nil, nil
		}
	}

	// 2. Freeze oracle. Unverifiable status is an error, never a guess.
	if e.freeze != nil {
		frozen, err := e.freeze.IsFrozenBatch(ctx, []string{recipient})
		if err != nil {
			metrics.FreezeChecksTotal.WithLabelValues("error").Inc()
			return Decision{}, nil, fmt.Errorf("policy: freeze check: %w", err)
		}
		isFrozen, ok := frozen[recipient]
		if !ok {
			metrics.FreezeChecksTotal.WithLabelValues("error").Inc()
			return Decision{}, nil, fmt.Errorf("policy: freeze check: no status for %s: %w", recipient, chain.ErrUnverifiable)
		}
		if isFrozen {
			metrics.FreezeChecksTotal.WithLabelValues("frozen").Inc()
			return e.rejected(ctx, req, recipient, Reject(CodeRecipientFrozen,
				fmt.Sprintf("recipient %s is frozen", recipient))), nil, nil
		}
		metrics.FreezeChecksTotal.WithLabelValues("clear").Inc()
	}

	// 3. Per-payment cap.
	if capAmt := e.rules.maxAmount; capAmt != nil && amount.Cmp(capAmt) > 0 {
		return e.rejected(ctx, req, recipient, Reject(CodeAmountExceedsMax,
			fmt.Sprintf("amount %s exceeds per-payment maximum %s", usdc.Compact(amount), usdc.Compact(capAmt)))), nil, nil
	}

	// 4. Daily limit.
	spent := new(big.Int)
	if e.ledger != nil {
		if spent, err = e.ledger.GetSpentToday(ctx); err != nil {
			return Decision{}, nil, fmt.Errorf("policy: read daily spend: %w", err)
		}
	}
	if limit := e.rules.dailyLimit; limit != nil {
		if total := usdc.Add(spent, amount); total.Cmp(limit) > 0 {
			return e.rejected(ctx, req, recipient, Reject(CodeDailyLimitExceeded,
				fmt.Sprintf("daily spend %s + %s = %s exceeds limit %s",
					usdc.Compact(spent), usdc.Compact(amount), usdc.Compact(total), usdc.Compact(limit)))), nil, nil
		}
	}

	// 5. AI risk.
	var (
		warnings []string
		ai       *aiOutcome
		vec      *features.Vector
	)
	if e.policy.EnableAI {
		if e.parser == nil {
			warnings = append(warnings, "AI assessment unavailable: no parser configured")
		} else {
			ai, err = e.assess(ctx, req, recipient, spent, log)
			if err != nil {
				return Decision{}, nil, err
			}
			vec = ai.features
			warnings = append(warnings, ai.warnings...)

			if d, reject := e.riskGate(ai); reject {
				ai.attach(&d)
				return e.rejected(ctx, req, recipient, d), vec, nil
			}
		}
	}

	// 6. AI required.
	if e.policy.RequireAIAssessment && (ai == nil || ai.result.Source == intent.SourceFallback) {
		d := Reject(CodeAIAssessmentFailed, "AI assessment is required by policy but no model assessment is available")
		if ai != nil {
			ai.attach(&d)
		}
		return e.rejected(ctx, req, recipient, d), vec, nil
	}

	// 7. Accept.
	d := Accept(warnings)
	if ai != nil {
		ai.attach(&d)
	}
	if e.ledger != nil {
		rej, err := e.commitSpend(ctx, amount)
		if err != nil {
			return Decision{}, vec, err
		}
		if rej != nil {
			if ai != nil {
				ai.attach(rej)
			}
			return e.rejected(ctx, req, recipient, *rej), vec, nil
		}
	}
	e.record(ctx, req, recipient, features.StatusCompleted)
	if e.features != nil {
		e.features.Invalidate(recipient)
	}
	return d, vec, nil
}

// commitSpend re-reads today's spend under the wallet lock and records
// amount only if the limit still holds. Another decision may have spent
// while this one waited on the freeze oracle or the model.
func (e *Engine) commitSpend(ctx context.Context, amount *big.Int) (*Decision, error) {
	unlock, err := e.spendMu.LockContext(ctx, e.spendKey)
	if err != nil {
		return nil, fmt.Errorf("policy: record spend: %w", err)
	}
	defer unlock()

	if limit := e.rules.dailyLimit; limit != nil {
		spent, err := e.ledger.GetSpentToday(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy: read daily spend: %w", err)
		}
		if total := usdc.Add(spent, amount); total.Cmp(limit) > 0 {
			d := Reject(CodeDailyLimitExceeded,
				fmt.Sprintf("daily spend %s + %s = %s exceeds limit %s",
					usdc.Compact(spent), usdc.Compact(amount), usdc.Compact(total), usdc.Compact(limit)))
			return &d, nil
		}
	}
	if err := e.ledger.RecordSpend(ctx, amount); err != nil {
		return nil, fmt.Errorf("policy: record spend: %w", err)
	}
	return nil, nil
}

// aiOutcome is the merged AI and anomaly view of one request.
type aiOutcome struct {
	result   intent.Result
	risk     risk.Assessment
	anomaly  *anomaly.Result
	features *features.Vector
	warnings []string
}

func (a *aiOutcome) attach(d *Decision) {
	in := a.result.Intent
	r := a.risk
	d.Intent = &in
	d.Risk = &r
	d.Anomaly = a.anomaly
	d.AssessmentSource = a.result.Source
}

func (e *Engine) assess(ctx context.Context, req Request, recipient string, spent *big.Int, log *slog.Logger) (*aiOutcome, error) {
	out := &aiOutcome{}

	var history []features.Transfer
	if e.history != nil {
		h, err := e.history.GetRecentTransfers(ctx, "")
		if err != nil {
			log.Warn("transfer history unavailable", "error", err)
			out.warnings = append(out.warnings, "transfer history unavailable")
		} else {
			history = h
		}
	}

	ictx := intent.Context{
		Sender:         req.Wallet.Address,
		Recipient:      recipient,
		Amount:         req.Amount,
		Currency:       req.Currency,
		WalletBalance:  req.Wallet.Balance,
		SpentToday:     usdc.ToFloat(spent),
		RecentPayments: len(history),
	}
	if e.rules.dailyLimit != nil {
		ictx.DailyLimit = usdc.ToFloat(e.rules.dailyLimit)
	}

	var (
		res intent.Result
		err error
	)
	if strings.TrimSpace(req.Text) != "" {
		res, err = e.parser.ParseAndAssessRisk(ctx, req.Text, ictx)
	} else {
		res, err = e.parser.RiskFor(ctx, intent.Intent{
			Recipient: recipient,
			Amount:    req.Amount,
			Currency:  req.Currency,
			Purpose:   req.Purpose,
		}, ictx)
	}
	if err != nil {
		return nil, fmt.Errorf("policy: risk assessment: %w", err)
	}
	metrics.AssessmentsTotal.WithLabelValues(string(res.Source)).Inc()
	out.result = res
	out.risk = res.Risk.Clone()
	out.warnings = append(out.warnings, res.Warnings...)
	if res.Source == intent.SourceFallback {
		out.warnings = append(out.warnings, "AI unavailable, heuristic risk assessment used")
	}

	if e.features != nil {
		purpose := req.Purpose
		if purpose == "" {
			purpose = res.Intent.Purpose
		}
		v := e.features.Compute(
			features.Input{Recipient: recipient, Amount: req.Amount, Purpose: purpose},
			features.Context{
				WalletAddress: req.Wallet.Address,
				WalletBalance: req.Wallet.Balance,
				SpentToday:    usdc.ToFloat(spent),
				Now:           e.now(),
			},
			history,
		)
		out.features = &v

		if e.scorer != nil {
			ar := e.scorer.Score(v)
			metrics.AnomalyScore.Observe(ar.Score)
			if ar.IsAnomaly {
				metrics.AnomalyFlaggedTotal.WithLabelValues(ar.Method).Inc()
				out.warnings = append(out.warnings, fmt.Sprintf("anomalous payment pattern (score %.2f)", ar.Score))
			}
			out.anomaly = &ar
			out.risk = e.adjuster.Apply(out.risk, ar)
		}
	}

	if out.risk.Level == risk.LevelMedium {
		out.warnings = append(out.warnings, "medium risk: "+out.risk.ReasonSummary())
	}
	return out, nil
}

func (e *Engine) riskGate(ai *aiOutcome) (Decision, bool) {
	r := ai.risk
	if limit := e.rules.maxRiskScore; limit != nil && r.Score > *limit {
		return Reject(CodeAIRiskTooHigh,
			fmt.Sprintf("AI risk score %d exceeds maximum %d: %s", r.Score, *limit, r.ReasonSummary())), true
	}
	if _, ok := e.rules.autoReject[r.Level]; ok {
		return Reject(CodeAIRiskTooHigh,
			fmt.Sprintf("AI risk level %s is auto-rejected by policy: %s", r.Level, r.ReasonSummary())), true
	}
	return Decision{}, false
}

func (e *Engine) rejected(ctx context.Context, req Request, recipient string, d Decision) Decision {
	e.record(ctx, req, recipient, features.StatusRejected)
	return d
}

// record is advisory; history gaps only weaken features.
func (e *Engine) record(ctx context.Context, req Request, recipient, status string) {
	if e.recorder == nil {
		return
	}
	err := e.recorder.Record(ctx, features.Transfer{
		Recipient: recipient,
		Amount:    req.Amount,
		Timestamp: e.now(),
		Purpose:   req.Purpose,
		Status:    status,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("failed to record transfer", "decision_id", logging.DecisionID(ctx), "recipient", recipient, "status", status, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	for _, s := range e.sinks {
		s.OnDecision(ctx, ev)
	}
}
