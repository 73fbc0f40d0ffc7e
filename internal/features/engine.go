package features

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/payguard/internal/cache"
)

// Cache lifetimes.
const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultRecipientTTL = time.Hour
	MaxPrecompute       = 100
	precomputeWorkers   = 8
	recentWindow        = 10
	trendWindow         = 5
)

// Input is the payment being evaluated.
type Input struct {
	Recipient string
	Amount    float64
	Purpose   string
}

// Context is wallet state at evaluation time.
type Context struct {
	WalletAddress string
	WalletBalance float64
	SpentToday    float64

	// Now is the evaluation time. Zero means the engine clock.
	Now time.Time
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now
}

// AddressStats summarises the wallet's history with one recipient.
type AddressStats struct {
	TxCount     int       `json:"txCount"`
	TotalAmount float64   `json:"totalAmount"`
	FirstSeen   time.Time `json:"firstSeen"`
	Purposes    int       `json:"purposes"`
}

// AvgAmount is the mean transfer to the recipient.
func (s AddressStats) AvgAmount() float64 {
	if s.TxCount == 0 {
		return 0
	}
	return s.TotalAmount / float64(s.TxCount)
}

// RiskScore maps the average amount onto 0..100; 50 with no history.
func (s AddressStats) RiskScore() float64 {
	if s.TxCount == 0 {
		return DefaultAddressRiskScore
	}
	return clamp(s.AvgAmount()/10, 0, 100)
}

// Fetcher loads a recipient's transfer history for Precompute.
type Fetcher func(ctx context.Context, recipient string) ([]Transfer, error)

// Engine computes feature vectors and caches recent results.
type Engine struct {
	vectors    *cache.TTL[Vector]
	recipients *cache.TTL[AddressStats]
	now        func() time.Time
	logger     *slog.Logger

	computed atomic.Int64
	hits     atomic.Int64
}

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	cacheTTL     time.Duration
	recipientTTL time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// WithCacheTTL sets how long computed vectors are reused.
func WithCacheTTL(d time.Duration) Option {
	return func(c *engineConfig) { c.cacheTTL = d }
}

// WithRecipientTTL sets how long precomputed recipient stats are kept.
func WithRecipientTTL(d time.Duration) Option {
	return func(c *engineConfig) { c.recipientTTL = d }
}

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// NewEngine creates a feature engine.
func NewEngine(opts ...Option) *Engine {
	cfg := engineConfig{
		cacheTTL:     DefaultCacheTTL,
		recipientTTL: DefaultRecipientTTL,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		vectors:    cache.New[Vector](cfg.cacheTTL, cache.WithClock(cfg.now)),
		recipients: cache.New[AddressStats](cfg.recipientTTL, cache.WithClock(cfg.now)),
		now:        cfg.now,
		logger:     cfg.logger,
	}
}

// Compute derives the feature vector for a payment.
//
// The evaluation time is truncated to the minute, so the result is a pure
// function of its arguments and a cached vector equals a fresh one.
// history is the wallet's transfers to any recipient; nil means none are
// known, in which case precomputed recipient stats are used if present.
func (e *Engine) Compute(in Input, fctx Context, history []Transfer) Vector {
	if fctx.Now.IsZero() {
		fctx.Now = e.now()
	}
	fctx.Now = fctx.Now.UTC().Truncate(time.Minute)

	key := vectorKey(in, fctx, history)
	if v, ok := e.vectors.Get(key); ok {
		e.hits.Add(1)
		return v
	}

	v := derive(in, fctx, history)
	if len(history) == 0 {
		if st, ok := e.recipients.Get(normalize(in.Recipient)); ok {
			applyAddress(&v, st, fctx.Now)
		}
	}
	e.computed.Add(1)
	e.vectors.Set(key, v)
	return v
}

// Invalidate drops cached vectors and stats for recipient.
func (e *Engine) Invalidate(recipient string) {
	prefix := normalize(recipient) + "|"
	e.vectors.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
	e.recipients.Delete(normalize(recipient))
}

// StartJanitor sweeps expired vectors and stats once per TTL until ctx is done.
func (e *Engine) StartJanitor(ctx context.Context) {
	e.vectors.StartJanitor(ctx, 0)
	e.recipients.StartJanitor(ctx, 0)
}

// Prune evicts expired entries and returns how many were removed.
func (e *Engine) Prune() int {
	return e.vectors.Cleanup() + e.recipients.Cleanup()
}

// CacheLen is the number of cached vectors, expired or not.
func (e *Engine) CacheLen() int { return e.vectors.Len() }

// RecipientStats returns precomputed stats for recipient.
func (e *Engine) RecipientStats(recipient string) (AddressStats, bool) {
	return e.recipients.Get(normalize(recipient))
}

// Stats reports cache effectiveness.
func (e *Engine) Stats() (computed, hits int64) {
	return e.computed.Load(), e.hits.Load()
}

// Precompute loads and caches address stats for up to MaxPrecompute
// recipients concurrently. Individual fetch failures are logged and
// skipped. It returns the number of recipients cached.
func (e *Engine) Precompute(ctx context.Context, recipients []string, fetch Fetcher) (int, error) {
	if len(recipients) > MaxPrecompute {
		recipients = recipients[:MaxPrecompute]
	}

	var cached atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precomputeWorkers)
	for _, r := range recipients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			history, err := fetch(gctx, r)
			if err != nil {
				e.logger.Warn("feature precompute failed", "recipient", r, "error", err)
				return nil
			}
			e.recipients.Set(normalize(r), addressStats(r, completedOnly(history)))
			cached.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(cached.Load()), fmt.Errorf("features: precompute: %w", err)
	}
	return int(cached.Load()), nil
}

// -----------------------------------------------------------------------------
// Derivation
// -----------------------------------------------------------------------------

func derive(in Input, fctx Context, history []Transfer) Vector {
	now := fctx.now()
	v := DefaultVector(in, fctx)

	all := upTo(history, now)
	for _, t := range all {
		if t.Rejected() {
			v.UserRejectCount++
		}
	}
	done := completedOnly(all)
	if len(done) == 0 {
		return v
	}

	for _, w := range []struct {
		d               time.Duration
		count, sum, avg *float64
	}{
		{time.Hour, &v.TxCount1h, &v.TxAmount1h, &v.AvgAmount1h},
		{24 * time.Hour, &v.TxCount24h, &v.TxAmount24h, &v.AvgAmount24h},
		{7 * 24 * time.Hour, &v.TxCount7d, &v.TxAmount7d, &v.AvgAmount7d},
		{30 * 24 * time.Hour, &v.TxCount30d, &v.TxAmount30d, &v.AvgAmount30d},
	} {
		n, s := window(done, now, w.d, "")
		*w.count, *w.sum = float64(n), s
		if n > 0 {
			*w.avg = s / float64(n)
		}
	}
	v.TxFrequencyPerDay = v.TxCount30d / 30

	// Wallet profile.
	amounts := make([]float64, len(done))
	for i, t := range done {
		amounts[i] = t.Amount
	}
	v.UserTotalTxCount = float64(len(done))
	v.UserTotalAmount = sum(amounts)
	v.UserAvgAmount = v.UserTotalAmount / v.UserTotalTxCount

	// Recent behaviour.
	recent := tail(done, recentWindow)
	recentAmounts := tail(amounts, recentWindow)
	v.RecipientChangeRate = float64(distinctRecipients(recent)) / float64(len(recent))
	v.PurposeDiversity = math.Max(DefaultPurposeDiversity, float64(distinctPurposes(recent)))
	v.Trend = trend(tail(amounts, trendWindow))
	v.AmountTrend = v.Trend.Value()

	mean, std := meanStd(recentAmounts)
	v.RecentAmountMean = mean
	v.RecentAmountStd = std
	v.RecentAmountMax, v.RecentAmountMin = maxMin(recentAmounts)
	if mean > 0 {
		v.AmountCoefficientOfVariation = std / mean
		v.AmountRatioToAvg = in.Amount / mean
	}
	v.RecentRecipientCount = float64(distinctRecipients(recent))
	v.RecipientRepeatRate = float64(countTo(recent, in.Recipient)) / float64(len(recent))

	// Intervals.
	if len(done) > 1 {
		var gaps []float64
		for i := 1; i < len(done); i++ {
			gaps = append(gaps, done[i].Timestamp.Sub(done[i-1].Timestamp).Hours())
		}
		v.AvgTxIntervalHours = sum(gaps) / float64(len(gaps))
		v.MaxTxIntervalHours, v.MinTxIntervalHours = maxMin(gaps)
	}

	// Sequence relative to this recipient.
	n24, _ := window(done, now, 24*time.Hour, in.Recipient)
	n7d, _ := window(done, now, 7*24*time.Hour, in.Recipient)
	v.SameRecipientIn24h = float64(n24)
	v.SameRecipientIn7d = float64(n7d)
	for i := len(done) - 1; i >= 0 && sameAddr(done[i].Recipient, in.Recipient); i-- {
		v.ConsecutiveSameRecipient++
	}
	for i := len(done) - 1; i >= 0; i-- {
		if sameAddr(done[i].Recipient, in.Recipient) {
			v.HoursSinceLastToRecipient = now.Sub(done[i].Timestamp).Hours()
			break
		}
	}
	if last := done[len(done)-1].Amount; last > 0 {
		v.AmountChangeRate = (in.Amount - last) / last
	}
	if allMean := v.UserAvgAmount; allMean > 0 {
		v.AmountDeviationFromMean = math.Abs(in.Amount-allMean) / allMean
	}
	if med := median(amounts); med > 0 {
		v.AmountDeviationFromMedian = math.Abs(in.Amount-med) / med
	}

	applyAddress(&v, addressStats(in.Recipient, done), now)
	return v
}

func applyAddress(v *Vector, st AddressStats, now time.Time) {
	v.AddressTxCount = float64(st.TxCount)
	v.AddressTotalAmount = st.TotalAmount
	v.AddressAvgAmount = st.AvgAmount()
	v.AddressRiskScore = st.RiskScore()
	v.AddressAssociationCount = float64(st.Purposes)
	if st.TxCount > 0 && !st.FirstSeen.IsZero() {
		v.AddressFirstSeenDays = math.Max(0, now.Sub(st.FirstSeen).Hours()/24)
	}
}

// addressStats expects completed transfers in chronological order.
func addressStats(recipient string, done []Transfer) AddressStats {
	var st AddressStats
	purposes := map[string]struct{}{}
	for _, t := range done {
		if !sameAddr(t.Recipient, recipient) {
			continue
		}
		if st.TxCount == 0 || t.Timestamp.Before(st.FirstSeen) {
			st.FirstSeen = t.Timestamp
		}
		st.TxCount++
		st.TotalAmount += t.Amount
		if p := strings.TrimSpace(strings.ToLower(t.Purpose)); p != "" {
			purposes[p] = struct{}{}
		}
	}
	st.Purposes = len(purposes)
	return st
}

// trend classifies amounts given in chronological order.
func trend(amounts []float64) Trend {
	if len(amounts) < 2 {
		return TrendStable
	}
	inc, dec := true, true
	for i := 1; i < len(amounts); i++ {
		if amounts[i] <= amounts[i-1] {
			inc = false
		}
		if amounts[i] >= amounts[i-1] {
			dec = false
		}
	}
	switch {
	case inc:
		return TrendIncreasing
	case dec:
		return TrendDecreasing
	}
	mean, std := meanStd(amounts)
	if mean > 0 && std/mean > 0.5 {
		return TrendVolatile
	}
	return TrendStable
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// upTo returns transfers not after now, sorted oldest first.
func upTo(history []Transfer, now time.Time) []Transfer {
	out := make([]Transfer, 0, len(history))
	for _, t := range history {
		if !t.Timestamp.After(now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func completedOnly(history []Transfer) []Transfer {
	out := make([]Transfer, 0, len(history))
	for _, t := range history {
		if !t.Rejected() {
			out = append(out, t)
		}
	}
	return out
}

// window counts transfers within d before now, optionally to one recipient.
func window(done []Transfer, now time.Time, d time.Duration, recipient string) (int, float64) {
	n, s := 0, 0.0
	for _, t := range done {
		if now.Sub(t.Timestamp) >= d {
			continue
		}
		if recipient != "" && !sameAddr(t.Recipient, recipient) {
			continue
		}
		n++
		s += t.Amount
	}
	return n, s
}

func countTo(ts []Transfer, recipient string) int {
	n := 0
	for _, t := range ts {
		if sameAddr(t.Recipient, recipient) {
			n++
		}
	}
	return n
}

func distinctRecipients(ts []Transfer) int {
	seen := map[string]struct{}{}
	for _, t := range ts {
		seen[normalize(t.Recipient)] = struct{}{}
	}
	return len(seen)
}

func distinctPurposes(ts []Transfer) int {
	seen := map[string]struct{}{}
	for _, t := range ts {
		if p := strings.TrimSpace(strings.ToLower(t.Purpose)); p != "" {
			seen[p] = struct{}{}
		}
	}
	return len(seen)
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func sum(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := sum(xs) / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func maxMin(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	hi, lo := xs[0], xs[0]
	for _, x := range xs[1:] {
		hi = math.Max(hi, x)
		lo = math.Min(lo, x)
	}
	return hi, lo
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func sameAddr(a, b string) bool {
	return normalize(a) == normalize(b)
}

func vectorKey(in Input, fctx Context, history []Transfer) string {
	h := fnv.New64a()
	for _, t := range history {
		_, _ = fmt.Fprintf(h, "%s|%g|%d|%s|%s;", normalize(t.Recipient), t.Amount, t.Timestamp.UnixNano(), t.Status, t.Purpose)
	}
	return fmt.Sprintf("%s|%g|%s|%s|%g|%g|%d|%x",
		normalize(in.Recipient), in.Amount, normalize(fctx.WalletAddress), in.Purpose,
		fctx.WalletBalance, fctx.SpentToday, fctx.Now.Unix(), h.Sum64())
}
