// Package ledger tracks how much each wallet has spent per UTC day.
//
// Amounts are USDC micro-units (*big.Int, 6 decimals). A day rolls over at
// 00:00 UTC; spend recorded on one day never counts toward the next.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	ErrCorruptValue  = errors.New("ledger: stored amount is not a decimal")
)

// DefaultWallet keys spend when the engine has no configured wallet address.
const DefaultWallet = "default"

// Store persists daily spend totals.
type Store interface {
	// SpentOn returns the total for wallet on day (zero when nothing recorded).
	SpentOn(ctx context.Context, wallet string, day time.Time) (*big.Int, error)
	// AddSpend atomically adds amount to the total for wallet on day.
	AddSpend(ctx context.Context, wallet string, day time.Time, amount *big.Int) error
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeWallet lower-cases an address; empty means DefaultWallet.
func NormalizeWallet(wallet string) string {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return DefaultWallet
	}
	return wallet
}

// WalletLedger binds a Store to one wallet and the current day.
type WalletLedger struct {
	store  Store
	wallet string
	now    func() time.Time
}

// Option configures a WalletLedger.
type Option func(*WalletLedger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *WalletLedger) { w.now = now }
}

// ForWallet returns the single-wallet view the policy engine consumes.
func ForWallet(store Store, wallet string, opts ...Option) *WalletLedger {
	w := &WalletLedger{
		store:  store,
		wallet: NormalizeWallet(wallet),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wallet returns the normalized wallet key.
func (w *WalletLedger) Wallet() string { return w.wallet }

// GetSpentToday returns today's total.
func (w *WalletLedger) GetSpentToday(ctx context.Context) (*big.Int, error) {
	spent, err := w.store.SpentOn(ctx, w.wallet, Day(w.now()))
	if err != nil {
		return nil, fmt.Errorf("ledger: spent today for %s: %w", w.wallet, err)
	}
	return spent, nil
}

// RecordSpend adds amount to today's total.
func (w *WalletLedger) RecordSpend(ctx context.Context, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := w.store.AddSpend(ctx, w.wallet, Day(w.now()), amount); err != nil {
		return fmt.Errorf("ledger: record spend for %s: %w", w.wallet, err)
	}
	return nil
}
