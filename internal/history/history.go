// Package history stores the transfers each wallet has made, completed and
// rejected, as input to the feature engine.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/payguard/internal/features"
)

// Window bounds.
const (
	// DefaultLookback covers the longest feature window (30 days).
	DefaultLookback = 30 * 24 * time.Hour
	// DefaultLimit caps how many transfers one read returns.
	DefaultLimit = 500
)

var ErrInvalidTransfer = errors.New("history: invalid transfer")

// Query selects transfers for one wallet.
type Query struct {
	Wallet    string
	Recipient string // empty means all recipients
	Since     time.Time
	Limit     int
}

// Store persists transfers.
type Store interface {
	// Append adds a transfer for wallet.
	Append(ctx context.Context, wallet string, t features.Transfer) error
	// Recent returns matching transfers oldest first; when more than
	// q.Limit match, the newest q.Limit are kept.
	Recent(ctx context.Context, q Query) ([]features.Transfer, error)
}

// NormalizeAddr lower-cases an address for storage keys.
func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func validate(t features.Transfer) error {
	if strings.TrimSpace(t.Recipient) == "" {
		return fmt.Errorf("%w: recipient is empty", ErrInvalidTransfer)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidTransfer)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is zero", ErrInvalidTransfer)
	}
	return nil
}

// WalletHistory binds a Store to one wallet. It satisfies the policy
// engine's HistoryStore and TransferRecorder.
type WalletHistory struct {
	store    Store
	wallet   string
	lookback time.Duration
	limit    int
	now      func() time.Time
}

// Option configures a WalletHistory.
type Option func(*WalletHistory)

// WithLookback sets how far back reads go.
func WithLookback(d time.Duration) Option {
	return func(w *WalletHistory) {
		if d > 0 {
			w.lookback = d
		}
	}
}

// WithLimit caps each read.
func WithLimit(n int) Option {
	return func(w *WalletHistory) {
		if n > 0 {
			w.limit = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *WalletHistory) { w.now = now }
}

// ForWallet returns the single-wallet view.
func ForWallet(store Store, wallet string, opts ...Option) *WalletHistory {
	w := &WalletHistory{
		store:    store,
		wallet:   NormalizeAddr(wallet),
		lookback: DefaultLookback,
		limit:    DefaultLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// GetRecentTransfers returns the wallet's transfers inside the lookback
// window, optionally filtered to one recipient.
func (w *WalletHistory) GetRecentTransfers(ctx context.Context, recipient string) ([]features.Transfer, error) {
	return w.store.Recent(ctx, Query{
		Wallet:    w.wallet,
		Recipient: NormalizeAddr(recipient),
		Since:     w.now().Add(-w.lookback),
		Limit:     w.limit,
	})
}

// Record appends a transfer for the wallet.
func (w *WalletHistory) Record(ctx context.Context, t features.Transfer) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = w.now()
	}
	if t.Status == "" {
		t.Status = features.StatusCompleted
	}
	return w.store.Append(ctx, w.wallet, t)
}

// Fetcher adapts the store for features.Engine.Precompute.
func (w *WalletHistory) Fetcher() features.Fetcher {
	return w.GetRecentTransfers
}

// Recipients lists distinct recipients seen in the lookback window, most
// recent first.
func (w *WalletHistory) Recipients(ctx context.Context) ([]string, error) {
	all, err := w.GetRecentTransfers(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(all))
	var out []string
	for i := len(all) - 1; i >= 0; i-- {
		r := NormalizeAddr(all[i].Recipient)
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, all[i].Recipient)
	}
	return out, nil
}
