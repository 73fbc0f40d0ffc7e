package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Totals are lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	totals map[dayKey]*big.Int
}

type dayKey struct {
	wallet string
	day    string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{totals: make(map[dayKey]*big.Int)}
}

func key(wallet string, day time.Time) dayKey {
	return dayKey{wallet: NormalizeWallet(wallet), day: Day(day).Format(time.DateOnly)}
}

func (m *MemoryStore) SpentOn(_ context.Context, wallet string, day time.Time) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.totals[key(wallet, day)]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) AddSpend(_ context.Context, wallet string, day time.Time, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(wallet, day)
	v, ok := m.totals[k]
	if !ok {
		v = new(big.Int)
		m.totals[k] = v
	}
	v.Add(v, amount)
	return nil
}

// Prune drops totals for days before cutoff.
func (m *MemoryStore) Prune(cutoff time.Time) int {
	limit := Day(cutoff).Format(time.DateOnly)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.totals {
		if k.day < limit {
			delete(m.totals, k)
			n++
		}
	}
	return n
}
