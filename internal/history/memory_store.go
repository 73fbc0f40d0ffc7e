package history

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/payguard/internal/features"
)

// MemoryStore keeps transfers in process, per wallet, in timestamp order.
type MemoryStore struct {
	mu      sync.RWMutex
	byOwner map[string][]features.Transfer
	maxPer  int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store that keeps at most maxPerWallet transfers
// per wallet (oldest dropped first). Zero means 10000.
func NewMemoryStore(maxPerWallet int) *MemoryStore {
	if maxPerWallet <= 0 {
		maxPerWallet = 10000
	}
	return &MemoryStore{byOwner: make(map[string][]features.Transfer), maxPer: maxPerWallet}
}

func (m *MemoryStore) Append(_ context.Context, wallet string, t features.Transfer) error {
	if err := validate(t); err != nil {
		return err
	}
	wallet = NormalizeAddr(wallet)

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byOwner[wallet]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(t.Timestamp) })
	list = append(list, features.Transfer{})
	copy(list[i+1:], list[i:])
	list[i] = t
	if len(list) > m.maxPer {
		list = append([]features.Transfer(nil), list[len(list)-m.maxPer:]...)
	}
	m.byOwner[wallet] = list
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, q Query) ([]features.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []features.Transfer
	for _, t := range m.byOwner[NormalizeAddr(q.Wallet)] {
		if !q.Since.IsZero() && t.Timestamp.Before(q.Since) {
			continue
		}
		if q.Recipient != "" && NormalizeAddr(t.Recipient) != NormalizeAddr(q.Recipient) {
			continue
		}
		out = append(out, t)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}
