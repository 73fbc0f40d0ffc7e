package samples

import (
	"context"
	"sync"

	"github.com/mbd888/payguard/internal/features"
)

// MemoryStore keeps the newest samples in process.
type MemoryStore struct {
	mu      sync.RWMutex
	samples []Sample
	max     int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store keeping at most capacity samples (0 means 10000).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{max: capacity}
}

func (m *MemoryStore) SaveBatch(_ context.Context, batch []Sample) error {
	for _, s := range batch {
		if s.ID == "" || s.Label == "" {
			return ErrInvalidSample
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, batch...)
	if over := len(m.samples) - m.max; over > 0 {
		m.samples = append([]Sample(nil), m.samples[over:]...)
	}
	return nil
}

func (m *MemoryStore) Normal(_ context.Context, limit int) ([]features.Vector, error) {
	if limit <= 0 {
		limit = DefaultNormalLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []features.Vector
	for i := len(m.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if m.samples[i].Label == LabelNormal {
			out = append(out, m.samples[i].Features)
		}
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Total: len(m.samples)}
	for _, s := range m.samples {
		switch s.Label {
		case LabelNormal:
			st.Normal++
		case LabelRisk:
			st.Risk++
		default:
			st.Unknown++
		}
	}
	return st, nil
}

// All returns a copy of every sample, oldest first.
func (m *MemoryStore) All() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}
