// Package syncutil provides a context-aware striped lock used to serialize
// the daily-limit check and the spend it guards.
package syncutil

import (
	"context"
	"hash/fnv"
)

// Stripes is the number of lock stripes.
const Stripes = 64

// KeyedMutex is a fixed pool of channel locks selected by key hash. Keys
// that share a stripe also share a lock, so memory stays bounded.
type KeyedMutex struct {
	stripes [Stripes]chan struct{}
}

// NewKeyedMutex returns an unlocked KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	for i := range m.stripes {
		m.stripes[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext blocks until the lock for key is held or ctx is done. The
// returned unlock must be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (unlock func(), err error) {
	ch := m.stripes[stripe(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % Stripes
}
