package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is a process-local CounterStore.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryCounter) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.expires) {
		e = memEntry{expires: now.Add(ttl)}
	}
	e.count++
	m.entries[key] = e
	if len(m.entries) > 4096 {
		for k, v := range m.entries {
			if !now.Before(v.expires) {
				delete(m.entries, k)
			}
		}
	}
	return e.count, nil
}
