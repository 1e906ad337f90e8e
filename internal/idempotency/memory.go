package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by tests and single-node dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func memKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemoryStore) Claim(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(rec.Scope, rec.Key)
	if cur, ok := m.records[k]; ok && cur.ExpiresAt.After(m.now()) {
		return cur, false, nil
	}
	m.records[k] = rec
	return rec, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, scope, key string, response json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(scope, key)
	cur, ok := m.records[k]
	if !ok {
		return ErrNotClaimed
	}
	cur.State = StateCompleted
	cur.Response = append(json.RawMessage(nil), response...)
	cur.ExpiresAt = expiresAt
	m.records[k] = cur
	return nil
}

func (m *MemoryStore) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(scope, key)
	if cur, ok := m.records[k]; ok && cur.State == StatePending {
		delete(m.records, k)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[memKey(scope, key)]
	if !ok || !cur.ExpiresAt.After(m.now()) {
		return Record{}, false, nil
	}
	return cur, true, nil
}

// PurgeExpired drops expired records and reports how many were removed.
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if !rec.ExpiresAt.After(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
