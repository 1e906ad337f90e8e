// Package memory is an in-process implementation of the communication store,
// used for local runs without Postgres and by package tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"commhub/internal/domain"
	"commhub/internal/store"
)

type Store struct {
	mu       sync.Mutex
	comms    map[string]domain.Communication
	attempts []store.ProviderAttempt
	events   []store.DeliveryEvent
}

func New() *Store {
	return &Store{comms: make(map[string]domain.Communication)}
}

func (s *Store) InsertCommunication(_ context.Context, c domain.Communication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comms[c.ID]; ok {
		return fmt.Errorf("communication %s already exists", c.ID)
	}
	c.UpdatedAt = c.CreatedAt
	s.comms[c.ID] = c
	return nil
}

func (s *Store) GetCommunication(_ context.Context, id string) (domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return domain.Communication{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindByProviderMsgID(_ context.Context, provider, providerMsgID string) (domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.comms {
		if c.Provider == provider && c.ProviderMsgID == providerMsgID && providerMsgID != "" {
			return c, nil
		}
	}
	return domain.Communication{}, store.ErrNotFound
}

func (s *Store) UpdateBody(_ context.Context, id, body string, now time.Time) error {
	return s.mutate(id, func(c *domain.Communication) {
		c.Body = body
		c.UpdatedAt = now
	})
}

func (s *Store) SetProviderDetails(_ context.Context, in store.ProviderDetails) error {
	return s.mutate(in.ID, func(c *domain.Communication) {
		c.Provider = in.Provider
		c.ProviderMsgID = in.ProviderMsgID
		c.UpdatedAt = in.Now
	})
}

func (s *Store) AdvanceStatus(_ context.Context, in store.StatusUpdate) (store.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[in.ID]
	if !ok {
		return store.StatusResult{}, store.ErrNotFound
	}
	applied := c.Advance(in.Status, in.Reason, in.At)
	s.comms[in.ID] = c
	return store.StatusResult{Applied: applied, Current: c}, nil
}

func (s *Store) RecordOpen(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok || !c.RecordOpen(at) {
		return false, nil
	}
	c.UpdatedAt = at
	s.comms[id] = c
	return true, nil
}

func (s *Store) RecordClick(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok || !c.RecordClick(at) {
		return false, nil
	}
	c.UpdatedAt = at
	s.comms[id] = c
	return true, nil
}

func (s *Store) InsertAttempt(_ context.Context, in store.ProviderAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, in)
	return nil
}

func (s *Store) InsertDeliveryEvent(_ context.Context, in store.DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, in)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Count returns the number of stored communications.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comms)
}

func (s *Store) Attempts() []store.ProviderAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ProviderAttempt(nil), s.attempts...)
}

func (s *Store) Events() []store.DeliveryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.DeliveryEvent(nil), s.events...)
}

func (s *Store) mutate(id string, fn func(*domain.Communication)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&c)
	s.comms[id] = c
	return nil
}
