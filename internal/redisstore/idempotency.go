package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"commhub/internal/idempotency"
)

// IdempotencyStore keeps guard records as JSON values whose Redis TTL tracks
// the record's expiry.
type IdempotencyStore struct {
	client *Client
	now    func() time.Time
}

func NewIdempotencyStore(client *Client) *IdempotencyStore {
	return &IdempotencyStore{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func idemKey(scope, key string) string { return Key("idempotency", scope, key) }

func (s *IdempotencyStore) Claim(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	// a key that expires between SETNX and GET is retried once
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, idemKey(rec.Scope, rec.Key), raw, ttl)
		if err != nil {
			return idempotency.Record{}, false, fmt.Errorf("setnx idempotency: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		existing, found, err := s.Get(ctx, rec.Scope, rec.Key)
		if err != nil {
			return idempotency.Record{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}
	return idempotency.Record{}, false, errors.New("idempotency key contended")
}

func (s *IdempotencyStore) Complete(ctx context.Context, scope, key string, response json.RawMessage, expiresAt time.Time) error {
	cur, found, err := s.Get(ctx, scope, key)
	if err != nil {
		return err
	}
	if !found {
		return idempotency.ErrNotClaimed
	}
	cur.State = idempotency.StateCompleted
	cur.Response = response
	cur.ExpiresAt = expiresAt
	raw, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, idemKey(scope, key), raw, expiresAt.Sub(s.now()))
}

func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	cur, found, err := s.Get(ctx, scope, key)
	if err != nil || !found || cur.State != idempotency.StatePending {
		return err
	}
	return s.client.Del(ctx, idemKey(scope, key))
}

func (s *IdempotencyStore) Get(ctx context.Context, scope, key string) (idempotency.Record, bool, error) {
	val, err := s.client.Get(ctx, idemKey(scope, key))
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("get idempotency: %w", err)
	}
	var rec idempotency.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, true, nil
}
