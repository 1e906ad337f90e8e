package redisstore

import (
	"context"
	"time"
)

// RateCounter namespaces fixed-window counters under commhub:ratelimit.
type RateCounter struct {
	client *Client
}

func NewRateCounter(client *Client) *RateCounter {
	return &RateCounter{client: client}
}

func (r *RateCounter) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.client.IncrWithTTL(ctx, Key("ratelimit", key), ttl)
}
