// Package ratelimit implements fixed-window request limiting over a shared
// counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"commhub/internal/apperr"
	"commhub/internal/observability"
)

// FailurePolicy decides what happens when the counter store is unreachable.
type FailurePolicy int

const (
	FailOpen FailurePolicy = iota + 1
	FailClosed
)

func ParseFailurePolicy(v string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "open", "fail-open", "fail_open":
		return FailOpen, nil
	case "closed", "fail-closed", "fail_closed":
		return FailClosed, nil
	}
	return 0, fmt.Errorf("unknown rate limit failure policy %q", v)
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err returns a THROTTLED error for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Throttled("rate limit exceeded", d.RetryAfter)
}

type Limiter interface {
	Limit(ctx context.Context, identity string) (Decision, error)
}

type CounterStore interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

type FixedWindow struct {
	policy    Policy
	store     CounterStore
	onFailure FailurePolicy
	now       func() time.Time
}

func NewFixedWindow(policy Policy, store CounterStore, onFailure FailurePolicy) (*FixedWindow, error) {
	if policy.Name == "" {
		return nil, errors.New("rate limit policy needs a name")
	}
	if policy.Limit <= 0 || policy.Window <= 0 {
		return nil, fmt.Errorf("rate limit policy %s: limit and window must be positive", policy.Name)
	}
	if store == nil {
		return nil, errors.New("rate limit counter store is required")
	}
	if onFailure != FailOpen && onFailure != FailClosed {
		return nil, errors.New("rate limit failure policy is required")
	}
	return &FixedWindow{
		policy:    policy,
		store:     store,
		onFailure: onFailure,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (f *FixedWindow) Policy() Policy { return f.policy }

func (f *FixedWindow) windowStart(now time.Time) time.Time {
	w := int64(f.policy.Window)
	return time.Unix(0, now.UnixNano()-now.UnixNano()%w).UTC()
}

func (f *FixedWindow) Limit(ctx context.Context, identity string) (Decision, error) {
	now := f.now()
	start := f.windowStart(now)
	reset := start.Add(f.policy.Window)
	key := fmt.Sprintf("%s:%s:%d", f.policy.Name, identity, start.Unix())

	count, err := f.store.IncrWithTTL(ctx, key, f.policy.Window)
	if err != nil {
		if f.onFailure == FailOpen {
			slog.Warn("rate limit store unavailable, allowing", "policy", f.policy.Name, "err", err)
			observability.RateLimitDecisions.WithLabelValues(f.policy.Name, "fail_open").Inc()
			return Decision{Allowed: true, Limit: f.policy.Limit, Remaining: f.policy.Limit, ResetAt: reset}, nil
		}
		observability.RateLimitDecisions.WithLabelValues(f.policy.Name, "fail_closed").Inc()
		return Decision{Limit: f.policy.Limit, ResetAt: reset},
			apperr.Wrap(apperr.CodeDependency, err, "rate limit store unavailable")
	}

	d := Decision{
		Allowed:   count <= int64(f.policy.Limit),
		Limit:     f.policy.Limit,
		Remaining: max(0, f.policy.Limit-int(count)),
		ResetAt:   reset,
	}
	if !d.Allowed {
		d.RetryAfter = max(reset.Sub(now), time.Second)
		observability.RateLimitDecisions.WithLabelValues(f.policy.Name, "throttled").Inc()
	} else {
		observability.RateLimitDecisions.WithLabelValues(f.policy.Name, "allowed").Inc()
	}
	return d, nil
}
