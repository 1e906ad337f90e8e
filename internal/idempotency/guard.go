package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"commhub/internal/apperr"
	"commhub/internal/observability"
)

type Options struct {
	// ClaimTTL bounds how long a pending claim survives a crashed holder.
	ClaimTTL time.Duration
	// Retention is how long completed results are replayable.
	Retention    time.Duration
	WaitTimeout  time.Duration
	WaitInterval time.Duration
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 100 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

type Result struct {
	Payload  json.RawMessage
	Replayed bool
}

type Op func(ctx context.Context) (any, error)

// Guard runs an operation at most once per (scope, key) and replays the stored
// result for repeats carrying the same request body.
type Guard struct {
	store Store
	opts  Options
	group singleflight.Group
}

func NewGuard(store Store, opts Options) *Guard {
	return &Guard{store: store, opts: opts.withDefaults()}
}

// Execute claims (scope, key) and runs op, or resolves against the existing
// record. An empty key is derived from the scope and body.
//
// Concurrent in-process callers with the same key and body share the leader's
// execution; only the leader's result has Replayed=false.
func (g *Guard) Execute(ctx context.Context, scope, key string, body []byte, op Op) (Result, error) {
	if key == "" {
		key = DeriveKey(scope, body)
	}
	hash := HashBody(body)

	led := false
	v, err, _ := g.group.Do(scope+"\x00"+key+"\x00"+hash, func() (any, error) {
		led = true
		return g.execute(ctx, scope, key, hash, op)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if !led {
		res.Replayed = true
	}
	if res.Replayed {
		observability.IdempotencyOutcomes.WithLabelValues("replayed").Inc()
	}
	return res, nil
}

func (g *Guard) execute(ctx context.Context, scope, key, hash string, op Op) (Result, error) {
	deadline := g.opts.Now().Add(g.opts.WaitTimeout)
	for {
		now := g.opts.Now()
		existing, claimed, err := g.store.Claim(ctx, Record{
			Scope:       scope,
			Key:         key,
			RequestHash: hash,
			State:       StatePending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.opts.ClaimTTL),
		})
		if err != nil {
			return Result{}, apperr.Wrap(apperr.CodeDependency, err, "claim idempotency key")
		}
		if claimed {
			return g.run(ctx, scope, key, op)
		}

		rec, found, err := g.resolve(ctx, existing, hash, deadline)
		if err != nil {
			return Result{}, err
		}
		if found {
			return Result{Payload: rec.Response, Replayed: true}, nil
		}
		// holder released its claim; try to take it over
	}
}

// resolve waits for a pending record with a matching hash to complete. found is
// false when the record disappeared while waiting.
func (g *Guard) resolve(ctx context.Context, rec Record, hash string, deadline time.Time) (Record, bool, error) {
	for {
		if rec.RequestHash != hash {
			observability.IdempotencyOutcomes.WithLabelValues("conflict").Inc()
			return Record{}, false, apperr.New(apperr.CodeIdempotency, "idempotency key reused with a different request body").
				WithDetails(map[string]string{"scope": rec.Scope, "key": rec.Key})
		}
		if rec.State == StateCompleted {
			return rec, true, nil
		}

		remaining := deadline.Sub(g.opts.Now())
		if remaining <= 0 {
			observability.IdempotencyOutcomes.WithLabelValues("in_progress").Inc()
			return Record{}, false, apperr.New(apperr.CodeInProgress, "request is still being processed").
				WithRetryAfter(g.opts.WaitTimeout)
		}
		wait := min(g.opts.WaitInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Record{}, false, ctx.Err()
		case <-timer.C:
		}

		next, ok, err := g.store.Get(ctx, rec.Scope, rec.Key)
		if err != nil {
			return Record{}, false, apperr.Wrap(apperr.CodeDependency, err, "read idempotency record")
		}
		if !ok {
			return Record{}, false, nil
		}
		rec = next
	}
}

func (g *Guard) run(ctx context.Context, scope, key string, op Op) (Result, error) {
	out, err := op(ctx)
	if err != nil {
		if relErr := g.store.Release(context.WithoutCancel(ctx), scope, key); relErr != nil {
			slog.Warn("idempotency release failed", "scope", scope, "err", relErr)
		}
		observability.IdempotencyOutcomes.WithLabelValues("op_error").Inc()
		return Result{}, err
	}

	payload, err := json.Marshal(out)
	if err != nil {
		_ = g.store.Release(context.WithoutCancel(ctx), scope, key)
		return Result{}, apperr.Wrap(apperr.CodeInternal, err, "encode idempotent result")
	}
	// the op has run; a failed Complete must not surface as a failure of the op
	expires := g.opts.Now().Add(g.opts.Retention)
	if err := g.store.Complete(context.WithoutCancel(ctx), scope, key, payload, expires); err != nil {
		slog.Error("idempotency complete failed", "scope", scope, "err", err)
	}
	observability.IdempotencyOutcomes.WithLabelValues("executed").Inc()
	return Result{Payload: payload}, nil
}

// Do is the typed form of Guard.Execute.
func Do[T any](ctx context.Context, g *Guard, scope, key string, body []byte, op func(context.Context) (T, error)) (T, bool, error) {
	var out T
	res, err := g.Execute(ctx, scope, key, body, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return out, false, apperr.Wrap(apperr.CodeInternal, err, "decode idempotent result")
	}
	return out, res.Replayed, nil
}
