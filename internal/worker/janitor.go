package worker

import (
	"context"
	"log/slog"
	"time"
)

type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Janitor deletes expired idempotency records on an interval.
type Janitor struct {
	Store    Purger
	Interval time.Duration
}

func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		j.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := j.Store.PurgeExpired(sctx, time.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("purge expired idempotency records failed", "err", err)
		}
		return
	}
	if n > 0 {
		slog.Info("purged expired idempotency records", "count", n)
	}
}
