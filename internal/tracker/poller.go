package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/observability"
	"commhub/internal/providers"
)

// Sample is one poll observation. An empty Status means the source had nothing
// mappable to report.
type Sample struct {
	Status domain.Status
	Reason string
	At     time.Time
}

type PollFunc func(ctx context.Context) (Sample, error)

// ApplyFunc consumes a sample and reports whether the record is now terminal.
type ApplyFunc func(Sample) (terminal bool)

type PollerOptions struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	// MaxAttempts is the number of consecutive transient failures tolerated.
	MaxAttempts int
	// Transient classifies poll errors; other errors end the task at once.
	Transient func(error) bool
}

func (o PollerOptions) withDefaults() PollerOptions {
	if o.Interval <= 0 {
		o.Interval = 3 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Transient == nil {
		o.Transient = IsTransient
	}
	return o
}

// IsTransient treats network-level failures as retryable.
func IsTransient(err error) bool {
	return apperr.Is(err, apperr.CodeTransientNetwork) || providers.Transient(err)
}

// Handle controls a running poll task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	last    Sample
	hasLast bool
	err     error
}

// Stop cancels the task and waits for it to exit. No sample is applied after
// Stop returns. Must not be called from inside the ApplyFunc.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the reason the task ended: nil for terminal status or cancellation.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Last() (Sample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.hasLast
}

// StartPoller polls immediately and then every Interval until a terminal
// status is observed, ctx is cancelled, or polling keeps failing.
func StartPoller(ctx context.Context, opts PollerOptions, poll PollFunc, apply ApplyFunc) *Handle {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go h.run(ctx, opts, poll, apply)
	return h
}

func (h *Handle) run(ctx context.Context, opts PollerOptions, poll PollFunc, apply ApplyFunc) {
	defer close(h.done)
	defer h.cancel()

	failures := 0
	for {
		if ctx.Err() != nil {
			h.finish("cancelled", nil)
			return
		}

		pctx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
		s, err := poll(pctx)
		cancel()

		// results that arrive after cancellation are dropped
		if ctx.Err() != nil {
			h.finish("cancelled", nil)
			return
		}

		if err != nil {
			if !opts.Transient(err) && !errors.Is(err, context.DeadlineExceeded) {
				h.finish("error", err)
				return
			}
			failures++
			if failures >= opts.MaxAttempts {
				h.finish("gave_up", apperr.Wrap(apperr.CodeTransientNetwork, err, "status polling gave up"))
				return
			}
		} else {
			failures = 0
			h.mu.Lock()
			h.last, h.hasLast = s, true
			h.mu.Unlock()

			terminal := s.Status.Terminal()
			if s.Status != "" && apply != nil && apply(s) {
				terminal = true
			}
			if terminal {
				h.finish("terminal", nil)
				return
			}
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.finish("cancelled", nil)
			return
		case <-timer.C:
		}
	}
}

func (h *Handle) finish(result string, err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	observability.PollerRuns.WithLabelValues(result).Inc()
}
