package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"commhub/internal/domain"
	"commhub/internal/providers"
)

// Watcher polls provider status APIs for recently dispatched communications
// as a fallback for lost webhooks.
type Watcher struct {
	tracker   *Tracker
	providers providers.Registry
	opts      PollerOptions
	maxWatch  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

func NewWatcher(t *Tracker, reg providers.Registry, opts PollerOptions, maxWatch time.Duration) *Watcher {
	if maxWatch <= 0 {
		maxWatch = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		tracker:   t,
		providers: reg,
		opts:      opts,
		maxWatch:  maxWatch,
		ctx:       ctx,
		cancel:    cancel,
		handles:   make(map[string]*Handle),
	}
}

// Watch starts polling c's provider status unless it is already watched,
// terminal, or has no provider message id.
func (w *Watcher) Watch(c domain.Communication) {
	if c.Status.Terminal() || c.ProviderMsgID == "" {
		return
	}
	sender, ok := w.providers.ByName(c.Provider)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	if _, running := w.handles[c.ID]; running {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.maxWatch)
	poll := func(ctx context.Context) (Sample, error) {
		rep, err := sender.FetchStatus(ctx, c.ProviderMsgID)
		if err != nil {
			return Sample{}, err
		}
		if !rep.Known {
			return Sample{}, nil
		}
		return Sample{Status: rep.Status, Reason: rep.Reason, At: time.Now().UTC()}, nil
	}
	apply := func(s Sample) bool {
		actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer acancel()
		out, err := w.tracker.Apply(actx, Update{
			CommunicationID: c.ID,
			Status:          s.Status,
			Reason:          s.Reason,
			Source:          SourcePoll,
			At:              s.At,
		})
		if err != nil {
			slog.Warn("apply polled status failed", "communication_id", c.ID, "err", err)
			return false
		}
		return !out.Found || out.Current.Status.Terminal()
	}

	h := StartPoller(ctx, w.opts, poll, apply)
	w.handles[c.ID] = h
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		<-h.Done()
		cancel()
		if err := h.Err(); err != nil {
			slog.Warn("status watch ended", "communication_id", c.ID, "provider", c.Provider, "err", err)
		}
		w.mu.Lock()
		delete(w.handles, c.ID)
		w.mu.Unlock()
	}()
}

// Active reports how many communications are being watched.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handles)
}

// Close stops every watch and waits for them to exit.
func (w *Watcher) Close() {
	w.cancel()
	w.wg.Wait()
}
