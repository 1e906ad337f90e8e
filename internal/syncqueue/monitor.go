package syncqueue

import (
	"context"
	"time"
)

// Monitor probes connectivity on an interval and feeds the result to the
// queue. The first probe runs immediately.
type Monitor struct {
	Queue    *Queue
	Probe    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := m.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.Queue.SetOnline(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
