package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/providers"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not finish")
	}
}

func TestPollerFirstPollIsImmediate(t *testing.T) {
	polled := make(chan time.Time, 1)
	start := time.Now()
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Hour}, func(context.Context) (Sample, error) {
		select {
		case polled <- time.Now():
		default:
		}
		return Sample{Status: domain.StatusSent}, nil
	}, nil)
	defer h.Stop()

	select {
	case at := <-polled:
		assert.Less(t, at.Sub(start), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("first poll did not fire immediately")
	}
}

func TestPollerStopsOnTerminal(t *testing.T) {
	seq := []domain.Status{domain.StatusSending, domain.StatusSent, domain.StatusDelivered, domain.StatusDelivered}
	var calls int32
	var applied []domain.Status
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond}, func(context.Context) (Sample, error) {
		i := atomic.AddInt32(&calls, 1) - 1
		return Sample{Status: seq[i]}, nil
	}, func(s Sample) bool {
		applied = append(applied, s.Status)
		return false
	})
	waitDone(t, h)

	assert.NoError(t, h.Err())
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, []domain.Status{domain.StatusSending, domain.StatusSent, domain.StatusDelivered}, applied)
	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, domain.StatusDelivered, last.Status)
}

func TestPollerStopsWhenApplyReportsTerminal(t *testing.T) {
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond}, func(context.Context) (Sample, error) {
		return Sample{Status: domain.StatusSent}, nil
	}, func(Sample) bool { return true })
	waitDone(t, h)
	assert.NoError(t, h.Err())
}

func TestPollerDiscardsResultAfterStop(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var applied int32
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond}, func(ctx context.Context) (Sample, error) {
		close(inFlight)
		<-release
		return Sample{Status: domain.StatusDelivered}, nil
	}, func(Sample) bool {
		atomic.AddInt32(&applied, 1)
		return true
	})

	<-inFlight
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Stop()
	}()
	// let Stop cancel before the response arrives
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 0, atomic.LoadInt32(&applied))
	_, ok := h.Last()
	assert.False(t, ok)
}

func TestPollerGivesUpAfterBoundedNetworkFailures(t *testing.T) {
	var calls int32
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond, MaxAttempts: 3}, func(context.Context) (Sample, error) {
		atomic.AddInt32(&calls, 1)
		return Sample{}, apperr.New(apperr.CodeTransientNetwork, "offline")
	}, func(Sample) bool {
		t.Fatal("nothing to apply")
		return false
	})
	waitDone(t, h)

	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, apperr.CodeTransientNetwork, apperr.CodeOf(h.Err()))
}

func TestPollerRecoversBetweenFailures(t *testing.T) {
	var calls int32
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond, MaxAttempts: 2}, func(context.Context) (Sample, error) {
		switch atomic.AddInt32(&calls, 1) {
		case 1, 3:
			return Sample{}, &providers.CallError{HTTPStatus: 503}
		case 2:
			return Sample{Status: domain.StatusSent}, nil
		}
		return Sample{Status: domain.StatusDelivered}, nil
	}, nil)
	waitDone(t, h)

	assert.NoError(t, h.Err())
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestPollerEndsOnPermanentError(t *testing.T) {
	boom := errors.New("not found")
	var calls int32
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond, MaxAttempts: 5}, func(context.Context) (Sample, error) {
		atomic.AddInt32(&calls, 1)
		return Sample{}, boom
	}, nil)
	waitDone(t, h)

	assert.ErrorIs(t, h.Err(), boom)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestPollerEachRequestIsBounded(t *testing.T) {
	h := StartPoller(context.Background(), PollerOptions{Interval: time.Millisecond, RequestTimeout: 5 * time.Millisecond, MaxAttempts: 2}, func(ctx context.Context) (Sample, error) {
		<-ctx.Done()
		return Sample{}, ctx.Err()
	}, nil)
	waitDone(t, h)
	assert.Equal(t, apperr.CodeTransientNetwork, apperr.CodeOf(h.Err()))
}
