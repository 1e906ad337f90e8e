package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/idempotency"
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/store"
	"commhub/internal/store/memory"
	"commhub/internal/tracker"
)

type fakeDispatcher struct {
	got []domain.DispatchRequest
	err error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) (domain.Communication, bool, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return domain.Communication{}, false, f.err
	}
	return domain.Communication{ID: "com_1", Status: domain.StatusSent}, false, nil
}

func TestProcessorPassesJobKey(t *testing.T) {
	d := &fakeDispatcher{}
	p := &Processor{Dispatcher: d}
	job := sqsqueue.DispatchJob{BatchKey: "b", Index: 3, IdempotencyKey: "b:3", Request: domain.DispatchRequest{CompanyID: "co"}}

	require.NoError(t, p.Process(context.Background(), job))
	require.Len(t, d.got, 1)
	assert.Equal(t, "b:3", d.got[0].IdempotencyKey)
}

func TestProcessorErrorClassification(t *testing.T) {
	cases := []struct {
		err     error
		redrive bool
	}{
		{apperr.New(apperr.CodeValidation, "bad"), false},
		{apperr.New(apperr.CodeIdempotency, "reused"), false},
		{apperr.New(apperr.CodeInProgress, "busy"), true},
		{apperr.New(apperr.CodeDependency, "db"), true},
		{errors.New("boom"), true},
	}
	for _, tc := range cases {
		p := &Processor{Dispatcher: &fakeDispatcher{err: tc.err}}
		err := p.Process(context.Background(), sqsqueue.DispatchJob{})
		assert.Equal(t, tc.redrive, err != nil, tc.err.Error())
	}
}

func seed(t *testing.T, s *memory.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertCommunication(ctx, domain.Communication{
		ID: "com_1", CompanyID: "co", Type: domain.ChannelSMS, Direction: domain.DirectionOutbound,
		Status: domain.StatusQueued, To: "+15551230000", CreatedAt: now,
	}))
	require.NoError(t, s.SetProviderDetails(ctx, store.ProviderDetails{ID: "com_1", Provider: "twilio", ProviderMsgID: "SM1", Now: now}))
	_, err := s.AdvanceStatus(ctx, store.StatusUpdate{ID: "com_1", Status: domain.StatusSent, At: now})
	require.NoError(t, err)
}

func TestEventProcessorAppliesAndRecords(t *testing.T) {
	s := memory.New()
	seed(t, s)
	p := &EventProcessor{Store: s, Tracker: tracker.New(s)}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := p.Process(context.Background(), sqsqueue.WebhookEvent{
		Provider: "twilio", ProviderMsgID: "SM1", VendorStatus: "delivered", Status: domain.StatusDelivered,
		Payload: json.RawMessage(`{"MessageStatus":"delivered"}`), OccurredAt: &at, ReceivedAt: at,
	})
	require.NoError(t, err)

	c, err := s.GetCommunication(context.Background(), "com_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, c.Status)
	require.NotNil(t, c.DeliveredAt)
	assert.True(t, at.Equal(*c.DeliveredAt))

	require.Len(t, s.Events(), 1)
	assert.Equal(t, "delivered", s.Events()[0].VendorStatus)
}

func TestEventProcessorUnmappedStatusOnlyRecords(t *testing.T) {
	s := memory.New()
	seed(t, s)
	p := &EventProcessor{Store: s, Tracker: tracker.New(s)}

	require.NoError(t, p.Process(context.Background(), sqsqueue.WebhookEvent{Provider: "twilio", ProviderMsgID: "SM1", VendorStatus: "receiving"}))
	c, _ := s.GetCommunication(context.Background(), "com_1")
	assert.Equal(t, domain.StatusSent, c.Status)
	assert.Len(t, s.Events(), 1)
}

func TestEventProcessorUnknownMessage(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &EventProcessor{Store: s, Tracker: tracker.New(s), RetryUnknownFor: time.Minute, Now: func() time.Time { return now }}
	ev := sqsqueue.WebhookEvent{Provider: "twilio", ProviderMsgID: "SM9", VendorStatus: "delivered", Status: domain.StatusDelivered}

	ev.ReceivedAt = now.Add(-10 * time.Second)
	assert.ErrorIs(t, p.Process(context.Background(), ev), ErrNotYetKnown)

	ev.ReceivedAt = now.Add(-2 * time.Minute)
	assert.NoError(t, p.Process(context.Background(), ev))
}

type countingPurger struct {
	calls int32
}

func (c *countingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	atomic.AddInt32(&c.calls, 1)
	return 1, nil
}

func TestJanitorSweepsUntilCancelled(t *testing.T) {
	p := &countingPurger{}
	j := &Janitor{Store: p, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&p.calls) >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestJanitorPurgesExpiredRecords(t *testing.T) {
	st := idempotency.NewMemoryStore()
	past := time.Now().UTC().Add(-time.Hour)
	_, claimed, err := st.Claim(context.Background(), idempotency.Record{Scope: "s", Key: "k", State: idempotency.StatePending, CreatedAt: past, ExpiresAt: past})
	require.NoError(t, err)
	require.True(t, claimed)

	(&Janitor{Store: st}).sweep(context.Background())
	_, found, err := st.Get(context.Background(), "s", "k")
	require.NoError(t, err)
	assert.False(t, found)
}
