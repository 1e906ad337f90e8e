package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/idempotency"
	"commhub/internal/providers"
	"commhub/internal/ratelimit"
	"commhub/internal/store/memory"
)

type fakeSender struct {
	name  string
	calls int32
	delay time.Duration
	// errs are returned for the first calls, in order
	errs []error
	mu   sync.Mutex
	msgs []providers.Message
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, msg providers.Message) (providers.Ack, error) {
	n := atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return providers.Ack{}, ctx.Err()
		}
	}
	if int(n) <= len(f.errs) && f.errs[n-1] != nil {
		return providers.Ack{HTTPStatus: providers.HTTPStatusOf(f.errs[n-1])}, f.errs[n-1]
	}
	return providers.Ack{ProviderMsgID: "pm_" + msg.CommunicationID, HTTPStatus: 202}, nil
}

func (f *fakeSender) FetchStatus(context.Context, string) (providers.StatusReport, error) {
	return providers.StatusReport{}, nil
}

type recordingWatcher struct {
	mu      sync.Mutex
	watched []string
}

func (w *recordingWatcher) Watch(c domain.Communication) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, c.ID)
}

func newService(t *testing.T, sms, email *fakeSender) (*DispatchService, *memory.Store) {
	t.Helper()
	st := memory.New()
	reg := providers.Registry{}
	if sms != nil {
		reg[domain.ChannelSMS] = sms
	}
	if email != nil {
		reg[domain.ChannelEmail] = email
	}
	var seq int32
	return &DispatchService{
		Store:     st,
		Guard:     idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.Options{}),
		Providers: reg,
		Templates: map[string]string{"welcome": "Hi {name}!"},
		IDGen: func() string {
			return "com_" + string(rune('a'+atomic.AddInt32(&seq, 1)-1))
		},
		Sleep: func(context.Context, time.Duration) error { return nil },
	}, st
}

func smsReq() domain.DispatchRequest {
	return domain.DispatchRequest{CompanyID: "co_1", Channel: domain.ChannelSMS, To: "+1 (555) 123-4567", Body: "hello", IdempotencyKey: "k1"}
}

func TestDispatchSendsAndMarksSent(t *testing.T) {
	sms := &fakeSender{name: "twilio"}
	svc, st := newService(t, sms, nil)
	w := &recordingWatcher{}
	svc.Watcher = w

	c, replayed, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, domain.StatusSent, c.Status)
	assert.Equal(t, "+15551234567", c.To)
	assert.Equal(t, "twilio", c.Provider)
	assert.Equal(t, "pm_"+c.ID, c.ProviderMsgID)
	assert.Equal(t, "k1", c.IdempotencyKey)
	assert.NotNil(t, c.SentAt)
	assert.Equal(t, []string{c.ID}, w.watched)

	require.Len(t, st.Attempts(), 1)
	assert.Equal(t, 202, st.Attempts()[0].HTTPStatus)
}

func TestConcurrentIdenticalDispatchesSendOnce(t *testing.T) {
	sms := &fakeSender{name: "twilio", delay: 50 * time.Millisecond}
	svc, st := newService(t, sms, nil)

	var wg sync.WaitGroup
	results := make([]domain.Communication, 3)
	replays := make([]bool, 3)
	errs := make([]error, 3)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], replays[i], errs[i] = svc.Dispatch(context.Background(), smsReq())
		}()
	}
	wg.Wait()

	for i := range 3 {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
	assert.Equal(t, 1, st.Count())
	assert.EqualValues(t, 1, atomic.LoadInt32(&sms.calls))

	fresh := 0
	for _, r := range replays {
		if !r {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestDispatchReplayAndConflict(t *testing.T) {
	sms := &fakeSender{name: "twilio"}
	svc, st := newService(t, sms, nil)
	ctx := context.Background()

	first, _, err := svc.Dispatch(ctx, smsReq())
	require.NoError(t, err)

	again, replayed, err := svc.Dispatch(ctx, smsReq())
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)

	other := smsReq()
	other.Body = "different"
	_, _, err = svc.Dispatch(ctx, other)
	assert.Equal(t, apperr.CodeIdempotency, apperr.CodeOf(err))

	assert.Equal(t, 1, st.Count())
	assert.EqualValues(t, 1, atomic.LoadInt32(&sms.calls))
}

func TestDispatchWithoutKeyDerivesOne(t *testing.T) {
	sms := &fakeSender{name: "twilio"}
	svc, _ := newService(t, sms, nil)
	req := smsReq()
	req.IdempotencyKey = ""

	a, _, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	b, replayed, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, a.IdempotencyKey, 64)
}

func TestProviderRejectionFailsWithoutRetry(t *testing.T) {
	sms := &fakeSender{name: "twilio", errs: []error{
		&providers.CallError{Provider: "twilio", HTTPStatus: 400, Message: "invalid To"},
	}}
	svc, st := newService(t, sms, nil)
	w := &recordingWatcher{}
	svc.Watcher = w

	c, _, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Contains(t, c.FailureReason, "invalid To")
	assert.NotNil(t, c.FailedAt)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sms.calls))
	assert.Empty(t, w.watched)

	// the failure is memoized
	again, replayed, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, domain.StatusFailed, again.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sms.calls))
	assert.Equal(t, 1, st.Count())
}

func TestProviderServerErrorIsNotRetried(t *testing.T) {
	sms := &fakeSender{name: "twilio", errs: []error{&providers.CallError{Provider: "twilio", HTTPStatus: 503}}}
	svc, _ := newService(t, sms, nil)

	c, _, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sms.calls))
}

func TestProviderThrottleIsRetried(t *testing.T) {
	throttled := &providers.CallError{Provider: "twilio", HTTPStatus: 429}
	sms := &fakeSender{name: "twilio", errs: []error{throttled, throttled}}
	svc, st := newService(t, sms, nil)
	var slept []time.Duration
	svc.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	c, _, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, c.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&sms.calls))
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 600 * time.Millisecond}, slept)
	assert.Len(t, st.Attempts(), 3)
}

func TestProviderThrottleExhaustsRetries(t *testing.T) {
	throttled := &providers.CallError{Provider: "twilio", HTTPStatus: 429}
	sms := &fakeSender{name: "twilio", errs: []error{throttled, throttled, throttled}}
	svc, _ := newService(t, sms, nil)

	c, _, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Contains(t, c.FailureReason, "throttled")
	assert.EqualValues(t, 3, atomic.LoadInt32(&sms.calls))
}

func TestProviderTimeoutFails(t *testing.T) {
	sms := &fakeSender{name: "twilio", delay: time.Second}
	svc, _ := newService(t, sms, nil)
	svc.CallTimeout = 10 * time.Millisecond

	c, _, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, "provider timeout", c.FailureReason)
}

func TestOpenBreakerFailsFast(t *testing.T) {
	sms := &fakeSender{name: "twilio", errs: []error{&providers.CallError{Provider: "twilio", HTTPStatus: 500}}}
	svc, _ := newService(t, sms, nil)
	svc.Breaker = NewBreaker("twilio", 1, time.Minute)
	ctx := context.Background()

	first, _, err := svc.Dispatch(ctx, smsReq())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, first.Status)

	req := smsReq()
	req.IdempotencyKey = "k2"
	c, _, err := svc.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.Equal(t, "provider unavailable: circuit open", c.FailureReason)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sms.calls))
}

func TestBreakerIgnoresClientRejections(t *testing.T) {
	cb := NewBreaker("x", 1, time.Minute)
	_, err := cb.Execute(func() (any, error) { return nil, &providers.CallError{HTTPStatus: 400} })
	require.Error(t, err)
	_, err = cb.Execute(func() (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestEmailIsInstrumented(t *testing.T) {
	email := &fakeSender{name: "sendgrid"}
	svc, st := newService(t, nil, email)
	svc.TrackingBaseURL = "https://t.example"

	c, _, err := svc.Dispatch(context.Background(), domain.DispatchRequest{
		CompanyID: "co", Channel: domain.ChannelEmail, To: "a@b.example", Subject: "Hi {name}",
		Body: `<a href="https://x.example">x</a>`, Vars: map[string]string{"name": "Ana"}, IdempotencyKey: "e1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana", c.Subject)

	stored, err := st.GetCommunication(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Body, "/track/click?c="+c.ID)
	assert.Contains(t, stored.Body, "/track/open?c="+c.ID)
	require.Len(t, email.msgs, 1)
	assert.Equal(t, stored.Body, email.msgs[0].Body)
}

func TestDispatchWithoutProviderFails(t *testing.T) {
	svc, _ := newService(t, nil, nil)
	c, _, err := svc.Dispatch(context.Background(), domain.DispatchRequest{
		CompanyID: "co", Channel: domain.ChannelCall, To: "+15551234567", Body: "ring", IdempotencyKey: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, c.Status)
	assert.True(t, strings.HasPrefix(c.FailureReason, "no provider configured"))
}

func TestDispatchValidation(t *testing.T) {
	svc, st := newService(t, &fakeSender{name: "twilio"}, nil)
	cases := []domain.DispatchRequest{
		{Channel: domain.ChannelSMS, To: "+15551234567", Body: "x"},
		{CompanyID: "co", Channel: "fax", To: "+15551234567", Body: "x"},
		{CompanyID: "co", Channel: domain.ChannelSMS, To: "not-a-phone", Body: "x"},
		{CompanyID: "co", Channel: domain.ChannelEmail, To: "a@b.c", Body: "x"},
		{CompanyID: "co", Channel: domain.ChannelEmail, To: "nobody", Subject: "s", Body: "x"},
		{CompanyID: "co", Channel: domain.ChannelSMS, To: "+15551234567", TemplateID: "missing"},
	}
	for _, req := range cases {
		_, _, err := svc.Dispatch(context.Background(), req)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), "%+v", req)
	}
	assert.Zero(t, st.Count())
}

func TestDispatchRendersTemplate(t *testing.T) {
	sms := &fakeSender{name: "twilio"}
	svc, _ := newService(t, sms, nil)
	req := smsReq()
	req.Body = ""
	req.TemplateID = "welcome"
	req.Vars = map[string]string{"name": "Bo"}

	c, _, err := svc.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hi Bo!", c.Body)
}

func TestTenantQuota(t *testing.T) {
	svc, _ := newService(t, &fakeSender{name: "twilio"}, nil)
	l, err := ratelimit.NewFixedWindow(ratelimit.Policy{Name: "dispatch", Limit: 1, Window: time.Minute}, ratelimit.NewMemoryCounter(), ratelimit.FailOpen)
	require.NoError(t, err)
	svc.TenantLimiter = l

	_, _, err = svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)
	req := smsReq()
	req.IdempotencyKey = "k2"
	_, _, err = svc.Dispatch(context.Background(), req)
	assert.Equal(t, apperr.CodeThrottled, apperr.CodeOf(err))
	assert.Positive(t, apperr.As(err).RetryAfter())
}

func TestGetCommunication(t *testing.T) {
	svc, _ := newService(t, &fakeSender{name: "twilio"}, nil)
	c, _, err := svc.Dispatch(context.Background(), smsReq())
	require.NoError(t, err)

	got, err := svc.GetCommunication(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = svc.GetCommunication(context.Background(), "com_missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "provider timeout", FailureReason(context.DeadlineExceeded))
	assert.Equal(t, "provider rejected (sendgrid, http 401)", FailureReason(&providers.CallError{Provider: "sendgrid", HTTPStatus: 401}))
	assert.Equal(t, "provider error: boom", FailureReason(errors.New("boom")))
}
