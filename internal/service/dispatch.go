package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/idempotency"
	"commhub/internal/observability"
	"commhub/internal/providers"
	"commhub/internal/ratelimit"
	"commhub/internal/store"
	"commhub/internal/tracking"
	"commhub/internal/util"
)

type Store interface {
	InsertCommunication(ctx context.Context, c domain.Communication) error
	GetCommunication(ctx context.Context, id string) (domain.Communication, error)
	UpdateBody(ctx context.Context, id, body string, now time.Time) error
	SetProviderDetails(ctx context.Context, in store.ProviderDetails) error
	AdvanceStatus(ctx context.Context, in store.StatusUpdate) (store.StatusResult, error)
	InsertAttempt(ctx context.Context, in store.ProviderAttempt) error
}

// Watcher starts provider-status polling for a freshly sent communication.
type Watcher interface {
	Watch(c domain.Communication)
}

const (
	defaultDispatchTimeout = 15 * time.Second
	defaultCallTimeout     = 6 * time.Second
	defaultTokenWait       = 2 * time.Second
	defaultThrottleRetries = 3
)

// DispatchService turns a dispatch request into exactly one Communication and
// at most one accepted provider submission per idempotency key.
type DispatchService struct {
	Store     Store
	Guard     *idempotency.Guard
	Providers providers.Registry

	// Limiter paces outbound provider calls for this process.
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	// TenantLimiter is the per-company dispatch quota.
	TenantLimiter ratelimit.Limiter
	Watcher       Watcher

	Templates         map[string]string
	TrackingBaseURL   string
	StatusCallbackURL string

	Timeout         time.Duration
	CallTimeout     time.Duration
	TokenWait       time.Duration
	ThrottleRetries int

	IDGen func() string
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewBreaker builds the provider circuit breaker. Provider 4xx rejections other
// than 429 do not count as failures.
func NewBreaker(name string, consecutiveFailures uint32, openFor time.Duration) *gobreaker.CircuitBreaker {
	if consecutiveFailures == 0 {
		consecutiveFailures = 10
	}
	if openFor <= 0 {
		openFor = 20 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= consecutiveFailures },
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			code := providers.HTTPStatusOf(err)
			return code >= 400 && code < 500 && code != 429
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func Scope(ch domain.Channel) string { return "communications:" + string(ch) }

// Dispatch validates req and runs the send inside the idempotency guard.
// replayed is true when the result was produced by an earlier call.
func (s *DispatchService) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Communication, bool, error) {
	req, err := s.prepare(req)
	if err != nil {
		observability.Dispatches.WithLabelValues(string(req.Channel), "invalid").Inc()
		return domain.Communication{}, false, err
	}

	if s.TenantLimiter != nil {
		d, err := s.TenantLimiter.Limit(ctx, "company:"+req.CompanyID)
		if err != nil {
			return domain.Communication{}, false, err
		}
		if !d.Allowed {
			observability.Dispatches.WithLabelValues(string(req.Channel), "throttled").Inc()
			return domain.Communication{}, false, d.Err()
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domain.Communication{}, false, apperr.Wrap(apperr.CodeInternal, err, "encode dispatch request")
	}
	scope := Scope(req.Channel)
	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DeriveKey(scope, body)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	c, replayed, err := idempotency.Do(ctx, s.Guard, scope, key, body, func(ctx context.Context) (domain.Communication, error) {
		return s.send(ctx, req, key)
	})
	if err != nil {
		observability.Dispatches.WithLabelValues(string(req.Channel), string(apperr.CodeOf(err))).Inc()
		return domain.Communication{}, false, err
	}
	if replayed {
		observability.Dispatches.WithLabelValues(string(req.Channel), "replayed").Inc()
		return c, true, nil
	}

	observability.Dispatches.WithLabelValues(string(req.Channel), string(c.Status)).Inc()
	if s.Watcher != nil && c.Status == domain.StatusSent {
		s.Watcher.Watch(c)
	}
	return c, false, nil
}

func (s *DispatchService) GetCommunication(ctx context.Context, id string) (domain.Communication, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Communication{}, apperr.New(apperr.CodeValidation, "communication id is required")
	}
	c, err := s.Store.GetCommunication(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Communication{}, apperr.New(apperr.CodeNotFound, "communication not found").
			WithDetails(map[string]string{"id": id})
	}
	if err != nil {
		return domain.Communication{}, apperr.Wrap(apperr.CodeDependency, err, "load communication")
	}
	return c, nil
}

// prepare normalizes the request into the form that is hashed and sent.
func (s *DispatchService) prepare(req domain.DispatchRequest) (domain.DispatchRequest, error) {
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	req.To = strings.TrimSpace(req.To)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Channel = domain.Channel(strings.ToLower(strings.TrimSpace(string(req.Channel))))

	if err := req.Validate(); err != nil {
		return req, apperr.Wrap(apperr.CodeValidation, err, err.Error())
	}

	switch req.Channel {
	case domain.ChannelSMS, domain.ChannelCall:
		to, err := util.NormalizePhone(req.To)
		if err != nil {
			return req, apperr.Wrap(apperr.CodeValidation, err, "to must be a phone number").
				WithDetails(map[string]string{"field": "to"})
		}
		req.To = to
	case domain.ChannelEmail:
		if !strings.Contains(req.To, "@") {
			return req, apperr.New(apperr.CodeValidation, "to must be an email address").
				WithDetails(map[string]string{"field": "to"})
		}
	}

	if req.TemplateID != "" {
		tmpl, ok := s.Templates[req.TemplateID]
		if !ok {
			return req, apperr.New(apperr.CodeValidation, "unknown template").
				WithDetails(map[string]string{"templateId": req.TemplateID})
		}
		req.Body = util.RenderTemplate(tmpl, req.Vars)
		req.Subject = util.RenderTemplate(req.Subject, req.Vars)
	} else if len(req.Vars) > 0 {
		req.Body = util.RenderTemplate(req.Body, req.Vars)
		req.Subject = util.RenderTemplate(req.Subject, req.Vars)
	}
	return req, nil
}

// send is the guarded operation. Provider-side failures end in a failed
// Communication and a nil error so that the outcome is memoized; only storage
// errors are returned, which releases the claim.
func (s *DispatchService) send(ctx context.Context, req domain.DispatchRequest, key string) (domain.Communication, error) {
	now := s.now()
	c := domain.Communication{
		ID:             s.newID(),
		CompanyID:      req.CompanyID,
		Type:           req.Channel,
		Direction:      domain.DirectionOutbound,
		Status:         domain.StatusQueued,
		To:             req.To,
		Subject:        req.Subject,
		Body:           req.Body,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.InsertCommunication(ctx, c); err != nil {
		return domain.Communication{}, apperr.Wrap(apperr.CodeDependency, err, "insert communication")
	}
	log := slog.With("communication_id", c.ID, "company_id", c.CompanyID, "channel", c.Type)

	if c.Trackable() && s.TrackingBaseURL != "" {
		c.Body = tracking.Instrument(c.Body, c.ID, s.TrackingBaseURL)
		if err := s.Store.UpdateBody(ctx, c.ID, c.Body, s.now()); err != nil {
			return domain.Communication{}, apperr.Wrap(apperr.CodeDependency, err, "store instrumented body")
		}
	}

	if _, err := s.advance(ctx, c.ID, domain.StatusSending, ""); err != nil {
		return domain.Communication{}, err
	}

	sender, ok := s.Providers.For(c.Type)
	if !ok {
		log.Warn("no provider for channel")
		return s.fail(ctx, c.ID, "no provider configured for channel "+string(c.Type))
	}

	if s.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.tokenWait())
		err := s.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.ProviderSend.WithLabelValues(sender.Name(), "rate_limited_local", "0").Inc()
			return s.fail(ctx, c.ID, "outbound rate limit: no send slot available")
		}
	}

	msg := providers.Message{
		CommunicationID:   c.ID,
		Channel:           c.Type,
		To:                c.To,
		Subject:           c.Subject,
		Body:              c.Body,
		StatusCallbackURL: s.StatusCallbackURL,
	}

	retries := s.throttleRetries()
	for attempt := 0; ; attempt++ {
		start := time.Now()
		ack, err := s.call(ctx, sender, msg)
		observability.ProviderLatency.WithLabelValues(sender.Name()).Observe(time.Since(start).Seconds())
		s.recordAttempt(ctx, c, sender.Name(), attempt, ack, err)

		if err == nil {
			observability.ProviderSend.WithLabelValues(sender.Name(), "ok", strconv.Itoa(ack.HTTPStatus)).Inc()
			// the provider accepted the message; persist even if the caller gave up
			pctx := context.WithoutCancel(ctx)
			if err := s.Store.SetProviderDetails(pctx, store.ProviderDetails{
				ID: c.ID, Provider: sender.Name(), ProviderMsgID: ack.ProviderMsgID, Now: s.now(),
			}); err != nil {
				return domain.Communication{}, apperr.Wrap(apperr.CodeDependency, err, "store provider details")
			}
			log.Info("provider accepted", "provider", sender.Name(), "provider_msg_id", ack.ProviderMsgID, "attempt", attempt+1)
			return s.advance(pctx, c.ID, domain.StatusSent, "")
		}

		observability.ProviderSend.WithLabelValues(sender.Name(), sendResult(err), strconv.Itoa(providers.HTTPStatusOf(err))).Inc()
		if providers.Throttled(err) && attempt+1 < retries {
			log.Warn("provider throttled, retrying", "provider", sender.Name(), "attempt", attempt+1)
			if serr := s.sleep(ctx, providers.Backoff(attempt)); serr != nil {
				return s.fail(context.WithoutCancel(ctx), c.ID, FailureReason(serr))
			}
			continue
		}

		reason := FailureReason(err)
		log.Warn("provider send failed", "provider", sender.Name(), "reason", reason, "err", err)
		return s.fail(context.WithoutCancel(ctx), c.ID, reason)
	}
}

func (s *DispatchService) call(ctx context.Context, sender providers.Sender, msg providers.Message) (providers.Ack, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
		defer cancel()
		return sender.Send(reqCtx, msg)
	}
	var out any
	var err error
	if s.Breaker == nil {
		out, err = call()
	} else {
		out, err = s.Breaker.Execute(call)
	}
	ack, _ := out.(providers.Ack)
	return ack, err
}

func (s *DispatchService) recordAttempt(ctx context.Context, c domain.Communication, provider string, attempt int, ack providers.Ack, err error) {
	a := store.ProviderAttempt{
		CommunicationID: c.ID,
		Provider:        provider,
		ProviderMsgID:   ack.ProviderMsgID,
		Attempt:         attempt + 1,
		HTTPStatus:      ack.HTTPStatus,
		RequestJSON:     map[string]any{"channel": c.Type, "to": c.To, "companyId": c.CompanyID},
		ResponseJSON:    map[string]any{"raw": string(ack.Raw), "vendorStatus": ack.VendorStatus},
	}
	if err != nil {
		var ce *providers.CallError
		if errors.As(err, &ce) {
			a.HTTPStatus = ce.HTTPStatus
			a.ResponseJSON = map[string]any{"raw": string(ce.Body)}
		}
		a.ErrorCode = sendResult(err)
		a.ErrorMsg = err.Error()
	}
	if rerr := s.Store.InsertAttempt(context.WithoutCancel(ctx), a); rerr != nil {
		slog.Warn("record provider attempt failed", "communication_id", c.ID, "err", rerr)
	}
}

func (s *DispatchService) advance(ctx context.Context, id string, to domain.Status, reason string) (domain.Communication, error) {
	res, err := s.Store.AdvanceStatus(ctx, store.StatusUpdate{ID: id, Status: to, Reason: reason, At: s.now()})
	if err != nil {
		return domain.Communication{}, apperr.Wrap(apperr.CodeDependency, err, "advance communication to "+string(to))
	}
	result := "discarded"
	if res.Applied {
		result = "applied"
	}
	observability.StatusUpdates.WithLabelValues("dispatch", result).Inc()
	return res.Current, nil
}

func (s *DispatchService) fail(ctx context.Context, id, reason string) (domain.Communication, error) {
	return s.advance(ctx, id, domain.StatusFailed, reason)
}

// FailureReason is the human-readable failure_reason stored for a provider error.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "provider unavailable: circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		return "provider timeout"
	case errors.Is(err, context.Canceled):
		return "dispatch cancelled"
	}
	var ce *providers.CallError
	if errors.As(err, &ce) {
		if ce.HTTPStatus == 429 {
			return fmt.Sprintf("provider throttled (%s)", ce.Provider)
		}
		if ce.Message != "" {
			return fmt.Sprintf("provider rejected (%s, http %d): %s", ce.Provider, ce.HTTPStatus, ce.Message)
		}
		return fmt.Sprintf("provider rejected (%s, http %d)", ce.Provider, ce.HTTPStatus)
	}
	return "provider error: " + err.Error()
}

func sendResult(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "cb_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case providers.Throttled(err):
		return "throttled"
	}
	return "error"
}

func (s *DispatchService) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultDispatchTimeout
}

func (s *DispatchService) callTimeout() time.Duration {
	if s.CallTimeout > 0 {
		return s.CallTimeout
	}
	return defaultCallTimeout
}

func (s *DispatchService) tokenWait() time.Duration {
	if s.TokenWait > 0 {
		return s.TokenWait
	}
	return defaultTokenWait
}

func (s *DispatchService) throttleRetries() int {
	if s.ThrottleRetries > 0 {
		return s.ThrottleRetries
	}
	return defaultThrottleRetries
}

func (s *DispatchService) newID() string {
	if s.IDGen != nil {
		return s.IDGen()
	}
	return util.NewCommunicationID()
}

func (s *DispatchService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *DispatchService) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
