// Package providers defines the outbound channel contract shared by the Twilio
// and SendGrid clients.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"commhub/internal/domain"
)

type Message struct {
	CommunicationID   string
	Channel           domain.Channel
	To                string
	Subject           string
	Body              string
	StatusCallbackURL string
}

type Ack struct {
	ProviderMsgID string
	VendorStatus  string
	HTTPStatus    int
	Raw           []byte
}

// StatusReport is a provider's view of a message mapped onto our lifecycle.
// Known is false when the vendor status has no counterpart in it.
type StatusReport struct {
	Status       domain.Status
	Known        bool
	VendorStatus string
	ErrorCode    string
	Reason       string
}

type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) (Ack, error)
	FetchStatus(ctx context.Context, providerMsgID string) (StatusReport, error)
}

// CallError is a non-2xx provider response.
type CallError struct {
	Provider   string
	HTTPStatus int
	Message    string
	Body       []byte
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Provider, e.HTTPStatus)
}

// Throttled reports whether the provider refused the call with 429. The message
// was never accepted so resubmitting cannot duplicate it.
func Throttled(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.HTTPStatus == http.StatusTooManyRequests
}

// HTTPStatusOf returns the provider HTTP status carried by err, or 0.
func HTTPStatusOf(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.HTTPStatus
	}
	return 0
}

// Registry routes each channel to its sender.
type Registry map[domain.Channel]Sender

func (r Registry) For(ch domain.Channel) (Sender, bool) {
	s, ok := r[ch]
	return s, ok && s != nil
}

// ByName finds a sender by provider name.
func (r Registry) ByName(name string) (Sender, bool) {
	for _, s := range r {
		if s != nil && s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Transient reports whether err is worth repeating later: network failures,
// timeouts, 408, 429 and 5xx responses.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ce *CallError
	if errors.As(err, &ce) {
		s := ce.HTTPStatus
		return s == http.StatusTooManyRequests || s == http.StatusRequestTimeout || (s >= 500 && s <= 599)
	}
	return false
}

// Backoff is the delay before retry attempt n (0-based): 200ms, 600ms, then 1400ms.
func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
