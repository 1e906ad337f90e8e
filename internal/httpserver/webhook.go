package httpserver

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"commhub/internal/domain"
	"commhub/internal/observability"
	"commhub/internal/providers/sendgrid"
	"commhub/internal/providers/twilio"
	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/util"
)

// EventSink receives verified provider events: the processor when applying
// inline, or the SQS producer when buffering.
type EventSink interface {
	Handle(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

type SinkFunc func(ctx context.Context, ev sqsqueue.WebhookEvent) error

func (f SinkFunc) Handle(ctx context.Context, ev sqsqueue.WebhookEvent) error { return f(ctx, ev) }

type Webhook struct {
	Sink EventSink

	TwilioAuthToken string
	// TwilioURL must match the callback URL configured in Twilio exactly.
	TwilioURL string
	// SendGridKey verifies signed event webhooks; nil accepts unsigned posts.
	SendGridKey *ecdsa.PublicKey
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/twilio/status", w.handleTwilioStatus).Methods(http.MethodPost)
	r.HandleFunc("/v1/webhooks/sendgrid/events", w.handleSendGridEvents).Methods(http.MethodPost)
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	if !twilio.VerifySignature(w.TwilioAuthToken, w.TwilioURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues(twilio.ProviderName, "bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	cb := twilio.ParseStatusCallback(r.PostForm)
	observability.WebhookEvents.WithLabelValues(twilio.ProviderName, cb.MessageStatus).Inc()

	payload, _ := json.Marshal(r.PostForm)
	ev := sqsqueue.WebhookEvent{
		Provider:      twilio.ProviderName,
		ProviderMsgID: cb.MessageSid,
		VendorStatus:  cb.MessageStatus,
		ErrorCode:     cb.ErrorCode,
		Payload:       payload,
		ReceivedAt:    util.NowUTC(),
	}
	if st, ok := twilio.MapStatus(cb.MessageStatus); ok {
		ev.Status = st
	}
	if ev.Status == domain.StatusFailed {
		ev.Reason = twilio.FailureReason(cb.MessageStatus, cb.ErrorCode, cb.ErrorMessage)
	}

	if err := w.Sink.Handle(r.Context(), ev); err != nil {
		slog.Error("webhook event handling failed", "err", err, "provider", ev.Provider, "provider_msg_id", ev.ProviderMsgID, "status", ev.VendorStatus)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) handleSendGridEvents(rw http.ResponseWriter, r *http.Request) {
	body, err := readBody(rw, r)
	if err != nil {
		http.Error(rw, ErrBodyTooLarge, http.StatusBadRequest)
		return
	}
	if w.SendGridKey != nil {
		if err := sendgrid.VerifySignature(w.SendGridKey, r.Header.Get(sendgrid.HeaderSignature), r.Header.Get(sendgrid.HeaderTimestamp), body); err != nil {
			observability.WebhookEvents.WithLabelValues(sendgrid.ProviderName, "bad_signature").Inc()
			http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
			return
		}
	}
	events, err := sendgrid.ParseEvents(body)
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	now := util.NowUTC()
	for _, e := range events {
		st, reason, ok := sendgrid.MapEvent(e)
		if !ok {
			observability.WebhookEvents.WithLabelValues(sendgrid.ProviderName, "ignored").Inc()
			continue
		}
		observability.WebhookEvents.WithLabelValues(sendgrid.ProviderName, e.Event).Inc()

		raw, _ := json.Marshal(e)
		ev := sqsqueue.WebhookEvent{
			Provider:        sendgrid.ProviderName,
			ProviderMsgID:   e.MessageID(),
			CommunicationID: e.CommunicationID,
			VendorStatus:    e.Event,
			Status:          st,
			Reason:          reason,
			Payload:         raw,
			ReceivedAt:      now,
		}
		if at := e.OccurredAt(); !at.IsZero() {
			ev.OccurredAt = &at
		}
		if err := w.Sink.Handle(r.Context(), ev); err != nil {
			slog.Error("webhook event handling failed", "err", err, "provider", ev.Provider, "provider_msg_id", ev.ProviderMsgID, "status", ev.VendorStatus)
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
	}
	rw.WriteHeader(http.StatusOK)
}
