package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	sqsqueue "commhub/internal/queue/sqs"
	"commhub/internal/store"
	"commhub/internal/tracker"
)

type EventStore interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

// ErrNotYetKnown asks SQS to redeliver an event that arrived before its
// provider message id was stored.
var ErrNotYetKnown = errors.New("communication not found for provider message id")

// EventProcessor records provider delivery events and applies them through
// the tracker.
type EventProcessor struct {
	Store   EventStore
	Tracker *tracker.Tracker
	// RetryUnknownFor is how long an unmatched event is redelivered before it
	// is dropped. Zero drops immediately.
	RetryUnknownFor time.Duration
	Now             func() time.Time
}

func (p *EventProcessor) Process(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	// bounded db work; errors cause SQS redrive
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var payload any
	if len(ev.Payload) > 0 {
		payload = json.RawMessage(ev.Payload)
	}
	if err := p.Store.InsertDeliveryEvent(dbCtx, store.DeliveryEvent{
		Provider:        ev.Provider,
		ProviderMsgID:   ev.ProviderMsgID,
		CommunicationID: ev.CommunicationID,
		VendorStatus:    ev.VendorStatus,
		ErrorCode:       ev.ErrorCode,
		Payload:         payload,
		OccurredAt:      ev.OccurredAt,
	}); err != nil {
		return err
	}

	if ev.Status == "" {
		slog.Debug("webhook event has no lifecycle status", "provider", ev.Provider, "vendor_status", ev.VendorStatus)
		return nil
	}

	u := tracker.Update{
		CommunicationID: ev.CommunicationID,
		Provider:        ev.Provider,
		ProviderMsgID:   ev.ProviderMsgID,
		Status:          ev.Status,
		Reason:          ev.Reason,
		Source:          tracker.SourceWebhook,
	}
	if ev.OccurredAt != nil {
		u.At = *ev.OccurredAt
	}
	out, err := p.Tracker.Apply(dbCtx, u)
	if err != nil {
		return err
	}
	if !out.Found && p.now().Sub(ev.ReceivedAt) < p.RetryUnknownFor {
		return ErrNotYetKnown
	}
	return nil
}

func (p *EventProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}
