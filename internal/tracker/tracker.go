// Package tracker reconciles communication status from provider webhooks and
// status polling. Both sources go through Apply, which only ever moves a
// record forward.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/observability"
	"commhub/internal/store"
)

type Source string

const (
	SourceDispatch Source = "dispatch"
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
)

// Update identifies the communication either by id or by provider message id.
type Update struct {
	CommunicationID string
	Provider        string
	ProviderMsgID   string
	Status          domain.Status
	Reason          string
	Source          Source
	At              time.Time
}

type Outcome struct {
	Applied bool
	Found   bool
	Current domain.Communication
}

type Store interface {
	GetCommunication(ctx context.Context, id string) (domain.Communication, error)
	FindByProviderMsgID(ctx context.Context, provider, providerMsgID string) (domain.Communication, error)
	AdvanceStatus(ctx context.Context, in store.StatusUpdate) (store.StatusResult, error)
}

type Tracker struct {
	Store Store
	Now   func() time.Time
}

func New(s Store) *Tracker {
	return &Tracker{Store: s, Now: func() time.Time { return time.Now().UTC() }}
}

// Apply advances the communication if u is ahead of its current status.
// Unknown communications are reported with Found=false and no error.
func (t *Tracker) Apply(ctx context.Context, u Update) (Outcome, error) {
	if !u.Status.Valid() {
		return Outcome{}, apperr.New(apperr.CodeValidation, "unknown status "+string(u.Status))
	}
	id := u.CommunicationID
	if id == "" {
		if u.Provider == "" || u.ProviderMsgID == "" {
			return Outcome{}, apperr.New(apperr.CodeValidation, "update needs a communication id or provider message id")
		}
		c, err := t.Store.FindByProviderMsgID(ctx, u.Provider, u.ProviderMsgID)
		if errors.Is(err, store.ErrNotFound) {
			t.notFound(u)
			return Outcome{}, nil
		}
		if err != nil {
			return Outcome{}, apperr.Wrap(apperr.CodeDependency, err, "lookup by provider message id")
		}
		id = c.ID
	}

	at := u.At
	if at.IsZero() {
		at = t.Now()
	}
	res, err := t.Store.AdvanceStatus(ctx, store.StatusUpdate{ID: id, Status: u.Status, Reason: u.Reason, At: at})
	if errors.Is(err, store.ErrNotFound) {
		t.notFound(u)
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.CodeDependency, err, "advance status")
	}

	if res.Applied {
		observability.StatusUpdates.WithLabelValues(string(u.Source), "applied").Inc()
		slog.Info("status advanced",
			"communication_id", id,
			"status", u.Status,
			"source", u.Source,
		)
	} else {
		observability.StatusUpdates.WithLabelValues(string(u.Source), "discarded").Inc()
		slog.Debug("status update discarded",
			"communication_id", id,
			"status", u.Status,
			"current", res.Current.Status,
			"source", u.Source,
		)
	}
	return Outcome{Applied: res.Applied, Found: true, Current: res.Current}, nil
}

func (t *Tracker) notFound(u Update) {
	observability.StatusUpdates.WithLabelValues(string(u.Source), "not_found").Inc()
	slog.Warn("status update for unknown communication",
		"communication_id", u.CommunicationID,
		"provider", u.Provider,
		"provider_msg_id", u.ProviderMsgID,
		"status", u.Status,
		"source", u.Source,
	)
}
