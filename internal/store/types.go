package store

import (
	"errors"
	"time"

	"commhub/internal/domain"
)

var ErrNotFound = errors.New("store: not found")

// StatusUpdate asks for a forward transition of one communication.
type StatusUpdate struct {
	ID     string
	Status domain.Status
	Reason string
	At     time.Time
}

// StatusResult is the outcome of AdvanceStatus. Current is the row after the
// call whether or not the transition applied.
type StatusResult struct {
	Applied bool
	Current domain.Communication
}

type ProviderDetails struct {
	ID            string
	Provider      string
	ProviderMsgID string
	Now           time.Time
}

type ProviderAttempt struct {
	CommunicationID string
	Provider        string
	ProviderMsgID   string
	Attempt         int
	HTTPStatus      int
	ErrorCode       string
	ErrorMsg        string
	RequestJSON     any
	ResponseJSON    any
}

type DeliveryEvent struct {
	Provider        string
	ProviderMsgID   string
	CommunicationID string
	VendorStatus    string
	ErrorCode       string
	Payload         any
	OccurredAt      *time.Time
}
