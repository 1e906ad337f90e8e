package domain

import (
	"errors"
	"strings"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelCall  Channel = "call"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelCall:
		return true
	}
	return false
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Rank places a status on the lifecycle's total order. Unknown statuses rank -1
// and never advance anything.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusFailed:
		return 4
	}
	return -1
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// CanAdvance reports whether a record in from may move to to.
func CanAdvance(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	return to.Rank() > from.Rank()
}

func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Valid()
}

type Communication struct {
	ID             string     `json:"id"`
	CompanyID      string     `json:"companyId"`
	Type           Channel    `json:"type"`
	Direction      Direction  `json:"direction"`
	Status         Status     `json:"status"`
	To             string     `json:"to"`
	Subject        string     `json:"subject,omitempty"`
	Body           string     `json:"body,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	ProviderMsgID  string     `json:"providerMessageId,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	SentAt         *time.Time `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	FailedAt       *time.Time `json:"failedAt,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	OpenedAt       *time.Time `json:"openedAt,omitempty"`
	OpenCount      int        `json:"openCount"`
	ClickedAt      *time.Time `json:"clickedAt,omitempty"`
	ClickCount     int        `json:"clickCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Advance applies a status transition in memory using the same rule the
// Postgres store enforces in its guarded UPDATE. It returns false and leaves c
// untouched when the transition is not forward.
func (c *Communication) Advance(to Status, reason string, now time.Time) bool {
	if !CanAdvance(c.Status, to) {
		return false
	}
	c.Status = to
	switch to {
	case StatusSent, StatusDelivered:
		if c.SentAt == nil {
			c.SentAt = timePtr(now)
		}
		if to == StatusDelivered && c.DeliveredAt == nil {
			c.DeliveredAt = timePtr(now)
		}
	case StatusFailed:
		if c.FailedAt == nil {
			c.FailedAt = timePtr(now)
		}
		c.FailureReason = reason
	}
	c.UpdatedAt = now
	return true
}

// Trackable reports whether engagement tracking applies to this record.
func (c Communication) Trackable() bool {
	return c.Type == ChannelEmail && c.Direction == DirectionOutbound
}

func (c *Communication) RecordOpen(now time.Time) bool {
	if !c.Trackable() {
		return false
	}
	c.OpenCount++
	if c.OpenedAt == nil {
		c.OpenedAt = timePtr(now)
	}
	return true
}

func (c *Communication) RecordClick(now time.Time) bool {
	if !c.Trackable() {
		return false
	}
	c.ClickCount++
	if c.ClickedAt == nil {
		c.ClickedAt = timePtr(now)
	}
	return true
}

func timePtr(t time.Time) *time.Time { return &t }

type DispatchRequest struct {
	CompanyID      string            `json:"companyId"`
	Channel        Channel           `json:"channel"`
	To             string            `json:"to"`
	Subject        string            `json:"subject,omitempty"`
	Body           string            `json:"body,omitempty"`
	TemplateID     string            `json:"templateId,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
	IdempotencyKey string            `json:"-"`
}

func (r DispatchRequest) Validate() error {
	if r.CompanyID == "" || r.To == "" {
		return ErrMissingFields
	}
	if !r.Channel.Valid() {
		return ErrUnknownChannel
	}
	if r.Body == "" && r.TemplateID == "" {
		return ErrMissingFields
	}
	if r.Channel == ChannelEmail && r.Subject == "" {
		return ErrMissingSubject
	}
	return nil
}

type BatchRequest struct {
	CompanyID  string            `json:"companyId"`
	Channel    Channel           `json:"channel"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body,omitempty"`
	TemplateID string            `json:"templateId,omitempty"`
	Recipients []BatchRecipient  `json:"recipients"`
	Vars       map[string]string `json:"vars,omitempty"`
}

type BatchRecipient struct {
	To   string            `json:"to"`
	Vars map[string]string `json:"vars,omitempty"`
}

func (r BatchRequest) Validate() error {
	if len(r.Recipients) == 0 {
		return ErrMissingFields
	}
	for _, rc := range r.Recipients {
		item := DispatchRequest{
			CompanyID: r.CompanyID, Channel: r.Channel, To: rc.To,
			Subject: r.Subject, Body: r.Body, TemplateID: r.TemplateID,
		}
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var (
	ErrMissingFields  = errors.New("missing required fields")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrMissingSubject = errors.New("email requires a subject")
)

type BatchResponse struct {
	BatchKey string `json:"batchKey"`
	Queued   int    `json:"queued"`
}
