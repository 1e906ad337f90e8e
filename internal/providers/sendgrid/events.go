package sendgrid

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"commhub/internal/domain"
)

const (
	HeaderSignature = "X-Twilio-Email-Event-Webhook-Signature"
	HeaderTimestamp = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// Event is one entry of an event webhook batch.
type Event struct {
	Email           string `json:"email"`
	Timestamp       int64  `json:"timestamp"`
	Event           string `json:"event"`
	SGMessageID     string `json:"sg_message_id"`
	SGEventID       string `json:"sg_event_id"`
	Reason          string `json:"reason,omitempty"`
	Response        string `json:"response,omitempty"`
	Type            string `json:"type,omitempty"`
	CommunicationID string `json:"communication_id,omitempty"`
}

func ParseEvents(body []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// MessageID strips the filter suffix SendGrid appends to sg_message_id so it
// matches the X-Message-Id returned on send.
func (e Event) MessageID() string {
	id, _, _ := strings.Cut(e.SGMessageID, ".")
	return id
}

func (e Event) OccurredAt() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.Unix(e.Timestamp, 0).UTC()
}

// MapEvent maps delivery events onto the lifecycle. Engagement events (open,
// click) and list events map to nothing; tracking is handled by our own pixel.
func MapEvent(e Event) (domain.Status, string, bool) {
	switch e.Event {
	case "processed", "deferred":
		return domain.StatusSent, "", true
	case "delivered":
		return domain.StatusDelivered, "", true
	case "bounce", "dropped", "blocked":
		reason := "sendgrid " + e.Event
		if e.Reason != "" {
			reason += ": " + e.Reason
		}
		return domain.StatusFailed, reason, true
	}
	return "", "", false
}

var ErrBadSignature = errors.New("invalid event webhook signature")

// ParsePublicKey decodes the base64 DER (PKIX) ECDSA key shown in the SendGrid
// console.
func ParsePublicKey(b64 string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("event webhook key is not ECDSA")
	}
	return key, nil
}

// VerifySignature checks the ECDSA signature over timestamp||body.
func VerifySignature(key *ecdsa.PublicKey, signatureB64, timestamp string, body []byte) error {
	if key == nil {
		return ErrBadSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrBadSignature
	}
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	if !ecdsa.VerifyASN1(key, h.Sum(nil), sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign produces the signature header value for timestamp||body. The mock
// provider uses it to emit signed events.
func Sign(priv *ecdsa.PrivateKey, timestamp string, body []byte) (string, error) {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write(body)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, h.Sum(nil))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
