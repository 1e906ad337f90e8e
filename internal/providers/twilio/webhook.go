package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"

	"commhub/internal/domain"
)

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	expected := SignForm(authToken, fullURL, form)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign returns the base64 HMAC-SHA1 Twilio puts in X-Twilio-Signature.
func Sign(authToken, payload string) string {
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignForm signs a form post the way Twilio does: the full URL followed by
// every sorted key and its first value.
func SignForm(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	return Sign(authToken, b.String())
}

// MapStatus maps a Twilio MessageStatus onto the communication lifecycle.
// Inbound-only statuses map to nothing.
func MapStatus(vendor string) (domain.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "queued", "accepted", "scheduled":
		return domain.StatusQueued, true
	case "sending":
		return domain.StatusSending, true
	case "sent":
		return domain.StatusSent, true
	case "delivered", "read":
		return domain.StatusDelivered, true
	case "undelivered", "failed", "canceled":
		return domain.StatusFailed, true
	}
	return "", false
}

type StatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
	ErrorMessage  string
}

func ParseStatusCallback(form url.Values) StatusCallback {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	status := form.Get("MessageStatus")
	if status == "" {
		status = form.Get("SmsStatus")
	}
	return StatusCallback{
		MessageSid:    sid,
		MessageStatus: status,
		ErrorCode:     form.Get("ErrorCode"),
		ErrorMessage:  form.Get("ErrorMessage"),
	}
}

// FailureReason renders a human-readable reason for a failed message.
func FailureReason(vendorStatus, errorCode, errorMessage string) string {
	reason := "twilio reported " + vendorStatus
	if errorCode != "" {
		reason += " (error " + errorCode + ")"
	}
	if errorMessage != "" {
		reason += ": " + errorMessage
	}
	return reason
}
