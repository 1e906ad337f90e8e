// Package tracking records email opens and link clicks.
package tracking

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"commhub/internal/observability"
)

// Pixel is a 1x1 transparent GIF.
var Pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02,
	0x44, 0x01, 0x00, 0x3b,
}

const PixelContentType = "image/gif"

var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"mailto": true,
	"tel":    true,
}

type Store interface {
	RecordOpen(ctx context.Context, id string, at time.Time) (bool, error)
	RecordClick(ctx context.Context, id string, at time.Time) (bool, error)
}

type Recorder struct {
	Store           Store
	DefaultRedirect string
	Now             func() time.Time
}

func NewRecorder(s Store, defaultRedirect string) *Recorder {
	if defaultRedirect == "" {
		defaultRedirect = "/"
	}
	return &Recorder{
		Store:           s,
		DefaultRedirect: defaultRedirect,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// RecordOpen counts one open. Failures are logged and never returned; the
// caller always serves the pixel.
func (r *Recorder) RecordOpen(ctx context.Context, id string) {
	if id == "" {
		observability.TrackingEvents.WithLabelValues("open", "ignored").Inc()
		return
	}
	ok, err := r.Store.RecordOpen(ctx, id, r.Now())
	r.observe("open", id, ok, err)
}

// RecordClick counts one click and returns where to redirect. Targets outside
// the scheme allow-list fall back to DefaultRedirect without being counted.
func (r *Recorder) RecordClick(ctx context.Context, id, rawURL string) string {
	target, ok := ValidateRedirect(rawURL)
	if !ok {
		observability.TrackingEvents.WithLabelValues("click", "rejected").Inc()
		slog.Warn("click redirect rejected", "communication_id", id, "url", rawURL)
		return r.DefaultRedirect
	}
	if id == "" {
		observability.TrackingEvents.WithLabelValues("click", "ignored").Inc()
		return target
	}
	counted, err := r.Store.RecordClick(ctx, id, r.Now())
	r.observe("click", id, counted, err)
	return target
}

func (r *Recorder) observe(kind, id string, counted bool, err error) {
	switch {
	case err != nil:
		observability.TrackingEvents.WithLabelValues(kind, "error").Inc()
		slog.Error("record tracking event failed", "kind", kind, "communication_id", id, "err", err)
	case counted:
		observability.TrackingEvents.WithLabelValues(kind, "recorded").Inc()
	default:
		observability.TrackingEvents.WithLabelValues(kind, "ignored").Inc()
	}
}

// ValidateRedirect returns the normalized target when its scheme is allowed.
func ValidateRedirect(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if !allowedSchemes[scheme] {
		return "", false
	}
	if (scheme == "http" || scheme == "https") && u.Host == "" {
		return "", false
	}
	if (scheme == "mailto" || scheme == "tel") && u.Opaque == "" {
		return "", false
	}
	u.Scheme = scheme
	return u.String(), true
}
