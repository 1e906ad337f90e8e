package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type mockMessage struct {
	ID              string
	Provider        string
	Status          string
	ErrorCode       int
	Email           string
	CommunicationID string
}

type messageStore struct {
	mu   sync.Mutex
	seq  uint64
	msgs map[string]*mockMessage
}

func newMessageStore() *messageStore {
	return &messageStore{msgs: map[string]*mockMessage{}}
}

func (m *messageStore) nextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

func (m *messageStore) put(msg *mockMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[msg.ID] = msg
}

func (m *messageStore) get(provider, id string) (mockMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok || msg.Provider != provider {
		return mockMessage{}, false
	}
	return *msg, true
}

func (m *messageStore) setStatus(id, status string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.msgs[id]; ok {
		msg.Status = status
		if code != 0 {
			msg.ErrorCode = code
		}
	}
}

func (s *server) postWithRetry(ctx context.Context, target string, body []byte, hdr map[string]string) error {
	maxAttempts := s.cfg.WebhookMaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, v := range hdr {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		status := 0
		var retryAfter time.Duration
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", target, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", target, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "url", target, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

// retryBackoff is base*2^attempt capped at the max, with +/- jitter percent.
func (s *server) retryBackoff(attempt int) time.Duration {
	base, max := s.cfg.WebhookRetryBase, s.cfg.WebhookRetryMax
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	wait := base << attempt
	if wait > max || wait <= 0 {
		wait = max
	}

	jp := s.cfg.WebhookRetryJitterPct
	if jp > 100 {
		jp = 100
	}
	delta := int64(wait) * int64(jp) / 100
	if delta <= 0 {
		return wait
	}
	return time.Duration(int64(wait) + s.int63n(2*delta+1) - delta)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter handles the seconds form only.
func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
