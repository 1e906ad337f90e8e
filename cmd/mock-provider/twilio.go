package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"commhub/internal/providers/twilio"
)

func (s *server) checkTwilioAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return user == s.cfg.AccountSID && pass == s.cfg.AuthToken && mux.Vars(r)["AccountSid"] == s.cfg.AccountSID
}

func (s *server) handleTwilioSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !s.checkTwilioAuth(r) {
		s.delayResponse(r.Context(), start)
		writeTwilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.delayResponse(r.Context(), start)
		writeTwilioError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" || r.Form.Get("Body") == "" {
		s.delayResponse(r.Context(), start)
		writeTwilioError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		s.delayResponse(r.Context(), start)
		writeTwilioError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}
	if !s.callDelay(r.Context()) {
		return
	}

	oc := classify(s.picker.next())
	if oc.timeout {
		s.hang(r.Context())
		writeTwilioError(w, oc.httpStatus, oc.errorCode, "Request timed out")
		return
	}
	if oc.rejectMsg != "" {
		s.delayResponse(r.Context(), start)
		writeTwilioError(w, oc.httpStatus, oc.errorCode, oc.rejectMsg)
		return
	}

	sid := fmt.Sprintf("SM%032d", s.msgs.nextSeq())
	s.msgs.put(&mockMessage{ID: sid, Provider: twilio.ProviderName, Status: "queued"})
	s.delayResponse(r.Context(), start)
	// counted before the response so tests can wait for the callbacks
	s.pending.Add(1)
	writeJSON(w, http.StatusCreated, twilio.MessageResource{Sid: sid, Status: "queued"})

	cb := r.Form.Get("StatusCallback")
	if cb == "" {
		cb = s.cfg.TwilioWebhookURL
	}
	s.runTwilioLifecycle(cb, sid, oc)
}

// runTwilioLifecycle advances the stored message and posts signed status
// callbacks when a callback URL is known. The caller has already added to
// s.pending.
func (s *server) runTwilioLifecycle(callbackURL, sid string, oc outcome) {
	post := func(status string, code int) {
		s.msgs.setStatus(sid, status, code)
		if callbackURL == "" {
			return
		}
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		form.Set("AccountSid", s.cfg.AccountSID)
		if code != 0 {
			form.Set("ErrorCode", strconv.Itoa(code))
		}
		hdr := map[string]string{
			"Content-Type":       "application/x-www-form-urlencoded",
			"X-Twilio-Signature": twilio.SignForm(s.cfg.AuthToken, callbackURL, form),
		}
		_ = s.postWithRetry(context.Background(), callbackURL, []byte(form.Encode()), hdr)
	}

	go func() {
		defer s.pending.Done()
		if s.cfg.IncludeQueuedFirst {
			post("queued", 0)
		}
		if oc.sendSent {
			sleep(s.cfg.WebhookSentDelay)
			post("sent", 0)
		}
		sleep(s.cfg.WebhookDelay)
		post(oc.final, oc.errorCode)
	}()
}

func (s *server) handleTwilioFetch(w http.ResponseWriter, r *http.Request) {
	if !s.checkTwilioAuth(r) {
		writeTwilioError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	m, ok := s.msgs.get(twilio.ProviderName, mux.Vars(r)["Sid"])
	if !ok {
		writeTwilioError(w, http.StatusNotFound, 20404, "The requested resource was not found")
		return
	}
	out := twilio.MessageResource{Sid: m.ID, Status: m.Status}
	if m.ErrorCode != 0 {
		code := m.ErrorCode
		out.ErrorCode = &code
		out.ErrorMessage = "Message delivery failed"
	}
	writeJSON(w, http.StatusOK, out)
}

// hang simulates a provider that never answers within the caller's timeout.
func (s *server) hang(ctx context.Context) {
	t := time.NewTimer(s.cfg.TimeoutDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		slog.Debug("caller gave up on hanging request")
	case <-t.C:
	}
}

func writeTwilioError(w http.ResponseWriter, status, code int, msg string) {
	resp := twilio.MessageResource{Status: "failed", Message: strings.TrimSpace(msg)}
	if code != 0 {
		resp.ErrorCode = &code
	}
	writeJSON(w, status, resp)
}
