package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"commhub/internal/providers/sendgrid"
)

type mailSendRequest struct {
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
		CustomArgs map[string]string `json:"custom_args"`
	} `json:"personalizations"`
	From struct {
		Email string `json:"email"`
	} `json:"from"`
	Subject string `json:"subject"`
}

func (s *server) checkSendGridAuth(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.SendGridKey
}

func (s *server) handleSendGridSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !s.checkSendGridAuth(r) {
		s.delayResponse(r.Context(), start)
		writeSendGridError(w, http.StatusUnauthorized, "The provided authorization grant is invalid, expired, or revoked")
		return
	}
	var req mailSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.delayResponse(r.Context(), start)
		writeSendGridError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	if len(req.Personalizations) == 0 || len(req.Personalizations[0].To) == 0 || req.Personalizations[0].To[0].Email == "" {
		s.delayResponse(r.Context(), start)
		writeSendGridError(w, http.StatusBadRequest, "The to array is required for all personalization objects")
		return
	}
	if req.From.Email == "" {
		s.delayResponse(r.Context(), start)
		writeSendGridError(w, http.StatusBadRequest, "The from object must be provided for every email send")
		return
	}
	if !s.callDelay(r.Context()) {
		return
	}

	oc := classify(s.picker.next())
	if oc.timeout {
		s.hang(r.Context())
		writeSendGridError(w, oc.httpStatus, "Request timed out")
		return
	}
	if oc.rejectMsg != "" {
		s.delayResponse(r.Context(), start)
		writeSendGridError(w, oc.httpStatus, oc.rejectMsg)
		return
	}

	p := req.Personalizations[0]
	id := fmt.Sprintf("mock%018d", s.msgs.nextSeq())
	s.msgs.put(&mockMessage{
		ID: id, Provider: sendgrid.ProviderName, Status: "processed",
		Email: p.To[0].Email, CommunicationID: p.CustomArgs["communication_id"],
	})
	s.delayResponse(r.Context(), start)
	s.pending.Add(1)
	w.Header().Set("X-Message-Id", id)
	w.WriteHeader(http.StatusAccepted)

	s.runSendGridLifecycle(id, oc)
}

// runSendGridLifecycle emits processed then the final delivery event as
// signed event webhook batches.
func (s *server) runSendGridLifecycle(id string, oc outcome) {
	m, _ := s.msgs.get(sendgrid.ProviderName, id)
	seq := 0
	post := func(event, reason string) {
		status := event
		if event == "bounce" || event == "dropped" {
			status = "not_delivered"
		}
		s.msgs.setStatus(id, status, 0)
		if s.cfg.SendGridWebhookURL == "" {
			return
		}
		seq++
		ev := sendgrid.Event{
			Email:           m.Email,
			Timestamp:       time.Now().Unix(),
			Event:           event,
			SGMessageID:     id + ".filter0001.mock",
			SGEventID:       fmt.Sprintf("%s-%d", id, seq),
			Reason:          reason,
			CommunicationID: m.CommunicationID,
		}
		body, err := json.Marshal([]sendgrid.Event{ev})
		if err != nil {
			return
		}
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := sendgrid.Sign(s.sgKey, ts, body)
		if err != nil {
			return
		}
		hdr := map[string]string{"Content-Type": "application/json"}
		hdr[sendgrid.HeaderSignature] = sig
		hdr[sendgrid.HeaderTimestamp] = ts
		_ = s.postWithRetry(context.Background(), s.cfg.SendGridWebhookURL, body, hdr)
	}

	go func() {
		defer s.pending.Done()
		if s.cfg.IncludeQueuedFirst {
			post("processed", "")
		}
		sleep(s.cfg.WebhookDelay)
		switch oc.final {
		case "delivered":
			post("delivered", "")
		case "undelivered":
			post("bounce", fmt.Sprintf("550 5.1.1 mailbox unavailable (%d)", oc.errorCode))
		default:
			post("dropped", "Bounced Address")
		}
	}()
}

func (s *server) handleSendGridMessage(w http.ResponseWriter, r *http.Request) {
	if !s.checkSendGridAuth(r) {
		writeSendGridError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	m, ok := s.msgs.get(sendgrid.ProviderName, mux.Vars(r)["id"])
	if !ok {
		writeSendGridError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg_id": m.ID, "status": m.Status, "to_email": m.Email})
}

func writeSendGridError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"errors": []map[string]string{{"message": msg}}})
}
