package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/httpapi"
	"commhub/internal/idempotency"
	"commhub/internal/ratelimit"
	"commhub/internal/tracking"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.Communication, bool, error)
	GetCommunication(ctx context.Context, id string) (domain.Communication, error)
}

type BatchEnqueuer interface {
	EnqueueBatch(ctx context.Context, batchKey string, req domain.BatchRequest) (domain.BatchResponse, error)
}

type API struct {
	Svc     Dispatcher
	Batch   BatchEnqueuer
	Tracker *tracking.Recorder
	// Limiter guards the /v1/communications routes; nil disables it.
	Limiter ratelimit.Limiter
	// Guard makes batch submission idempotent.
	Guard *idempotency.Guard
}

func (a *API) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1/communications").Subrouter()
	v1.Use(ratelimit.Middleware(a.Limiter, ratelimit.Tenant))
	v1.HandleFunc("", a.handleDispatch).Methods(http.MethodPost)
	if a.Batch != nil && a.Guard != nil {
		v1.Handle("/batch", Idempotent(a.Guard, "communications:batch")(http.HandlerFunc(a.handleBatch))).Methods(http.MethodPost)
	}
	v1.HandleFunc("/{id}", a.handleGet).Methods(http.MethodGet)

	r.HandleFunc("/track/open", a.handleOpen).Methods(http.MethodGet)
	r.HandleFunc("/track/click", a.handleClick).Methods(http.MethodGet)
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req domain.DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpapi.WriteError(w, apperr.New(apperr.CodeValidation, ErrInvalidJSON))
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

	c, replayed, err := a.Svc.Dispatch(r.Context(), req)
	if err != nil {
		if apperr.CodeOf(err) != apperr.CodeValidation {
			slog.Warn("dispatch failed",
				"err", err,
				"company_id", req.CompanyID,
				"channel", req.Channel,
				"idempotency_key", req.IdempotencyKey,
			)
		}
		httpapi.WriteError(w, err)
		return
	}
	if replayed {
		w.Header().Set(HeaderReplayed, "true")
		httpapi.WriteJSON(w, http.StatusOK, c)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, c)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		httpapi.WriteError(w, apperr.New(apperr.CodeValidation, ErrMissingID))
		return
	}
	c, err := a.Svc.GetCommunication(r.Context(), id)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, c)
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, apperr.New(apperr.CodeValidation, ErrInvalidJSON))
		return
	}
	res, err := a.Batch.EnqueueBatch(r.Context(), strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)), req)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, res)
}

// handleOpen always serves the pixel.
func (a *API) handleOpen(w http.ResponseWriter, r *http.Request) {
	if a.Tracker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		a.Tracker.RecordOpen(ctx, r.URL.Query().Get("c"))
		cancel()
	}
	h := w.Header()
	h.Set("Content-Type", tracking.PixelContentType)
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tracking.Pixel)
}

// handleClick always redirects.
func (a *API) handleClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := "/"
	if a.Tracker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		target = a.Tracker.RecordClick(ctx, q.Get("c"), q.Get("u"))
		cancel()
	} else if t, ok := tracking.ValidateRedirect(q.Get("u")); ok {
		target = t
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}
