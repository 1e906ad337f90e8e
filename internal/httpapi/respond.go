// Package httpapi holds the JSON envelope helpers and health handlers shared
// by every HTTP surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"commhub/internal/apperr"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

// WriteRaw writes an already encoded JSON body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError maps err onto the taxonomy and writes the error envelope. Foreign
// errors become INTERNAL_ERROR with the public message only.
func WriteError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	if typed.Code() != apperr.CodeInternal && typed.Message() != "" {
		msg = typed.Message()
	}
	body := ErrorBody{Code: string(typed.Code()), Message: msg}
	if meta.DetailsAllowed {
		body.Details = typed.Details()
	}

	if meta.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("request failed", "code", typed.Code(), "err", err)
	}
	if ra := typed.RetryAfter(); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ra.Seconds()))))
	}
	WriteJSON(w, meta.HTTPStatus, ErrorEnvelope{Error: body})
}
