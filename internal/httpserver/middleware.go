package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"commhub/internal/apperr"
	"commhub/internal/httpapi"
	"commhub/internal/idempotency"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
	readyTimeout = 2 * time.Second
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

func Metrics(counter *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			counter.WithLabelValues(routeLabel(r), strconv.Itoa(sw.status)).Inc()
		})
	}
}

func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				slog.Error("handler panic", "path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
				httpapi.WriteError(w, apperr.New(apperr.CodeInternal, fmt.Sprint(v)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tpl
}

// readBody reads at most maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.New(apperr.CodeValidation, ErrBodyTooLarge)
		}
		return nil, apperr.Wrap(apperr.CodeValidation, err, "read request body")
	}
	return body, nil
}

type capturedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

type responseCapture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *responseCapture) Header() http.Header { return c.header }

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(b)
}

var errNotMemoized = errors.New("response not memoized")

// Idempotent runs the wrapped handler through the guard so that a key is
// handled once. A replay answers 200 with the original body. 5xx and 429
// responses are not stored and release the key.
func Idempotent(g *idempotency.Guard, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(w, r)
			if err != nil {
				httpapi.WriteError(w, err)
				return
			}
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

			var failed capturedResponse
			res, replayed, err := idempotency.Do(r.Context(), g, scope, key, body, func(ctx context.Context) (capturedResponse, error) {
				rc := &responseCapture{header: make(http.Header)}
				req := r.Clone(ctx)
				req.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(rc, req)

				out := capturedResponse{
					Status:      rc.status,
					ContentType: rc.header.Get("Content-Type"),
					Body:        rc.body.Bytes(),
				}
				if out.Status == 0 {
					out.Status = http.StatusOK
				}
				if out.Status >= http.StatusInternalServerError || out.Status == http.StatusTooManyRequests {
					failed = out
					if ra := rc.header.Get("Retry-After"); ra != "" {
						w.Header().Set("Retry-After", ra)
					}
					return out, errNotMemoized
				}
				return out, nil
			})
			switch {
			case errors.Is(err, errNotMemoized) && failed.Status == 0:
				// a concurrent duplicate shared the leader's failure
				httpapi.WriteError(w, apperr.New(apperr.CodeInProgress, "concurrent request failed, retry").WithRetryAfter(time.Second))
			case errors.Is(err, errNotMemoized):
				writeCaptured(w, failed, failed.Status)
			case err != nil:
				httpapi.WriteError(w, err)
			case replayed:
				w.Header().Set(HeaderReplayed, "true")
				status := res.Status
				if status == http.StatusCreated {
					status = http.StatusOK
				}
				writeCaptured(w, res, status)
			default:
				writeCaptured(w, res, res.Status)
			}
		})
	}
}

func writeCaptured(w http.ResponseWriter, c capturedResponse, status int) {
	if c.ContentType != "" {
		w.Header().Set("Content-Type", c.ContentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(c.Body)
}
