package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ReadyzCheck reports whether one dependency (database, redis, queue) can
// serve traffic.
type ReadyzCheck func(ctx context.Context) error

type healthBody struct {
	Status string `json:"status"`
	Failed []int  `json:"failed,omitempty"`
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, healthBody{Status: "ok"})
	}
}

// Readyz runs every check concurrently under one shared timeout. Any failure
// answers 503 with the positions of the failed checks.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		errs := make([]error, len(checks))
		var wg sync.WaitGroup
		for i, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = check(ctx)
			}()
		}
		wg.Wait()

		var failed []int
		for i, err := range errs {
			if err != nil {
				slog.Warn("readiness check failed", "check", i, "err", err)
				failed = append(failed, i)
			}
		}
		if len(failed) > 0 {
			WriteJSON(w, http.StatusServiceUnavailable, healthBody{Status: "not_ready", Failed: failed})
			return
		}
		WriteJSON(w, http.StatusOK, healthBody{Status: "ready"})
	}
}
