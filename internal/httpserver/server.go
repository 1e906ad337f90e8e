package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"

	"commhub/internal/httpapi"
	"commhub/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request logging, metrics and the health routes.
func New(checks ...httpapi.ReadyzCheck) *Server {
	r := mux.NewRouter()
	r.Use(Recover, Logging, Metrics(observability.APIRequests))
	r.Handle("/healthz", httpapi.Healthz()).Methods(http.MethodGet)
	r.Handle("/readyz", httpapi.Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusNotFound, httpapi.ErrorEnvelope{Error: httpapi.ErrorBody{Code: "NOT_FOUND", Message: "route not found"}})
	})
	return &Server{Mux: r}
}
