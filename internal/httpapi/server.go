package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsMux serves /metrics from reg and liveness on /healthz. Every binary
// runs it on METRICS_PORT.
func NewMetricsMux(reg *prometheus.Registry) *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	m.Handle("/healthz", Healthz())
	return m
}
