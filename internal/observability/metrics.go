package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_enqueue_total", Help: "SQS enqueue results"},
		[]string{"kind", "result"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_dispatch_total", Help: "Dispatch outcomes by channel"},
		[]string{"channel", "result"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_provider_send_total", Help: "Provider send outcomes"},
		[]string{"provider", "result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "commhub_provider_send_latency_seconds", Help: "Provider send latency"},
		[]string{"provider"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_webhook_events_total", Help: "Provider webhook events"},
		[]string{"provider", "status"},
	)
	StatusUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_status_updates_total", Help: "Status updates by source and outcome"},
		[]string{"source", "result"},
	)
	IdempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_idempotency_total", Help: "Idempotency guard outcomes"},
		[]string{"outcome"},
	)
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_ratelimit_decisions_total", Help: "Rate limiter decisions"},
		[]string{"policy", "result"},
	)
	TrackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_tracking_events_total", Help: "Open and click tracking hits"},
		[]string{"kind", "result"},
	)
	PollerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_status_poller_runs_total", Help: "Status poller terminations"},
		[]string{"result"},
	)
	SyncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commhub_sync_operations_total", Help: "Offline queue operation results"},
		[]string{"type", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, Dispatches, ProviderSend, ProviderLatency, WebhookEvents,
		StatusUpdates, IdempotencyOutcomes, RateLimitDecisions, TrackingEvents, PollerRuns, SyncOperations,
	)
}
