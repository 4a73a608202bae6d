package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook ingress
	WebhooksReceived     *prometheus.CounterVec
	WebhookSecretMissing prometheus.Counter
	EnqueueErrors        *prometheus.CounterVec

	// Reconciliation worker
	EventsProcessed        *prometheus.CounterVec
	EventApplyDuration     *prometheus.HistogramVec
	ReconciliationFailures *prometheus.CounterVec
	ReconcileConflicts     prometheus.Counter
	SeatOvercommit         prometheus.Counter
	DeadLettered           *prometheus.CounterVec

	// Gateway
	GatewayCalls    *prometheus.CounterVec
	GatewayDuration *prometheus.HistogramVec

	// Background jobs
	SweepRuns             *prometheus.CounterVec
	SweepWorkspaces       *prometheus.CounterVec
	ProcessedEventsPruned prometheus.Counter
}

// NewMetrics creates all collectors and registers them with reg when reg is non-nil
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),

		WebhooksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_received_total",
				Help:      "Stripe webhook deliveries by event type and HTTP status",
			},
			[]string{"event_type", "status"},
		),
		WebhookSecretMissing: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_secret_missing_total",
				Help:      "Webhook deliveries acknowledged without processing because no signing secret is configured",
			},
		),
		EnqueueErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueue_errors_total",
				Help:      "Failed hand-offs from ingress to the durable queue",
			},
			[]string{"backend"},
		),

		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Webhook events processed by the reconciliation worker",
			},
			[]string{"event_type", "outcome"},
		),
		EventApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_apply_duration_seconds",
				Help:      "Time spent applying one event to the ledger",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"event_type"},
		),
		ReconciliationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_failures_total",
				Help:      "Events whose ledger mutation failed after the idempotency claim",
			},
			[]string{"event_type"},
		),
		ReconcileConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_conflicts_total",
				Help:      "Ledger writes abandoned after exhausting conflict retries",
			},
		),
		SeatOvercommit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "seat_overcommit_total",
				Help:      "Processor seat quantities mirrored below the active seat-holder count",
			},
		),
		DeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dead_lettered_total",
				Help:      "Queued events dropped after exhausting delivery attempts",
			},
			[]string{"backend"},
		),

		GatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_calls_total",
				Help:      "Calls to the payment processor by operation and result",
			},
			[]string{"operation", "result"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_call_duration_seconds",
				Help:      "Payment processor call latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),

		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_total",
				Help:      "Reconciliation sweep executions by result",
			},
			[]string{"result"},
		),
		SweepWorkspaces: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_workspaces_total",
				Help:      "Workspaces visited by the reconciliation sweep by result",
			},
			[]string{"result"},
		),
		ProcessedEventsPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processed_events_pruned_total",
				Help:      "Idempotency records removed after the retention window",
			},
		),
	}

	if reg != nil {
		m.Register(reg)
	}

	return m
}

// Register registers all metrics with reg
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhooksReceived,
		m.WebhookSecretMissing,
		m.EnqueueErrors,
		m.EventsProcessed,
		m.EventApplyDuration,
		m.ReconciliationFailures,
		m.ReconcileConflicts,
		m.SeatOvercommit,
		m.DeadLettered,
		m.GatewayCalls,
		m.GatewayDuration,
		m.SweepRuns,
		m.SweepWorkspaces,
		m.ProcessedEventsPruned,
	)
}

// HTTPMetricsMiddleware returns middleware that collects HTTP metrics.
// routeOf maps a request to a low-cardinality label.
func (m *Metrics) HTTPMetricsMiddleware(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := routeOf(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
