package service

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/metrics"
)

// Option configures the ambient dependencies of a service
type Option func(*options)

type options struct {
	logger  logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	// retryDelay is the pause before the single retry of a transient gateway failure
	retryDelay time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		logger:     logger.NewNop(),
		tracer:     otel.Tracer("subledger/billing"),
		now:        func() time.Time { return time.Now().UTC() },
		retryDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithGatewayRetryDelay sets the pause before retrying a transient gateway failure
func WithGatewayRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}
