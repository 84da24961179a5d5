package dispatch

import (
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/event"
)

// Option configures a Dispatcher.
type Option func(*config)

type config struct {
	logger        *zap.Logger
	tracer        trace.Tracer
	maxPending    int
	serviceThread event.ThreadID
}

func defaultConfig() config {
	return config{
		logger:        zap.NewNop(),
		tracer:        noop.NewTracerProvider().Tracer("vmtap/dispatch"),
		serviceThread: -1,
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets the tracer used for class file load hook chains and
// deferred deliveries.
func WithTracer(t trace.Tracer) Option {
	return func(c *config) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithMaxPending caps the deferred queue. Events beyond the cap are dropped
// and reported as resource exhaustion. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxPending = n
		}
	}
}

// WithServiceThread sets the thread ID the deferred queue delivers on.
func WithServiceThread(id event.ThreadID) Option {
	return func(c *config) {
		if id != event.NoThread {
			c.serviceThread = id
		}
	}
}
