// Package metrics provides Prometheus metrics integration for
// foldstream.
//
// This package enables observability for event sourcing operations:
// command dispatch, event log operations, and subscription delivery.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithServiceName("accounts"))
//	m.MustRegister()
//
//	app, err := foldstream.StartApplication("accounts", cfg,
//		foldstream.WithMiddleware(m.DispatchMiddleware()),
//	)
//
//	// Optionally wrap the event log directly
//	app, err = foldstream.StartApplication("accounts", cfg,
//		foldstream.WithLog(m.WrapLog(log)),
//	)
//
// The metrics collected include:
//   - Dispatch counts, durations and in-flight gauges per command
//   - Event log operations (append, read, snapshot)
//   - Events appended by type
//   - Error counts by taxonomy kind
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foldstream/foldstream"
	"github.com/foldstream/foldstream/eventlog"
)

// Default metric labels.
const (
	LabelCommand   = "command"
	LabelEventType = "event_type"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelService   = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend       = "append"
	OperationRead         = "read"
	OperationSaveSnapshot = "save_snapshot"
	OperationGetSnapshot  = "get_snapshot"
)

// Metrics holds all Prometheus metrics for foldstream.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Dispatch metrics
	dispatchesTotal    *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	dispatchesInFlight *prometheus.GaugeVec

	// Event log metrics
	logOperationsTotal   *prometheus.CounterVec
	logOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal  *prometheus.CounterVec
	eventsReadTotal      *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// Option configures Metrics.
type Option func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) Option {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) Option {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithServiceName sets the service name label.
func WithServiceName(name string) Option {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		namespace:   "foldstream",
		subsystem:   "",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() {
	m.dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "dispatches_total",
			Help:      "Total number of commands dispatched.",
		},
		[]string{LabelService, LabelCommand, LabelStatus},
	)

	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of command dispatch in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelCommand},
	)

	m.dispatchesInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "dispatches_in_flight",
			Help:      "Number of commands currently being dispatched.",
		},
		[]string{LabelService, LabelCommand},
	)

	m.logOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventlog_operations_total",
			Help:      "Total number of event log operations.",
		},
		[]string{LabelService, LabelOperation, LabelStatus},
	)

	m.logOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventlog_operation_duration_seconds",
			Help:      "Duration of event log operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelOperation},
	)

	m.eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to streams.",
		},
		[]string{LabelService, LabelEventType},
	)

	m.eventsReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_read_total",
			Help:      "Total number of events read from streams.",
		},
		[]string{LabelService},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by type.",
		},
		[]string{LabelService, LabelErrorType},
	)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.dispatchesTotal,
		m.dispatchDuration,
		m.dispatchesInFlight,
		m.logOperationsTotal,
		m.logOperationDuration,
		m.eventsAppendedTotal,
		m.eventsReadTotal,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// DispatchMiddleware returns middleware that records dispatch metrics.
func (m *Metrics) DispatchMiddleware() foldstream.Middleware {
	return func(next foldstream.DispatchFunc) foldstream.DispatchFunc {
		return func(ctx context.Context, command string, data map[string]any) ([]foldstream.Event, error) {
			m.dispatchesInFlight.WithLabelValues(m.serviceName, command).Inc()
			defer m.dispatchesInFlight.WithLabelValues(m.serviceName, command).Dec()

			start := time.Now()
			events, err := next(ctx, command, data)
			duration := time.Since(start)

			m.dispatchDuration.WithLabelValues(m.serviceName, command).Observe(duration.Seconds())

			status := StatusSuccess
			if err != nil {
				status = StatusError
				m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
			}
			m.dispatchesTotal.WithLabelValues(m.serviceName, command, status).Inc()

			return events, err
		}
	}
}

// errorTypeName maps an error to its taxonomy kind.
func errorTypeName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, foldstream.ErrApplicationNotStarted):
		return "application_not_started"
	case errors.Is(err, foldstream.ErrCommandUnknown):
		return "command_unknown"
	case errors.Is(err, foldstream.ErrCommandInvalid):
		return "command_invalid"
	case errors.Is(err, foldstream.ErrEventMalformed):
		return "event_malformed"
	case errors.Is(err, foldstream.ErrAggregateInvalid):
		return "aggregate_invalid"
	case errors.Is(err, foldstream.ErrBusinessRule):
		return "business_rule_violation"
	case errors.Is(err, foldstream.ErrConcurrency):
		return "concurrency_conflict"
	case errors.Is(err, eventlog.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, eventlog.ErrNoEvents):
		return "no_events"
	case errors.Is(err, eventlog.ErrClosed):
		return "log_closed"
	case errors.Is(err, foldstream.ErrBackend):
		return "backend_error"
	default:
		return "unknown"
	}
}

// LogMiddleware wraps an event log with metrics collection.
type LogMiddleware struct {
	log     eventlog.Log
	metrics *Metrics
}

// Ensure LogMiddleware implements the contract.
var _ eventlog.Log = (*LogMiddleware)(nil)

// WrapLog wraps an event log with metrics collection.
func (m *Metrics) WrapLog(log eventlog.Log) *LogMiddleware {
	return &LogMiddleware{
		log:     log,
		metrics: m,
	}
}

// InitialVersion returns the wrapped log's initial version.
func (lm *LogMiddleware) InitialVersion() eventlog.Version {
	return lm.log.InitialVersion()
}

// Append stores events with metrics.
func (lm *LogMiddleware) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) (eventlog.AppendResult, error) {
	start := time.Now()
	result, err := lm.log.Append(ctx, streamID, txnID, expected, events)
	duration := time.Since(start)

	lm.metrics.logOperationDuration.WithLabelValues(lm.metrics.serviceName, OperationAppend).Observe(duration.Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		lm.metrics.errorsTotal.WithLabelValues(lm.metrics.serviceName, errorTypeName(err)).Inc()
	} else {
		for _, e := range result.Events {
			lm.metrics.eventsAppendedTotal.WithLabelValues(lm.metrics.serviceName, e.Type).Inc()
		}
	}
	lm.metrics.logOperationsTotal.WithLabelValues(lm.metrics.serviceName, OperationAppend, status).Inc()

	return result, err
}

// Read retrieves events with metrics.
func (lm *LogMiddleware) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.StoredEvent, error) {
	start := time.Now()
	events, err := lm.log.Read(ctx, streamID, after, limit)
	duration := time.Since(start)

	lm.metrics.logOperationDuration.WithLabelValues(lm.metrics.serviceName, OperationRead).Observe(duration.Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
	} else {
		lm.metrics.eventsReadTotal.WithLabelValues(lm.metrics.serviceName).Add(float64(len(events)))
	}
	lm.metrics.logOperationsTotal.WithLabelValues(lm.metrics.serviceName, OperationRead, status).Inc()

	return events, err
}

// Subscribe passes through to the wrapped log.
func (lm *LogMiddleware) Subscribe(subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	return lm.log.Subscribe(subscriber, handler, opts)
}

// SaveSnapshot stores a snapshot with metrics.
func (lm *LogMiddleware) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	start := time.Now()
	err := lm.log.SaveSnapshot(ctx, streamID, snapshot)
	duration := time.Since(start)

	lm.metrics.logOperationDuration.WithLabelValues(lm.metrics.serviceName, OperationSaveSnapshot).Observe(duration.Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	lm.metrics.logOperationsTotal.WithLabelValues(lm.metrics.serviceName, OperationSaveSnapshot, status).Inc()

	return err
}

// GetSnapshot retrieves a snapshot with metrics.
func (lm *LogMiddleware) GetSnapshot(ctx context.Context, streamID string) (*eventlog.Snapshot, error) {
	start := time.Now()
	snapshot, err := lm.log.GetSnapshot(ctx, streamID)
	duration := time.Since(start)

	lm.metrics.logOperationDuration.WithLabelValues(lm.metrics.serviceName, OperationGetSnapshot).Observe(duration.Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	lm.metrics.logOperationsTotal.WithLabelValues(lm.metrics.serviceName, OperationGetSnapshot, status).Inc()

	return snapshot, err
}

// Close closes the wrapped log.
func (lm *LogMiddleware) Close() error {
	return lm.log.Close()
}
