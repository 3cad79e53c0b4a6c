// Package tracing provides OpenTelemetry integration for foldstream.
//
// This package enables distributed tracing for event sourcing
// operations: command dispatch and event log operations.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer(tracing.WithServiceName("accounts"))
//	app, err := foldstream.StartApplication("accounts", cfg,
//		foldstream.WithMiddleware(tracing.DispatchMiddleware(tracer)),
//	)
//
// The dispatch middleware captures:
//   - Command name and execution duration
//   - Success/failure status
//   - Error details when dispatch fails
//   - Count and types of the appended events
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/foldstream/foldstream"
	"github.com/foldstream/foldstream/eventlog"
)

const (
	// TracerName is the name of the foldstream tracer.
	TracerName = "github.com/foldstream/foldstream"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "foldstream"
)

// Tracer wraps an OpenTelemetry tracer for foldstream operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// DispatchMiddleware creates middleware that traces command dispatch.
func DispatchMiddleware(tracer *Tracer) foldstream.Middleware {
	return func(next foldstream.DispatchFunc) foldstream.DispatchFunc {
		return func(ctx context.Context, command string, data map[string]any) ([]foldstream.Event, error) {
			spanName := fmt.Sprintf("dispatch.%s", command)

			ctx, span := tracer.StartSpan(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("foldstream.service", tracer.serviceName),
				attribute.String("foldstream.command", command),
			)

			events, err := next(ctx, command, data)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
				span.SetAttributes(attribute.Int("foldstream.events.count", len(events)))
				if len(events) > 0 {
					types := make([]string, len(events))
					for i, e := range events {
						types[i] = e.Type
					}
					span.SetAttributes(
						attribute.StringSlice("foldstream.events.types", types),
						attribute.String("foldstream.version", events[len(events)-1].Meta.Version.String()),
					)
				}
			}

			return events, err
		}
	}
}

// LogMiddleware wraps an event log with tracing.
type LogMiddleware struct {
	log    eventlog.Log
	tracer *Tracer
}

// Ensure LogMiddleware implements the contract.
var _ eventlog.Log = (*LogMiddleware)(nil)

// WrapLog wraps an event log with tracing.
func WrapLog(log eventlog.Log, tracer *Tracer) *LogMiddleware {
	return &LogMiddleware{
		log:    log,
		tracer: tracer,
	}
}

// InitialVersion returns the wrapped log's initial version.
func (m *LogMiddleware) InitialVersion() eventlog.Version {
	return m.log.InitialVersion()
}

// Append stores events with tracing.
func (m *LogMiddleware) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) (eventlog.AppendResult, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventlog.append",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("foldstream.service", m.tracer.serviceName),
		attribute.String("foldstream.stream_id", streamID),
		attribute.String("foldstream.expected_version", expected.String()),
		attribute.Int("foldstream.events.count", len(events)),
	)

	result, err := m.log.Append(ctx, streamID, txnID, expected, events)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String("foldstream.version", result.Meta.CurrentVersion.String()))
	}

	return result, err
}

// Read retrieves events with tracing.
func (m *LogMiddleware) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.StoredEvent, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventlog.read",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("foldstream.service", m.tracer.serviceName),
		attribute.String("foldstream.stream_id", streamID),
		attribute.String("foldstream.after_version", after.String()),
	)

	events, err := m.log.Read(ctx, streamID, after, limit)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Int("foldstream.events.count", len(events)))
	}

	return events, err
}

// Subscribe passes through to the wrapped log.
func (m *LogMiddleware) Subscribe(subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	return m.log.Subscribe(subscriber, handler, opts)
}

// SaveSnapshot stores a snapshot with tracing.
func (m *LogMiddleware) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	ctx, span := m.tracer.StartSpan(ctx, "eventlog.save_snapshot",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("foldstream.service", m.tracer.serviceName),
		attribute.String("foldstream.stream_id", streamID),
	)

	err := m.log.SaveSnapshot(ctx, streamID, snapshot)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// GetSnapshot retrieves a snapshot with tracing.
func (m *LogMiddleware) GetSnapshot(ctx context.Context, streamID string) (*eventlog.Snapshot, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventlog.get_snapshot",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("foldstream.service", m.tracer.serviceName),
		attribute.String("foldstream.stream_id", streamID),
	)

	snapshot, err := m.log.GetSnapshot(ctx, streamID)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Bool("foldstream.snapshot.found", snapshot != nil))
	}

	return snapshot, err
}

// Close closes the wrapped log.
func (m *LogMiddleware) Close() error {
	return m.log.Close()
}
