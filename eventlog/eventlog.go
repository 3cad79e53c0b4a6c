// Package eventlog defines the storage contract for foldstream event logs.
//
// A Log persists ordered, immutable event streams with optimistic
// concurrency control on append, durable subscription cursors, and
// optional per-stream snapshots. Backends implement this interface;
// the foldstream runtime is written against it and does not care which
// backend is in use. The redis subpackage provides the production
// adapter, the memory subpackage an in-process one for development and
// tests.
package eventlog

import (
	"context"
	"errors"
	"fmt"
)

// AllStream is the global fan-out stream. Every appended event is
// written to its aggregate stream and to this stream; it is the default
// source for subscriptions.
const AllStream = "all-events"

// Sentinel errors for log implementations. Backends should return these
// (or errors matching via errors.Is) so callers can handle failures
// uniformly.
var (
	// ErrConcurrency is returned when an append's expected version does
	// not match the stream's current version, or a conflicting writer
	// won the race mid-transaction.
	ErrConcurrency = errors.New("eventlog: concurrency conflict")

	// ErrBackend is returned for transport or storage failures.
	ErrBackend = errors.New("eventlog: backend failure")

	// ErrClosed is returned when operations are attempted on a closed log.
	ErrClosed = errors.New("eventlog: log is closed")

	// ErrEmptyStreamID is returned when an empty stream id is provided.
	ErrEmptyStreamID = errors.New("eventlog: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("eventlog: no events to append")
)

// ConcurrencyError reports an optimistic concurrency failure on append.
type ConcurrencyError struct {
	StreamID string
	Expected Version
	Actual   Version
}

// Error returns the error message.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("eventlog: concurrency conflict on stream %q: expected version %s, actual version %s",
		e.StreamID, e.Expected, e.Actual)
}

// Is reports whether this error matches the target error.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrency
}

// BackendError wraps a transport or storage failure with the operation
// that produced it.
type BackendError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *BackendError) Error() string {
	return fmt.Sprintf("eventlog: %s: %v", e.Op, e.Err)
}

// Is reports whether this error matches the target error.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Event is an event to be appended. Meta is assigned by the log during
// append so that the version reflects true append order.
type Event struct {
	// Type is the event type identifier (e.g. "account-opened").
	Type string

	// Data is the event payload.
	Data map[string]any
}

// Meta is the per-event metadata assigned on append.
type Meta struct {
	// TS is the append timestamp in Unix milliseconds.
	TS int64 `json:"ts" msgpack:"ts"`

	// Version is the event's position within its aggregate stream.
	Version Version `json:"version" msgpack:"version"`
}

// StoredEvent is a persisted event read back from a stream.
type StoredEvent struct {
	// StreamID is the stream the event was read from.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the event payload.
	Data map[string]any

	// Meta is the metadata assigned during append.
	Meta Meta
}

// StreamMeta is the per-stream metadata record used for optimistic
// concurrency and duplicate-append suppression.
type StreamMeta struct {
	// CurrentVersion is the version of the last event appended.
	CurrentVersion Version `json:"current-version" msgpack:"current-version"`

	// LastTxnID is the transaction id of the last successful append.
	LastTxnID string `json:"last-txn-id" msgpack:"last-txn-id"`
}

// AppendResult is the outcome of a successful (or idempotently repeated)
// append. On an idempotent repeat Events is nil and Meta holds the
// previously recorded metadata.
type AppendResult struct {
	Events []StoredEvent
	Meta   StreamMeta
}

// Snapshot is an opaque per-stream snapshot of aggregate state.
// Rehydration starts from the snapshot's version when one exists.
type Snapshot struct {
	Meta Meta           `json:"meta" msgpack:"meta"`
	Data map[string]any `json:"data" msgpack:"data"`
}

// StartPosition selects where a new subscription cursor begins.
type StartPosition int

const (
	// StartOrigin delivers every event in the stream from the beginning.
	StartOrigin StartPosition = iota

	// StartLatest delivers only events appended after the cursor is created.
	StartLatest
)

// String returns the string representation of the start position.
func (p StartPosition) String() string {
	switch p {
	case StartLatest:
		return "latest"
	default:
		return "origin"
	}
}

// ParseStartPosition parses "origin" or "latest".
func ParseStartPosition(s string) (StartPosition, error) {
	switch s {
	case "origin", "":
		return StartOrigin, nil
	case "latest":
		return StartLatest, nil
	default:
		return StartOrigin, fmt.Errorf("eventlog: unknown start position %q", s)
	}
}

// Handler consumes events delivered by a subscription. Delivery is
// at-least-once; handlers must tolerate redelivery. A non-nil error is
// logged by the log implementation but does not suppress acknowledgement.
type Handler func(ctx context.Context, event StoredEvent) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// StartFrom selects where the cursor begins when the subscriber
	// first attaches. An existing cursor always wins.
	StartFrom StartPosition

	// Stream is the source stream. Empty means AllStream.
	Stream string
}

// Log is the storage contract for an event log.
//
// The contract is intentionally narrow so backends other than Redis
// (a durable file log, a relational table with serialized writes) can
// be swapped in.
type Log interface {
	// InitialVersion returns the canonical value denoting "no events yet".
	InitialVersion() Version

	// Append atomically appends events to a stream.
	//
	// If the stream's recorded last transaction id equals txnID the call
	// is an idempotent repeat: nothing is written and the prior metadata
	// is returned. Otherwise, if the stream's current version equals
	// expected, each event is assigned an increasing version, written to
	// the stream and to AllStream, and the metadata is updated in the
	// same transaction. Any other state fails with a ConcurrencyError
	// and no partial write.
	Append(ctx context.Context, streamID, txnID string, expected Version, events []Event) (AppendResult, error)

	// Read returns events with version strictly greater than after, in
	// order. limit <= 0 means no limit.
	Read(ctx context.Context, streamID string, after Version, limit int) ([]StoredEvent, error)

	// Subscribe registers a durable cursor named subscriber and invokes
	// handler for each event in order with at-least-once delivery.
	// Re-subscribing with the same name continues from the persisted
	// cursor. Delivery starts once the log's workers are running and
	// stops when the log is closed.
	Subscribe(subscriber string, handler Handler, opts SubscribeOptions) error

	// SaveSnapshot stores (overwriting) the snapshot for a stream.
	SaveSnapshot(ctx context.Context, streamID string, snapshot Snapshot) error

	// GetSnapshot returns the snapshot for a stream, or nil when absent.
	GetSnapshot(ctx context.Context, streamID string) (*Snapshot, error)

	// Close stops subscription delivery and releases resources.
	Close() error
}

// Logger is the logging interface used by log implementations.
// Arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }
