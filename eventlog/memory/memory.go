// Package memory provides an in-memory implementation of the foldstream
// event log. It is primarily intended for testing and development.
//
// Subscription cursors are durable for the lifetime of the process:
// re-subscribing under the same name continues where the previous
// subscription left off, but cursors do not survive a restart. Use the
// redis adapter when restart durability matters.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/foldstream/foldstream/eventlog"
)

// Ensure Log implements the contract.
var _ eventlog.Log = (*Log)(nil)

// Log is an in-memory event log. It is safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	streams   map[string][]eventlog.StoredEvent
	meta      map[string]eventlog.StreamMeta
	snapshots map[string]eventlog.Snapshot
	cursors   map[string]int
	closed    bool

	pollInterval time.Duration
	logger       eventlog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithPollInterval sets how often subscriptions poll for new events.
func WithPollInterval(d time.Duration) Option {
	return func(l *Log) {
		l.pollInterval = d
	}
}

// WithLogger sets the logger used for subscription handler failures.
func WithLogger(logger eventlog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// New creates a new in-memory event log.
func New(opts ...Option) *Log {
	l := &Log{
		streams:      make(map[string][]eventlog.StoredEvent),
		meta:         make(map[string]eventlog.StreamMeta),
		snapshots:    make(map[string]eventlog.Snapshot),
		cursors:      make(map[string]int),
		pollInterval: 20 * time.Millisecond,
		logger:       eventlog.NopLogger(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InitialVersion returns the version denoting "no events yet".
func (l *Log) InitialVersion() eventlog.Version {
	return eventlog.Initial
}

// Append atomically appends events to a stream with optimistic
// concurrency control and txn-id idempotency.
func (l *Log) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) (eventlog.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return eventlog.AppendResult{}, err
	}
	if streamID == "" {
		return eventlog.AppendResult{}, eventlog.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return eventlog.AppendResult{}, eventlog.ErrNoEvents
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return eventlog.AppendResult{}, eventlog.ErrClosed
	}

	meta := l.meta[streamID]

	// Duplicate append suppression: a repeated txn-id returns the prior
	// metadata without writing anything.
	if txnID != "" && meta.LastTxnID == txnID {
		return eventlog.AppendResult{Meta: meta}, nil
	}

	if meta.CurrentVersion != expected {
		return eventlog.AppendResult{}, &eventlog.ConcurrencyError{
			StreamID: streamID,
			Expected: expected,
			Actual:   meta.CurrentVersion,
		}
	}

	base := meta.CurrentVersion.Base + 1
	now := time.Now().UnixMilli()

	stored := make([]eventlog.StoredEvent, len(events))
	for i, ev := range events {
		stored[i] = eventlog.StoredEvent{
			StreamID: streamID,
			Type:     ev.Type,
			Data:     ev.Data,
			Meta: eventlog.Meta{
				TS:      now,
				Version: eventlog.Version{Base: base, Batch: int64(i)},
			},
		}
	}

	l.streams[streamID] = append(l.streams[streamID], stored...)
	l.streams[eventlog.AllStream] = append(l.streams[eventlog.AllStream], stored...)

	newMeta := eventlog.StreamMeta{
		CurrentVersion: stored[len(stored)-1].Meta.Version,
		LastTxnID:      txnID,
	}
	l.meta[streamID] = newMeta

	return eventlog.AppendResult{Events: stored, Meta: newMeta}, nil
}

// Read returns events with version strictly greater than after.
func (l *Log) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, eventlog.ErrEmptyStreamID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, eventlog.ErrClosed
	}

	var events []eventlog.StoredEvent
	for _, ev := range l.streams[streamID] {
		if ev.Meta.Version.Compare(after) > 0 {
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
	}
	return events, nil
}

// Meta returns the current stream metadata. Useful in tests.
func (l *Log) Meta(streamID string) eventlog.StreamMeta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta[streamID]
}

// Subscribe registers a durable cursor and starts a polling worker that
// delivers events to handler in order. Handler errors are logged and the
// cursor advances anyway (at-least-once, no redelivery on handler
// failure).
func (l *Log) Subscribe(subscriber string, handler eventlog.Handler, opts eventlog.SubscribeOptions) error {
	stream := opts.Stream
	if stream == "" {
		stream = eventlog.AllStream
	}
	key := subscriber + "|" + stream

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return eventlog.ErrClosed
	}
	if _, exists := l.cursors[key]; !exists {
		cursor := 0
		if opts.StartFrom == eventlog.StartLatest {
			cursor = len(l.streams[stream])
		}
		l.cursors[key] = cursor
	}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.deliver(key, stream, subscriber, handler)
	return nil
}

func (l *Log) deliver(key, stream, subscriber string, handler eventlog.Handler) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			for {
				// Claim one event at a time so that a second poller on
				// the same cursor never delivers twice or over-advances.
				l.mu.Lock()
				if l.closed {
					l.mu.Unlock()
					return
				}
				events := l.streams[stream]
				cursor := l.cursors[key]
				if cursor >= len(events) {
					l.mu.Unlock()
					break
				}
				ev := events[cursor]
				// Advance regardless of handler outcome: delivery is
				// at-least-once but a failing handler is not retried.
				l.cursors[key] = cursor + 1
				l.mu.Unlock()

				if err := handler(context.Background(), ev); err != nil {
					l.logger.Error("subscription handler failed",
						"subscriber", subscriber,
						"stream", stream,
						"event", ev.Type,
						"version", ev.Meta.Version.String(),
						"error", err,
					)
				}
			}
		}
	}
}

// SaveSnapshot stores (overwriting) the snapshot for a stream.
func (l *Log) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return eventlog.ErrClosed
	}
	l.snapshots[streamID] = snapshot
	return nil
}

// GetSnapshot returns the snapshot for a stream, or nil when absent.
func (l *Log) GetSnapshot(ctx context.Context, streamID string) (*eventlog.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, eventlog.ErrClosed
	}
	snapshot, exists := l.snapshots[streamID]
	if !exists {
		return nil, nil
	}
	return &snapshot, nil
}

// Close stops subscription delivery. Further operations fail with
// ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
	return nil
}

// Reset clears all data and cursors. Useful for testing.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streams = make(map[string][]eventlog.StoredEvent)
	l.meta = make(map[string]eventlog.StreamMeta)
	l.snapshots = make(map[string]eventlog.Snapshot)
	l.cursors = make(map[string]int)
}
