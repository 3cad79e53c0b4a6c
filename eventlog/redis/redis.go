// Package redis provides a Redis Streams implementation of the
// foldstream event log.
//
// Layout on the wire:
//
//	es:stream/<app>:<agg>:<id>   per-aggregate stream
//	es:stream/all-events         global fan-out stream
//	es:meta/<app>:<agg>:<id>     {current-version, last-txn-id}
//	es:snapshot/<app>:<agg>:<id> snapshot blob
//
// Each stream entry is a two-field map: "meta" holding the encoded
// {ts, version} record and "event" holding the encoded {type, data}
// record. On the per-aggregate stream the entry id is the assigned
// version "<base>-<batch>"; on the fan-out stream Redis generates it.
//
// Appends use WATCH/MULTI/EXEC on the metadata key for optimistic
// concurrency; subscriptions use consumer groups driven by a bounded
// worker pool.
package redis

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/foldstream/foldstream/eventlog"
)

// Key prefixes, fixed for compatibility across implementations.
const (
	streamKeyPrefix   = "es:stream/"
	metaKeyPrefix     = "es:meta/"
	snapshotKeyPrefix = "es:snapshot/"
)

const readBatchSize = 100

// Ensure Log implements the contract.
var _ eventlog.Log = (*Log)(nil)

// Options configures a redis event log.
type Options struct {
	// URL is the connection spec, e.g. "redis://localhost:6379/0".
	// Ignored when Client is set.
	URL string

	// Client is an existing client to use. When nil a client is opened
	// from URL and closed together with the log.
	Client *goredis.Client

	// PoolSize and MinIdleConns are passed to the client opened from URL.
	PoolSize     int
	MinIdleConns int

	// Codec encodes entry values, stream metadata and snapshots.
	// Defaults to eventlog.JSONCodec.
	Codec eventlog.Codec

	// Workers bounds the pool driving all subscriptions. Default 10.
	Workers int

	// InitialDelay is how long a subscription waits before its first
	// tick. Default 5s.
	InitialDelay time.Duration

	// TickInterval is the delay between subscription ticks. Default 1s.
	TickInterval time.Duration

	// Logger receives subscription handler failures and transport
	// errors. Defaults to a no-op logger.
	Logger eventlog.Logger
}

// Log is a Redis Streams event log.
type Log struct {
	client     *goredis.Client
	ownsClient bool
	codec      eventlog.Codec
	logger     eventlog.Logger

	pool         *workerPool
	initialDelay time.Duration
	tick         time.Duration

	closed atomic.Bool
}

// Open creates a redis event log from the given options.
func Open(opts Options) (*Log, error) {
	client := opts.Client
	ownsClient := false
	if client == nil {
		connOpts, err := goredis.ParseURL(opts.URL)
		if err != nil {
			return nil, &eventlog.BackendError{Op: "parse connection spec", Err: err}
		}
		if opts.PoolSize > 0 {
			connOpts.PoolSize = opts.PoolSize
		}
		if opts.MinIdleConns > 0 {
			connOpts.MinIdleConns = opts.MinIdleConns
		}
		client = goredis.NewClient(connOpts)
		ownsClient = true
	}

	codec := opts.Codec
	if codec == nil {
		codec = eventlog.JSONCodec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = eventlog.NopLogger()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 10
	}
	initialDelay := opts.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 5 * time.Second
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = time.Second
	}

	return &Log{
		client:       client,
		ownsClient:   ownsClient,
		codec:        codec,
		logger:       logger,
		pool:         newWorkerPool(workers),
		initialDelay: initialDelay,
		tick:         tick,
	}, nil
}

func streamKey(streamID string) string   { return streamKeyPrefix + streamID }
func metaKey(streamID string) string     { return metaKeyPrefix + streamID }
func snapshotKey(streamID string) string { return snapshotKeyPrefix + streamID }

// wireEvent is the encoded "event" field of a stream entry.
type wireEvent struct {
	Type string         `json:"type" msgpack:"type"`
	Data map[string]any `json:"data" msgpack:"data"`
}

// InitialVersion returns the version denoting "no events yet".
func (l *Log) InitialVersion() eventlog.Version {
	return eventlog.Initial
}

// Append atomically appends events to a stream.
//
// The metadata key is WATCHed, read, and checked: a repeated txn-id
// short-circuits with the stored metadata; an expected-version mismatch
// fails with a ConcurrencyError. Otherwise a MULTI/EXEC transaction
// writes the new metadata, adds each event to the per-aggregate stream
// under its assigned version and to the fan-out stream under a
// Redis-generated id. An aborted EXEC means another writer won the race
// and is reported as a ConcurrencyError.
func (l *Log) Append(ctx context.Context, streamID, txnID string, expected eventlog.Version, events []eventlog.Event) (eventlog.AppendResult, error) {
	if l.closed.Load() {
		return eventlog.AppendResult{}, eventlog.ErrClosed
	}
	if streamID == "" {
		return eventlog.AppendResult{}, eventlog.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return eventlog.AppendResult{}, eventlog.ErrNoEvents
	}

	var result eventlog.AppendResult

	txf := func(tx *goredis.Tx) error {
		meta, err := l.readMeta(ctx, tx.Get(ctx, metaKey(streamID)))
		if err != nil {
			return err
		}

		if txnID != "" && meta.LastTxnID == txnID {
			result = eventlog.AppendResult{Meta: meta}
			return nil
		}

		if meta.CurrentVersion != expected {
			return &eventlog.ConcurrencyError{
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

		newMeta := eventlog.StreamMeta{
			CurrentVersion: stored[len(stored)-1].Meta.Version,
			LastTxnID:      txnID,
		}
		metaBlob, err := l.codec.Marshal(newMeta)
		if err != nil {
			return &eventlog.BackendError{Op: "encode stream metadata", Err: err}
		}

		entries := make([]map[string]any, len(stored))
		for i, ev := range stored {
			entryMeta, err := l.codec.Marshal(ev.Meta)
			if err != nil {
				return &eventlog.BackendError{Op: "encode event metadata", Err: err}
			}
			entryEvent, err := l.codec.Marshal(wireEvent{Type: ev.Type, Data: ev.Data})
			if err != nil {
				return &eventlog.BackendError{Op: "encode event", Err: err}
			}
			entries[i] = map[string]any{"meta": entryMeta, "event": entryEvent}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, metaKey(streamID), metaBlob, 0)
			for i, ev := range stored {
				pipe.XAdd(ctx, &goredis.XAddArgs{
					Stream: streamKey(streamID),
					ID:     ev.Meta.Version.String(),
					Values: entries[i],
				})
				pipe.XAdd(ctx, &goredis.XAddArgs{
					Stream: streamKey(eventlog.AllStream),
					ID:     "*",
					Values: entries[i],
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = eventlog.AppendResult{Events: stored, Meta: newMeta}
		return nil
	}

	err := l.client.Watch(ctx, txf, metaKey(streamID))
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, goredis.TxFailedErr):
		// Another writer committed between WATCH and EXEC.
		return eventlog.AppendResult{}, &eventlog.ConcurrencyError{
			StreamID: streamID,
			Expected: expected,
			Actual:   l.currentVersion(ctx, streamID),
		}
	case errors.Is(err, eventlog.ErrConcurrency), errors.Is(err, eventlog.ErrBackend):
		return eventlog.AppendResult{}, err
	default:
		return eventlog.AppendResult{}, &eventlog.BackendError{Op: "append", Err: err}
	}
}

func (l *Log) readMeta(ctx context.Context, cmd *goredis.StringCmd) (eventlog.StreamMeta, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return eventlog.StreamMeta{}, nil
	}
	if err != nil {
		return eventlog.StreamMeta{}, &eventlog.BackendError{Op: "read stream metadata", Err: err}
	}
	var meta eventlog.StreamMeta
	if err := l.codec.Unmarshal(raw, &meta); err != nil {
		return eventlog.StreamMeta{}, &eventlog.BackendError{Op: "decode stream metadata", Err: err}
	}
	return meta, nil
}

// currentVersion reads the stream's current version for error reporting.
func (l *Log) currentVersion(ctx context.Context, streamID string) eventlog.Version {
	meta, err := l.readMeta(ctx, l.client.Get(ctx, metaKey(streamID)))
	if err != nil {
		return eventlog.Initial
	}
	return meta.CurrentVersion
}

// Read returns events with version strictly greater than after.
func (l *Log) Read(ctx context.Context, streamID string, after eventlog.Version, limit int) ([]eventlog.StoredEvent, error) {
	if l.closed.Load() {
		return nil, eventlog.ErrClosed
	}
	if streamID == "" {
		return nil, eventlog.ErrEmptyStreamID
	}

	// The smallest id greater than after is an inclusive lower bound
	// equivalent to the exclusive read the contract asks for.
	start := after.Next().String()

	var (
		msgs []goredis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = l.client.XRangeN(ctx, streamKey(streamID), start, "+", int64(limit)).Result()
	} else {
		msgs, err = l.client.XRange(ctx, streamKey(streamID), start, "+").Result()
	}
	if err != nil {
		return nil, &eventlog.BackendError{Op: "read stream", Err: err}
	}

	events := make([]eventlog.StoredEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := l.decodeEntry(streamID, msg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *Log) decodeEntry(streamID string, msg goredis.XMessage) (eventlog.StoredEvent, error) {
	metaRaw, ok := msg.Values["meta"].(string)
	if !ok {
		return eventlog.StoredEvent{}, &eventlog.BackendError{Op: "decode entry", Err: errors.New("missing meta field in entry " + msg.ID)}
	}
	eventRaw, ok := msg.Values["event"].(string)
	if !ok {
		return eventlog.StoredEvent{}, &eventlog.BackendError{Op: "decode entry", Err: errors.New("missing event field in entry " + msg.ID)}
	}

	var meta eventlog.Meta
	if err := l.codec.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return eventlog.StoredEvent{}, &eventlog.BackendError{Op: "decode event metadata", Err: err}
	}
	var ev wireEvent
	if err := l.codec.Unmarshal([]byte(eventRaw), &ev); err != nil {
		return eventlog.StoredEvent{}, &eventlog.BackendError{Op: "decode event", Err: err}
	}

	return eventlog.StoredEvent{
		StreamID: streamID,
		Type:     ev.Type,
		Data:     ev.Data,
		Meta:     meta,
	}, nil
}

// SaveSnapshot stores (overwriting) the snapshot for a stream.
func (l *Log) SaveSnapshot(ctx context.Context, streamID string, snapshot eventlog.Snapshot) error {
	if l.closed.Load() {
		return eventlog.ErrClosed
	}
	blob, err := l.codec.Marshal(snapshot)
	if err != nil {
		return &eventlog.BackendError{Op: "encode snapshot", Err: err}
	}
	if err := l.client.Set(ctx, snapshotKey(streamID), blob, 0).Err(); err != nil {
		return &eventlog.BackendError{Op: "save snapshot", Err: err}
	}
	return nil
}

// GetSnapshot returns the snapshot for a stream, or nil when absent.
func (l *Log) GetSnapshot(ctx context.Context, streamID string) (*eventlog.Snapshot, error) {
	if l.closed.Load() {
		return nil, eventlog.ErrClosed
	}
	raw, err := l.client.Get(ctx, snapshotKey(streamID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &eventlog.BackendError{Op: "read snapshot", Err: err}
	}
	var snapshot eventlog.Snapshot
	if err := l.codec.Unmarshal(raw, &snapshot); err != nil {
		return nil, &eventlog.BackendError{Op: "decode snapshot", Err: err}
	}
	return &snapshot, nil
}

// Close stops the worker pool, halting all subscriptions, and closes the
// client when the log owns it.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.pool.stop()
	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

// isBusyGroup reports whether err is the XGROUP CREATE "group already
// exists" reply.
func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
