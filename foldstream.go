// Package foldstream is a runtime for building event-sourced
// applications in Go.
//
// Applications define aggregates (transactionally-consistent entities
// keyed by an id), commands (named requests to mutate an aggregate),
// events (immutable facts emitted by commands), and subscriptions
// (asynchronous event consumers). Dispatching a command rehydrates the
// aggregate by folding its event stream, runs the command handler
// through an interceptor chain, validates the resulting state, and
// atomically appends the new events with optimistic concurrency
// control. Subscriptions deliver appended events to background handlers
// with at-least-once semantics.
//
// # Quick start
//
// Register an aggregate and a command, then start an application:
//
//	foldstream.DefineAggregate(foldstream.AggregateConfig{
//	    Name:    "bank-account",
//	    IDField: "account-id",
//	})
//
//	foldstream.DefineCommand(foldstream.CommandConfig{
//	    Name:      "open-account",
//	    Aggregate: "bank-account",
//	    Events:    []foldstream.EventDef{{Name: "account-opened"}},
//	    Handler: func(state foldstream.State, data map[string]any) (any, error) {
//	        return foldstream.Emitted{
//	            Type: "account-opened",
//	            Data: map[string]any{
//	                "account-id":   uuid.NewString(),
//	                "account-type": data["account-type"],
//	                "balance":      0.0,
//	            },
//	        }, nil
//	    },
//	})
//
//	app, err := foldstream.StartApplication("bank", foldstream.Config{
//	    EventStore: foldstream.EventStoreConfig{
//	        Type: "redis",
//	        Spec: "redis://localhost:6379/0",
//	    },
//	})
//	defer foldstream.StopApplication(app)
//
//	events, err := foldstream.Dispatch(ctx, "open-account",
//	    map[string]any{"account-type": "checking"})
//
// Aggregate state is derived purely by folding the stream: each event
// type may register a reducer, and events without one fall back to a
// recursive deep merge. Current state is read back with GetAggregate.
//
// # Backends
//
// The event log is pluggable through the eventlog package. The redis
// backend (event-store type "redis") is the production adapter and
// fixes an on-wire layout shared with other implementations; the memory
// backend ("memory") serves development and tests.
package foldstream

import "github.com/foldstream/foldstream/eventlog"

// Version returns the library version string.
func Version() string {
	return "0.3.0"
}

// Logger is the logging interface used by the runtime and its backends.
// Arguments are alternating key/value pairs.
type Logger = eventlog.Logger

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return eventlog.NopLogger() }
