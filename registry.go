package foldstream

import (
	"fmt"
	"sync"

	"github.com/foldstream/foldstream/eventlog"
)

// State is the aggregate state visible to handlers and interceptors,
// keyed by aggregate name. The pipeline's context interceptor places
// the rehydrated target aggregate here; interceptors may add more.
type State map[string]map[string]any

// Handler is a command handler. It receives the rehydrated state and
// the validated command data and returns the events to emit: a single
// Emitted, a []Emitted, or nil for "no events".
//
// Handlers must be deterministic; side-effectful enrichment belongs in
// interceptors, which place their outputs into the pipeline context.
type Handler func(state State, data map[string]any) (any, error)

// EventHandler consumes events delivered to a subscription. Delivery
// is at-least-once; a non-nil error is logged but the event is
// acknowledged anyway.
type EventHandler func(ctx *SubscriptionContext, event Event) error

// AggregateConfig describes an aggregate.
type AggregateConfig struct {
	// Name is the symbolic aggregate name.
	Name string

	// IDField is the data key holding the aggregate id, both in
	// command data and in resulting state.
	IDField string

	// Schema validates the aggregate state derived by folding its
	// stream. Appends producing a failing state are rejected.
	Schema Schema

	// Snapshots enables snapshot-aware rehydration for this aggregate.
	Snapshots bool

	// Doc is free-form documentation.
	Doc string
}

// EventDef declares an event a command may emit.
type EventDef struct {
	// Name is the event name.
	Name string

	// Schema validates the event payload produced by the handler.
	Schema Schema
}

// CommandConfig describes a command.
type CommandConfig struct {
	// Name is the command name used in Dispatch.
	Name string

	// Aggregate is the target aggregate name.
	Aggregate string

	// IDField overrides the aggregate's id field for this command.
	// Empty means inherit.
	IDField string

	// Schema validates the command input data.
	Schema Schema

	// Interceptors wrap the handler, in declared order.
	Interceptors []Interceptor

	// Events are the event names this command may emit, in order.
	Events []EventDef

	// Handler produces the events.
	Handler Handler
}

// EventConfig is the registered form of an event.
type EventConfig struct {
	// Name is the event name.
	Name string

	// Command is the originating command name.
	Command string

	// Schema validates the event payload.
	Schema Schema

	// Subscriptions are keyed by subscriber name.
	Subscriptions map[string]SubscriptionConfig
}

// SubscriptionConfig describes an asynchronous event consumer.
type SubscriptionConfig struct {
	// Subscriber names the durable cursor in the event log.
	Subscriber string

	// StartFrom selects where a first-time cursor begins.
	StartFrom eventlog.StartPosition

	// Handler consumes delivered events.
	Handler EventHandler

	// Stream overrides the source stream. Empty means the global
	// all-events fan-out.
	Stream string
}

// ResolvedCommand is a command config with its aggregate config
// inlined and the id field inherited, so the pipeline can work from a
// single record.
type ResolvedCommand struct {
	CommandConfig
	Aggregate AggregateConfig
}

// ResolvedEvent is an event config with its originating command
// inlined.
type ResolvedEvent struct {
	EventConfig
	Command ResolvedCommand
}

// Registry is the catalogue of aggregate, command and event
// configurations plus the per-event reducer map, and it tracks the
// currently running application. Entries are inserted during
// registration and treated as immutable for the life of the process;
// reads are frequent and contention-free after registration.
type Registry struct {
	mu         sync.RWMutex
	aggregates map[string]AggregateConfig
	commands   map[string]CommandConfig
	events     map[string]EventConfig
	reducers   map[string]Reducer
	app        *App
}

// NewRegistry creates an empty registry. Most applications use the
// package-level default; an explicit registry keeps tests isolated.
func NewRegistry() *Registry {
	return &Registry{
		aggregates: make(map[string]AggregateConfig),
		commands:   make(map[string]CommandConfig),
		events:     make(map[string]EventConfig),
		reducers:   make(map[string]Reducer),
	}
}

// defaultRegistry backs the package-level registration and dispatch
// functions.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// DefineAggregate registers an aggregate configuration.
func (r *Registry) DefineAggregate(cfg AggregateConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("foldstream: aggregate name is required")
	}
	if cfg.IDField == "" {
		return fmt.Errorf("foldstream: aggregate %q: id field is required", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aggregates[cfg.Name]; exists {
		return fmt.Errorf("foldstream: aggregate %q already defined", cfg.Name)
	}
	r.aggregates[cfg.Name] = cfg
	return nil
}

// DefineCommand registers a command configuration along with the
// events it emits. The target aggregate must already be defined.
func (r *Registry) DefineCommand(cfg CommandConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("foldstream: command name is required")
	}
	if cfg.Handler == nil {
		return fmt.Errorf("foldstream: command %q: handler is required", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aggregates[cfg.Aggregate]; !exists {
		return &AggregateUnknownError{Aggregate: cfg.Aggregate}
	}
	if _, exists := r.commands[cfg.Name]; exists {
		return fmt.Errorf("foldstream: command %q already defined", cfg.Name)
	}
	for _, ev := range cfg.Events {
		if ev.Name == "" {
			return fmt.Errorf("foldstream: command %q declares an unnamed event", cfg.Name)
		}
		if _, exists := r.events[ev.Name]; exists {
			return fmt.Errorf("foldstream: event %q already defined", ev.Name)
		}
	}

	r.commands[cfg.Name] = cfg
	for _, ev := range cfg.Events {
		r.events[ev.Name] = EventConfig{
			Name:          ev.Name,
			Command:       cfg.Name,
			Schema:        ev.Schema,
			Subscriptions: make(map[string]SubscriptionConfig),
		}
	}
	return nil
}

// DefineSubscription attaches a subscription to an event. Subscriptions
// registered after the application has started take effect the next
// time an application starts. Registering a second subscription under
// an existing subscriber name is permitted; the log-level consumer
// group is created once and shared.
func (r *Registry) DefineSubscription(eventName string, cfg SubscriptionConfig) error {
	if cfg.Subscriber == "" {
		return fmt.Errorf("foldstream: subscription on %q: subscriber name is required", eventName)
	}
	if cfg.Handler == nil {
		return fmt.Errorf("foldstream: subscription %q: handler is required", cfg.Subscriber)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	event, exists := r.events[eventName]
	if !exists {
		return fmt.Errorf("foldstream: subscription %q: unknown event %q", cfg.Subscriber, eventName)
	}
	event.Subscriptions[cfg.Subscriber] = cfg
	r.events[eventName] = event
	return nil
}

// RegisterReducer installs a per-event reducer overriding the default
// deep merge for that event type.
func (r *Registry) RegisterReducer(eventName string, reducer Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[eventName] = reducer
}

// Reducer returns the reducer for an event type, falling back to
// DeepMerge.
func (r *Registry) Reducer(eventName string) Reducer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reducer, ok := r.reducers[eventName]; ok {
		return reducer
	}
	return DeepMerge
}

// Aggregate returns an aggregate configuration.
func (r *Registry) Aggregate(name string) (AggregateConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.aggregates[name]
	return cfg, ok
}

// Command returns a command configuration with its aggregate inlined
// and the id field inherited when the command does not set one.
func (r *Registry) Command(name string) (ResolvedCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.commands[name]
	if !ok {
		return ResolvedCommand{}, false
	}
	agg := r.aggregates[cfg.Aggregate]
	if cfg.IDField == "" {
		cfg.IDField = agg.IDField
	}
	return ResolvedCommand{CommandConfig: cfg, Aggregate: agg}, true
}

// Event returns an event configuration with its originating command
// inlined.
func (r *Registry) Event(name string) (ResolvedEvent, bool) {
	r.mu.RLock()
	cfg, ok := r.events[name]
	r.mu.RUnlock()
	if !ok {
		return ResolvedEvent{}, false
	}
	command, _ := r.Command(cfg.Command)
	return ResolvedEvent{EventConfig: cfg, Command: command}, true
}

// Events returns all registered event configurations.
func (r *Registry) Events() []EventConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]EventConfig, 0, len(r.events))
	for _, cfg := range r.events {
		events = append(events, cfg)
	}
	return events
}

// App returns the currently running application, if any.
func (r *Registry) App() (*App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.app, r.app != nil
}

func (r *Registry) setApp(app *App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app != nil {
		return ErrApplicationRunning
	}
	r.app = app
	return nil
}

func (r *Registry) clearApp(app *App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == app {
		r.app = nil
	}
}

// Package-level registration bound to the default registry.

// DefineAggregate registers an aggregate on the default registry.
func DefineAggregate(cfg AggregateConfig) error {
	return defaultRegistry.DefineAggregate(cfg)
}

// DefineCommand registers a command on the default registry.
func DefineCommand(cfg CommandConfig) error {
	return defaultRegistry.DefineCommand(cfg)
}

// DefineSubscription attaches a subscription on the default registry.
func DefineSubscription(eventName string, cfg SubscriptionConfig) error {
	return defaultRegistry.DefineSubscription(eventName, cfg)
}

// RegisterReducer installs a per-event reducer on the default registry.
func RegisterReducer(eventName string, reducer Reducer) {
	defaultRegistry.RegisterReducer(eventName, reducer)
}
