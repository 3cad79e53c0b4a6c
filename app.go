package foldstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/foldstream/foldstream/eventlog"
	"github.com/foldstream/foldstream/eventlog/memory"
	"github.com/foldstream/foldstream/eventlog/redis"
)

// DispatchFunc is the dispatch signature wrapped by middleware.
type DispatchFunc func(ctx context.Context, command string, data map[string]any) ([]Event, error)

// Middleware wraps dispatch, e.g. for metrics or tracing. Middleware
// runs outside the interceptor chain and therefore observes every
// outcome, including validation failures and concurrency conflicts.
type Middleware func(next DispatchFunc) DispatchFunc

// SubscriptionContext is passed to subscription handlers.
type SubscriptionContext struct {
	// Context is the delivery context.
	Context context.Context

	// App is the running application.
	App *App

	// Subscriber is the durable subscriber name.
	Subscriber string

	// StreamID is the aggregate stream the event was appended to.
	StreamID string
}

// App is a running application: a name, a registry, and an open event
// log with its subscriptions attached.
type App struct {
	name     string
	registry *Registry
	log      eventlog.Log
	ownsLog  bool
	logger   Logger
	dispatch DispatchFunc
	stopped  atomic.Bool
}

// Option configures StartApplication.
type Option func(*appOptions)

type appOptions struct {
	registry   *Registry
	logger     Logger
	log        eventlog.Log
	middleware []Middleware
}

// WithRegistry runs the application against an explicit registry
// instead of the package-level default.
func WithRegistry(reg *Registry) Option {
	return func(o *appOptions) { o.registry = reg }
}

// WithLogger sets the application logger.
func WithLogger(logger Logger) Option {
	return func(o *appOptions) { o.logger = logger }
}

// WithLog supplies a pre-built event log, bypassing the configured
// backend. The application does not close a supplied log on Stop.
func WithLog(log eventlog.Log) Option {
	return func(o *appOptions) { o.log = log }
}

// WithMiddleware appends dispatch middleware, applied in order: the
// first middleware given is the outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *appOptions) { o.middleware = append(o.middleware, mw...) }
}

// StartApplication constructs the configured event-store backend,
// registers the running application on the registry, and attaches every
// registered subscription. Only one application may run per registry.
func StartApplication(name string, cfg Config, opts ...Option) (*App, error) {
	if name == "" {
		return nil, fmt.Errorf("foldstream: application name is required")
	}

	options := appOptions{
		registry: defaultRegistry,
		logger:   NopLogger(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	app := &App{
		name:     name,
		registry: options.registry,
		logger:   options.logger,
	}

	if options.log != nil {
		app.log = options.log
	} else {
		log, err := openLog(cfg.EventStore, options.logger)
		if err != nil {
			return nil, err
		}
		app.log = log
		app.ownsLog = true
	}

	app.dispatch = app.dispatchPipeline
	for i := len(options.middleware) - 1; i >= 0; i-- {
		app.dispatch = options.middleware[i](app.dispatch)
	}

	if err := app.registry.setApp(app); err != nil {
		if app.ownsLog {
			app.log.Close()
		}
		return nil, err
	}

	if err := app.attachSubscriptions(); err != nil {
		app.registry.clearApp(app)
		if app.ownsLog {
			app.log.Close()
		}
		return nil, err
	}

	app.logger.Info("application started", "app", name, "store", cfg.EventStore.Type)
	return app, nil
}

func openLog(cfg EventStoreConfig, logger Logger) (eventlog.Log, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(redis.Options{
			URL:          cfg.Spec,
			PoolSize:     cfg.Pool.Size,
			MinIdleConns: cfg.Pool.MinIdle,
			Logger:       logger,
		})
	case "memory", "":
		return memory.New(memory.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("foldstream: unknown event store type %q", cfg.Type)
	}
}

// attachSubscriptions registers every (event, subscription) pair from
// the registry on the event log. The fan-out stream carries all event
// types; each attachment filters down to its own type.
func (a *App) attachSubscriptions() error {
	for _, event := range a.registry.Events() {
		for _, sub := range event.Subscriptions {
			eventType := event.Name
			handler := sub.Handler
			subscriber := sub.Subscriber

			logHandler := func(ctx context.Context, stored eventlog.StoredEvent) error {
				if stored.Type != eventType {
					return nil
				}
				sc := &SubscriptionContext{
					Context:    ctx,
					App:        a,
					Subscriber: subscriber,
					StreamID:   stored.StreamID,
				}
				return handler(sc, Event{Type: stored.Type, Data: stored.Data, Meta: stored.Meta})
			}

			err := a.log.Subscribe(subscriber, logHandler, eventlog.SubscribeOptions{
				StartFrom: sub.StartFrom,
				Stream:    sub.Stream,
			})
			if err != nil {
				return fmt.Errorf("foldstream: subscription %q on %q: %w", subscriber, eventType, err)
			}
		}
	}
	return nil
}

// Name returns the application name used as the stream id prefix.
func (a *App) Name() string { return a.name }

// Log exposes the application's event log.
func (a *App) Log() eventlog.Log { return a.log }

// Stop closes the event log, halting subscription delivery, and clears
// the registry's application pointer. Stop is idempotent.
func (a *App) Stop() error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.registry.clearApp(a)
	var err error
	if a.ownsLog {
		err = a.log.Close()
	}
	a.logger.Info("application stopped", "app", a.name)
	return err
}

// StopApplication stops the given application.
func StopApplication(app *App) error {
	return app.Stop()
}

// Dispatch executes a command synchronously: resolve, validate input,
// run the pipeline, return the appended events with their metadata. An
// empty slice means the handler chose to emit nothing.
//
// There is no automatic retry; on ErrConcurrency the typical response
// is to dispatch again with the same data.
func (a *App) Dispatch(ctx context.Context, command string, data map[string]any) ([]Event, error) {
	if a.stopped.Load() {
		return nil, ErrApplicationNotStarted
	}
	return a.dispatch(ctx, command, data)
}

func (a *App) dispatchPipeline(ctx context.Context, command string, data map[string]any) ([]Event, error) {
	cmd, ok := a.registry.Command(command)
	if !ok {
		return nil, &CommandUnknownError{Command: command}
	}
	if data == nil {
		data = map[string]any{}
	}
	if ok, explain := validateSchema(cmd.Schema, data); !ok {
		return nil, &CommandInvalidError{Command: command, Explain: explain}
	}
	return a.runPipeline(ctx, cmd, data)
}

// SaveSnapshot rehydrates an aggregate instance and stores the result
// as its stream's snapshot, replacing any previous one.
func (a *App) SaveSnapshot(ctx context.Context, aggregate string, id any) error {
	agg, ok := a.registry.Aggregate(aggregate)
	if !ok {
		return &AggregateUnknownError{Aggregate: aggregate}
	}
	streamID := BuildStreamID(a.name, aggregate, id)
	state, err := rehydrate(ctx, a.log, a.registry, agg, streamID)
	if err != nil {
		return err
	}
	snapshot := eventlog.Snapshot{
		Meta: eventlog.Meta{TS: time.Now().UnixMilli(), Version: state.Meta.CurrentVersion},
		Data: state.Data,
	}
	return a.log.SaveSnapshot(ctx, streamID, snapshot)
}

// Dispatch executes a command on the default registry's running
// application.
func Dispatch(ctx context.Context, command string, data map[string]any) ([]Event, error) {
	app, ok := defaultRegistry.App()
	if !ok {
		return nil, ErrApplicationNotStarted
	}
	return app.Dispatch(ctx, command, data)
}
