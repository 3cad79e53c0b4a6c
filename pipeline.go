package foldstream

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/foldstream/foldstream/eventlog"
)

// CommandContext is threaded through the interceptor chain during a
// single command execution. Built-in interceptors populate StreamID,
// State, Meta and Events; user interceptors may read and extend any of
// them, and may stash cross-phase values in Values.
type CommandContext struct {
	// Context is the dispatch caller's context.
	Context context.Context

	// Command is the resolved command under execution.
	Command ResolvedCommand

	// Data is the validated command input. The aggregate id field is
	// guaranteed to be set once the context interceptor has entered.
	Data map[string]any

	// StreamID is the full stream id of the target aggregate instance.
	StreamID string

	// State holds rehydrated aggregate data keyed by aggregate name.
	State State

	// Meta holds stream metadata keyed by aggregate name, as observed
	// during rehydration.
	Meta map[string]eventlog.StreamMeta

	// Events is the handler's normalized output.
	Events []Emitted

	// Log is the running application's event log.
	Log eventlog.Log

	// Values is scratch space for user interceptors.
	Values map[string]any

	registry *Registry
	result   []Event
}

// Interceptor wraps command execution. Enter phases run outermost to
// innermost before the handler; Leave phases run in reverse order after
// it. An error from either phase aborts the pipeline immediately, so a
// Leave is only reached when everything inside it succeeded.
type Interceptor interface {
	Enter(pc *CommandContext) error
	Leave(pc *CommandContext) error
}

// InterceptorFuncs adapts plain functions to the Interceptor
// interface. A nil phase is a no-op.
type InterceptorFuncs struct {
	OnEnter func(pc *CommandContext) error
	OnLeave func(pc *CommandContext) error
}

// Enter implements Interceptor.
func (f InterceptorFuncs) Enter(pc *CommandContext) error {
	if f.OnEnter == nil {
		return nil
	}
	return f.OnEnter(pc)
}

// Leave implements Interceptor.
func (f InterceptorFuncs) Leave(pc *CommandContext) error {
	if f.OnLeave == nil {
		return nil
	}
	return f.OnLeave(pc)
}

// runPipeline executes the interceptor chain for one command: the
// context interceptor outermost, the user's interceptors in declared
// order, the handler interceptor innermost.
func (a *App) runPipeline(ctx context.Context, cmd ResolvedCommand, data map[string]any) ([]Event, error) {
	pc := &CommandContext{
		Context:  ctx,
		Command:  cmd,
		Data:     data,
		State:    State{},
		Meta:     map[string]eventlog.StreamMeta{},
		Log:      a.log,
		Values:   map[string]any{},
		registry: a.registry,
	}

	chain := make([]Interceptor, 0, len(cmd.Interceptors)+2)
	chain = append(chain, &contextInterceptor{app: a})
	chain = append(chain, cmd.Interceptors...)
	chain = append(chain, handlerInterceptor{})

	for _, ic := range chain {
		if err := ic.Enter(pc); err != nil {
			return nil, err
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].Leave(pc); err != nil {
			return nil, err
		}
	}
	return pc.result, nil
}

// contextInterceptor brackets the chain: on enter it locates the target
// aggregate instance and rehydrates it; on leave it folds the emitted
// events, gates them on the aggregate schema, and appends them with the
// version observed at rehydration as the expected version.
type contextInterceptor struct {
	app *App
}

func (ci *contextInterceptor) Enter(pc *CommandContext) error {
	cmd := pc.Command
	agg := cmd.Aggregate

	// A command creating a new instance may omit the id; a fresh one is
	// generated and written back into the data so the handler sees it.
	id, present := pc.Data[cmd.IDField]
	if !present || id == nil {
		id = uuid.NewString()
		data := make(map[string]any, len(pc.Data)+1)
		for k, v := range pc.Data {
			data[k] = v
		}
		data[cmd.IDField] = id
		pc.Data = data
	}

	pc.StreamID = BuildStreamID(ci.app.name, agg.Name, id)

	state, err := rehydrate(pc.Context, pc.Log, pc.registry, agg, pc.StreamID)
	if err != nil {
		return err
	}
	pc.State[agg.Name] = state.Data
	pc.Meta[agg.Name] = state.Meta
	return nil
}

func (ci *contextInterceptor) Leave(pc *CommandContext) error {
	if len(pc.Events) == 0 {
		pc.result = []Event{}
		return nil
	}

	agg := pc.Command.Aggregate

	// Fold the emitted events over the rehydrated state and check the
	// would-be state before anything touches the log.
	folded := pc.State[agg.Name]
	for _, ev := range pc.Events {
		folded = pc.registry.Reducer(ev.Type)(folded, ev.Data)
	}
	if ok, explain := validateSchema(agg.Schema, folded); !ok {
		return &AggregateInvalidError{Aggregate: agg.Name, Explain: explain}
	}

	toAppend := make([]eventlog.Event, len(pc.Events))
	for i, ev := range pc.Events {
		toAppend[i] = eventlog.Event{Type: ev.Type, Data: ev.Data}
	}

	txnID := uuid.NewString()
	result, err := pc.Log.Append(pc.Context, pc.StreamID, txnID, pc.Meta[agg.Name].CurrentVersion, toAppend)
	if err != nil {
		return err
	}

	pc.result = make([]Event, len(result.Events))
	for i, stored := range result.Events {
		pc.result[i] = Event{Type: stored.Type, Data: stored.Data, Meta: stored.Meta}
	}
	return nil
}

// handlerInterceptor is the innermost link: it invokes the user handler
// and normalizes its return value into pc.Events.
type handlerInterceptor struct{}

func (handlerInterceptor) Enter(pc *CommandContext) error {
	ret, err := pc.Command.Handler(pc.State, pc.Data)
	if err != nil {
		var rule *BusinessRuleError
		if errors.As(err, &rule) {
			return err
		}
		return &BusinessRuleError{Cause: err}
	}

	events, err := normalizeEvents(pc.registry, pc.Command.Name, ret)
	if err != nil {
		return err
	}
	pc.Events = events
	return nil
}

func (handlerInterceptor) Leave(pc *CommandContext) error { return nil }
