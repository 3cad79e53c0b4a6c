package foldstream

import (
	"context"

	"github.com/foldstream/foldstream/eventlog"
)

// AggregateState is the outcome of rehydrating one aggregate instance:
// the folded data plus the stream metadata observed while folding. The
// metadata's version is what Dispatch later uses as the expected
// version for its append.
type AggregateState struct {
	// Meta carries the stream's current version and last transaction id
	// as of rehydration.
	Meta eventlog.StreamMeta

	// Data is the folded state. Never nil; an empty stream yields an
	// empty map.
	Data map[string]any
}

// rehydrate folds an aggregate stream into state. When the aggregate
// has snapshots enabled and one exists, folding resumes from the
// snapshot's version instead of the stream origin. Events fold through
// the registry's per-type reducers, defaulting to DeepMerge.
func rehydrate(ctx context.Context, log eventlog.Log, reg *Registry, agg AggregateConfig, streamID string) (AggregateState, error) {
	state := AggregateState{Data: map[string]any{}}
	after := log.InitialVersion()

	if agg.Snapshots {
		snap, err := log.GetSnapshot(ctx, streamID)
		if err != nil {
			return AggregateState{}, err
		}
		if snap != nil {
			state.Meta.CurrentVersion = snap.Meta.Version
			if snap.Data != nil {
				state.Data = snap.Data
			}
			after = snap.Meta.Version
		}
	}

	events, err := log.Read(ctx, streamID, after, 0)
	if err != nil {
		return AggregateState{}, err
	}
	for _, stored := range events {
		reducer := reg.Reducer(stored.Type)
		state.Data = reducer(state.Data, stored.Data)
		state.Meta.CurrentVersion = stored.Meta.Version
	}

	return state, nil
}

// GetAggregate rehydrates one aggregate instance and returns its
// current state. The aggregate must be registered; the id is
// stringified the same way Dispatch does it.
func (a *App) GetAggregate(ctx context.Context, aggregate string, id any) (AggregateState, error) {
	agg, ok := a.registry.Aggregate(aggregate)
	if !ok {
		return AggregateState{}, &AggregateUnknownError{Aggregate: aggregate}
	}
	streamID := BuildStreamID(a.name, aggregate, id)
	return rehydrate(ctx, a.log, a.registry, agg, streamID)
}

// GetAggregate rehydrates against the default registry's running
// application.
func GetAggregate(ctx context.Context, aggregate string, id any) (AggregateState, error) {
	app, ok := defaultRegistry.App()
	if !ok {
		return AggregateState{}, ErrApplicationNotStarted
	}
	return app.GetAggregate(ctx, aggregate, id)
}
