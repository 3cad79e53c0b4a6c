package foldstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldstream/foldstream/eventlog"
	"github.com/foldstream/foldstream/eventlog/memory"
)

// bankRegistry builds the bank-account fixture used across the
// application tests: open-account, deposit-money with a summing
// reducer, and change-account-type which no-ops when the type is
// already current.
func bankRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()

	require.NoError(t, reg.DefineAggregate(AggregateConfig{
		Name:    "bank-account",
		IDField: "account-id",
	}))

	require.NoError(t, reg.DefineCommand(CommandConfig{
		Name:      "open-account",
		Aggregate: "bank-account",
		Events:    []EventDef{{Name: "account-opened"}},
		Handler: func(state State, data map[string]any) (any, error) {
			return Emitted{Type: "account-opened", Data: map[string]any{
				"account-id":   data["account-id"],
				"account-type": data["account-type"],
				"balance":      0.0,
			}}, nil
		},
	}))

	require.NoError(t, reg.DefineCommand(CommandConfig{
		Name:      "deposit-money",
		Aggregate: "bank-account",
		Schema:    MapSchema{Required: []string{"account-id", "amount"}},
		Events:    []EventDef{{Name: "money-deposited"}},
		Handler: func(state State, data map[string]any) (any, error) {
			return Emitted{Type: "money-deposited", Data: data}, nil
		},
	}))

	require.NoError(t, reg.DefineCommand(CommandConfig{
		Name:      "change-account-type",
		Aggregate: "bank-account",
		Events:    []EventDef{{Name: "account-type-changed"}},
		Handler: func(state State, data map[string]any) (any, error) {
			if state["bank-account"]["account-type"] == data["account-type"] {
				return nil, nil
			}
			return Emitted{Type: "account-type-changed", Data: data}, nil
		},
	}))

	reg.RegisterReducer("money-deposited", func(state, data map[string]any) map[string]any {
		next := DeepMerge(state, map[string]any{})
		balance, _ := next["balance"].(float64)
		amount, _ := data["amount"].(float64)
		next["balance"] = balance + amount
		return next
	})

	return reg
}

func startBankApp(t *testing.T, reg *Registry, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithRegistry(reg)}, opts...)
	app, err := StartApplication("bank", MemoryConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { app.Stop() })
	return app
}

func TestOpenAccount(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)
	app := startBankApp(t, reg)

	events, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "account-opened", events[0].Type)
	assert.Equal(t, "1-0", events[0].Meta.Version.String())

	accountID := events[0].Data["account-id"].(string)
	require.NotEmpty(t, accountID)

	state, err := app.GetAggregate(ctx, "bank-account", accountID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"account-id":   accountID,
		"account-type": "checking",
		"balance":      0.0,
	}, state.Data)
	assert.Equal(t, "1-0", state.Meta.CurrentVersion.String())
}

func TestDepositWithCustomReducer(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)
	app := startBankApp(t, reg)

	opened, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})
	require.NoError(t, err)
	accountID := opened[0].Data["account-id"]

	_, err = app.Dispatch(ctx, "deposit-money", map[string]any{
		"account-id": accountID,
		"amount":     25.17,
	})
	require.NoError(t, err)

	state, err := app.GetAggregate(ctx, "bank-account", accountID)
	require.NoError(t, err)
	assert.Equal(t, 25.17, state.Data["balance"])
	assert.Equal(t, "2-0", state.Meta.CurrentVersion.String())
}

func TestConcurrentDeposits(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)

	// A barrier interceptor holds both dispatches until each has
	// rehydrated, so both observe the same expected version.
	var barrier sync.WaitGroup
	barrier.Add(2)
	require.NoError(t, reg.DefineCommand(CommandConfig{
		Name:      "deposit-racing",
		Aggregate: "bank-account",
		Events:    []EventDef{{Name: "racing-deposited"}},
		Interceptors: []Interceptor{InterceptorFuncs{
			OnEnter: func(pc *CommandContext) error {
				barrier.Done()
				barrier.Wait()
				return nil
			},
		}},
		Handler: func(state State, data map[string]any) (any, error) {
			return Emitted{Type: "racing-deposited", Data: data}, nil
		},
	}))

	app := startBankApp(t, reg)

	opened, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})
	require.NoError(t, err)
	accountID := opened[0].Data["account-id"]

	var wg sync.WaitGroup
	errs := make([]error, 2)
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			events, err := app.Dispatch(ctx, "deposit-racing", map[string]any{
				"account-id": accountID,
				"amount":     10.0,
			})
			errs[i], counts[i] = err, len(events)
		}(i)
	}
	wg.Wait()

	succeeded, failed := 0, 0
	for i := range errs {
		if errs[i] == nil {
			succeeded++
			assert.Equal(t, 1, counts[i])
		} else {
			failed++
			var conflict *eventlog.ConcurrencyError
			require.ErrorAs(t, errs[i], &conflict)
			assert.Contains(t, conflict.StreamID, "bank:bank-account:")
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
}

func TestNoOpCommand(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)
	log := memory.New()
	app := startBankApp(t, reg, WithLog(log))

	opened, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})
	require.NoError(t, err)
	accountID := opened[0].Data["account-id"]

	streamID := BuildStreamID("bank", "bank-account", accountID)
	before := log.Meta(streamID)

	events, err := app.Dispatch(ctx, "change-account-type", map[string]any{
		"account-id":   accountID,
		"account-type": "checking",
	})

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, before, log.Meta(streamID))
}

func TestSubscriptionFromLatest(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)
	log := memory.New(memory.WithPollInterval(5 * time.Millisecond))
	defer log.Close()

	// Two deposits before the subscribing application exists.
	app1 := startBankApp(t, reg, WithLog(log))
	opened, err := app1.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})
	require.NoError(t, err)
	accountID := opened[0].Data["account-id"]
	for i := 0; i < 2; i++ {
		_, err = app1.Dispatch(ctx, "deposit-money", map[string]any{
			"account-id": accountID,
			"amount":     5.0,
		})
		require.NoError(t, err)
	}
	require.NoError(t, app1.Stop())

	var mu sync.Mutex
	var delivered []Event
	require.NoError(t, reg.DefineSubscription("money-deposited", SubscriptionConfig{
		Subscriber: "deposit-notify",
		StartFrom:  eventlog.StartLatest,
		Handler: func(sc *SubscriptionContext, event Event) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, event)
			return nil
		},
	}))

	app2 := startBankApp(t, reg, WithLog(log))

	// Past deposits stay undelivered.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, delivered)
	mu.Unlock()

	_, err = app2.Dispatch(ctx, "deposit-money", map[string]any{
		"account-id": accountID,
		"amount":     7.5,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "money-deposited", delivered[0].Type)
	assert.Equal(t, 7.5, delivered[0].Data["amount"])
	mu.Unlock()
}

func TestSubscriptionFiltersByType(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)

	var mu sync.Mutex
	var types []string
	require.NoError(t, reg.DefineSubscription("account-opened", SubscriptionConfig{
		Subscriber: "open-audit",
		Handler: func(sc *SubscriptionContext, event Event) error {
			mu.Lock()
			defer mu.Unlock()
			types = append(types, event.Type)
			return nil
		},
	}))

	log := memory.New(memory.WithPollInterval(5 * time.Millisecond))
	defer log.Close()
	app := startBankApp(t, reg, WithLog(log))

	opened, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "savings"})
	require.NoError(t, err)
	_, err = app.Dispatch(ctx, "deposit-money", map[string]any{
		"account-id": opened[0].Data["account-id"],
		"amount":     1.0,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The fan-out carried the deposit too; the filter dropped it.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"account-opened"}, types)
	mu.Unlock()
}

func TestDispatchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown command", func(t *testing.T) {
		app := startBankApp(t, bankRegistry(t))

		_, err := app.Dispatch(ctx, "close-account", nil)

		assert.ErrorIs(t, err, ErrCommandUnknown)
	})

	t.Run("invalid input data", func(t *testing.T) {
		app := startBankApp(t, bankRegistry(t))

		_, err := app.Dispatch(ctx, "deposit-money", map[string]any{"account-id": "x"})

		var invalid *CommandInvalidError
		require.ErrorAs(t, err, &invalid)
		assert.NotNil(t, invalid.Explain)
	})

	t.Run("business rule rejection", func(t *testing.T) {
		reg := bankRegistry(t)
		require.NoError(t, reg.DefineCommand(CommandConfig{
			Name:      "withdraw-money",
			Aggregate: "bank-account",
			Events:    []EventDef{{Name: "money-withdrawn"}},
			Handler: func(state State, data map[string]any) (any, error) {
				return nil, NewBusinessRuleError("insufficient-funds", map[string]any{
					"balance": state["bank-account"]["balance"],
				})
			},
		}))
		app := startBankApp(t, reg)

		opened, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})
		require.NoError(t, err)

		_, err = app.Dispatch(ctx, "withdraw-money", map[string]any{
			"account-id": opened[0].Data["account-id"],
		})

		var rule *BusinessRuleError
		require.ErrorAs(t, err, &rule)
		assert.Equal(t, "insufficient-funds", rule.Tag)
		assert.Equal(t, 0.0, rule.Payload["balance"])
	})

	t.Run("aggregate schema gate leaves the stream unchanged", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.DefineAggregate(AggregateConfig{
			Name:    "vault",
			IDField: "vault-id",
			Schema: SchemaFunc(func(value map[string]any) (bool, map[string]any) {
				if balance, _ := value["balance"].(float64); balance < 0 {
					return false, map[string]any{"reason": "negative balance"}
				}
				return true, nil
			}),
		}))
		require.NoError(t, reg.DefineCommand(CommandConfig{
			Name:      "force-balance",
			Aggregate: "vault",
			Events:    []EventDef{{Name: "balance-forced"}},
			Handler: func(state State, data map[string]any) (any, error) {
				return Emitted{Type: "balance-forced", Data: data}, nil
			},
		}))
		app := startBankApp(t, reg)

		_, err := app.Dispatch(ctx, "force-balance", map[string]any{
			"vault-id": "v1",
			"balance":  -10.0,
		})

		var invalid *AggregateInvalidError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "vault", invalid.Aggregate)
		assert.Equal(t, "negative balance", invalid.Explain["reason"])

		state, err := app.GetAggregate(ctx, "vault", "v1")
		require.NoError(t, err)
		assert.Empty(t, state.Data)
		assert.True(t, state.Meta.CurrentVersion.IsInitial())
	})

	t.Run("dispatch after stop", func(t *testing.T) {
		app := startBankApp(t, bankRegistry(t))
		require.NoError(t, app.Stop())

		_, err := app.Dispatch(ctx, "open-account", nil)

		assert.ErrorIs(t, err, ErrApplicationNotStarted)
	})
}

func TestStartApplication(t *testing.T) {
	t.Run("rejects a second application on the same registry", func(t *testing.T) {
		reg := bankRegistry(t)
		startBankApp(t, reg)

		_, err := StartApplication("bank", MemoryConfig(), WithRegistry(reg))

		assert.ErrorIs(t, err, ErrApplicationRunning)
	})

	t.Run("a stopped application frees the registry", func(t *testing.T) {
		reg := bankRegistry(t)
		app := startBankApp(t, reg)
		require.NoError(t, app.Stop())

		startBankApp(t, reg)
	})

	t.Run("rejects an unknown store type", func(t *testing.T) {
		_, err := StartApplication("bank", Config{
			EventStore: EventStoreConfig{Type: "carrier-pigeon"},
		}, WithRegistry(bankRegistry(t)))

		assert.Error(t, err)
	})

	t.Run("requires a name", func(t *testing.T) {
		_, err := StartApplication("", MemoryConfig(), WithRegistry(bankRegistry(t)))

		assert.Error(t, err)
	})
}

func TestDefaultRegistryDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("without a running application", func(t *testing.T) {
		_, err := Dispatch(ctx, "open-account", nil)
		assert.ErrorIs(t, err, ErrApplicationNotStarted)

		_, err = GetAggregate(ctx, "bank-account", "x")
		assert.ErrorIs(t, err, ErrApplicationNotStarted)
	})
}

func TestMiddlewareOrder(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)

	var order []string
	mw := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, command string, data map[string]any) ([]Event, error) {
				order = append(order, name+"-before")
				events, err := next(ctx, command, data)
				order = append(order, name+"-after")
				return events, err
			}
		}
	}

	app := startBankApp(t, reg, WithMiddleware(mw("outer"), mw("inner")))

	_, err := app.Dispatch(ctx, "open-account", map[string]any{"account-type": "checking"})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer-before", "inner-before", "inner-after", "outer-after"}, order)
}

func TestMiddlewareSeesValidationFailures(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)

	var seen error
	mw := func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, command string, data map[string]any) ([]Event, error) {
			events, err := next(ctx, command, data)
			seen = err
			return events, err
		}
	}
	app := startBankApp(t, reg, WithMiddleware(mw))

	_, err := app.Dispatch(ctx, "deposit-money", map[string]any{})

	require.Error(t, err)
	assert.ErrorIs(t, seen, ErrCommandInvalid)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	require.NoError(t, reg.DefineAggregate(AggregateConfig{
		Name:      "ledger",
		IDField:   "ledger-id",
		Snapshots: true,
	}))
	require.NoError(t, reg.DefineCommand(CommandConfig{
		Name:      "record-entry",
		Aggregate: "ledger",
		Events:    []EventDef{{Name: "entry-recorded"}},
		Handler: func(state State, data map[string]any) (any, error) {
			return Emitted{Type: "entry-recorded", Data: data}, nil
		},
	}))

	log := memory.New()
	app := startBankApp(t, reg, WithLog(log))

	for i := 0; i < 3; i++ {
		_, err := app.Dispatch(ctx, "record-entry", map[string]any{
			"ledger-id": "L1",
			"note":      "n",
		})
		require.NoError(t, err)
	}

	require.NoError(t, app.SaveSnapshot(ctx, "ledger", "L1"))

	streamID := BuildStreamID("bank", "ledger", "L1")
	snap, err := log.GetSnapshot(ctx, streamID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "3-0", snap.Meta.Version.String())

	// Rehydration from the snapshot matches a full replay.
	state, err := app.GetAggregate(ctx, "ledger", "L1")
	require.NoError(t, err)
	assert.Equal(t, "3-0", state.Meta.CurrentVersion.String())
	assert.Equal(t, "L1", state.Data["ledger-id"])

	// Another event after the snapshot still folds in.
	_, err = app.Dispatch(ctx, "record-entry", map[string]any{
		"ledger-id": "L1",
		"note":      "post-snapshot",
	})
	require.NoError(t, err)

	state, err = app.GetAggregate(ctx, "ledger", "L1")
	require.NoError(t, err)
	assert.Equal(t, "4-0", state.Meta.CurrentVersion.String())
	assert.Equal(t, "post-snapshot", state.Data["note"])
}

func TestUserInterceptors(t *testing.T) {
	ctx := context.Background()
	reg := bankRegistry(t)

	var phases []string
	require.NoError(t, reg.DefineCommand(CommandConfig{
		Name:      "audited-deposit",
		Aggregate: "bank-account",
		Events:    []EventDef{{Name: "audited-deposited"}},
		Interceptors: []Interceptor{
			InterceptorFuncs{
				OnEnter: func(pc *CommandContext) error {
					phases = append(phases, "first-enter")
					pc.Values["audit"] = "trail"
					return nil
				},
				OnLeave: func(pc *CommandContext) error {
					phases = append(phases, "first-leave")
					return nil
				},
			},
			InterceptorFuncs{
				OnEnter: func(pc *CommandContext) error {
					phases = append(phases, "second-enter")
					assert.Equal(t, "trail", pc.Values["audit"])
					return nil
				},
				OnLeave: func(pc *CommandContext) error {
					phases = append(phases, "second-leave")
					// The handler has run by the time leaves execute.
					assert.Len(t, pc.Events, 1)
					return nil
				},
			},
		},
		Handler: func(state State, data map[string]any) (any, error) {
			phases = append(phases, "handler")
			return Emitted{Type: "audited-deposited", Data: data}, nil
		},
	}))

	app := startBankApp(t, reg)

	_, err := app.Dispatch(ctx, "audited-deposit", map[string]any{"account-id": "a1"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"first-enter", "second-enter", "handler", "second-leave", "first-leave",
	}, phases)
}
