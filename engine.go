package dtx

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Engine is the entry point of the library. It holds the registries of
// saga and TCC definitions and executes them against a shared store,
// event sink and logger.
type Engine struct {
	sagas *xsync.MapOf[string, *SagaDefinition]
	tccs  *xsync.MapOf[string, *TccDefinition]

	inv    *invoker
	store  Store
	events Events
	log    zerolog.Logger
	clock  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the engine's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithEvents sets the event sink notified during executions. Combine
// multiple sinks with NewCompositeEvents.
func WithEvents(events Events) Option {
	return func(e *Engine) { e.events = events }
}

// WithStore sets the state store. Defaults to an in-memory store.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithCPUWorkers bounds how many CPU-bound handlers may run at once
// across all executions. Defaults to GOMAXPROCS.
func WithCPUWorkers(n int) Option {
	return func(e *Engine) { e.inv = newInvoker(n) }
}

// WithClock overrides the engine's time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine builds an engine with the given options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		sagas:  xsync.NewMapOf[string, *SagaDefinition](),
		tccs:   xsync.NewMapOf[string, *TccDefinition](),
		inv:    newInvoker(0),
		store:  NewMemoryStore(),
		events: NopEvents{},
		log:    zerolog.New(os.Stderr).With().Timestamp().Logger(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterSaga adds a saga definition under its name. Registering the
// same name twice is an error.
func (e *Engine) RegisterSaga(def *SagaDefinition) error {
	if def == nil {
		return fmt.Errorf("saga definition is nil")
	}
	if _, loaded := e.sagas.LoadOrStore(def.name, def); loaded {
		return fmt.Errorf("saga %q already registered", def.name)
	}
	return nil
}

// RegisterTcc adds a TCC definition under its name. Registering the
// same name twice is an error.
func (e *Engine) RegisterTcc(def *TccDefinition) error {
	if def == nil {
		return fmt.Errorf("tcc definition is nil")
	}
	if _, loaded := e.tccs.LoadOrStore(def.name, def); loaded {
		return fmt.Errorf("tcc transaction %q already registered", def.name)
	}
	return nil
}

// SagaNames lists the registered saga names.
func (e *Engine) SagaNames() []string {
	var names []string
	e.sagas.Range(func(name string, _ *SagaDefinition) bool {
		names = append(names, name)
		return true
	})
	return names
}

// TccNames lists the registered TCC transaction names.
func (e *Engine) TccNames() []string {
	var names []string
	e.tccs.Range(func(name string, _ *TccDefinition) bool {
		names = append(names, name)
		return true
	})
	return names
}

// ExecuteSaga runs the named saga with the given input and headers. The
// returned error covers lookup failures only; a saga that ran and failed
// reports through SagaResult.Success and SagaResult.Error.
func (e *Engine) ExecuteSaga(ctx context.Context, name string, input any, headers map[string]string) (*SagaResult, error) {
	def, ok := e.sagas.Load(name)
	if !ok {
		return nil, &NotFoundError{Kind: "saga", Name: name}
	}
	sc := newSagaContext(def, input, headers, e.clock())
	o := &orchestrator{inv: e.inv, store: e.store, events: e.events, log: e.log, clock: e.clock}
	return o.run(ctx, def, sc), nil
}

// ExecuteTcc runs the named TCC transaction with the given input and
// headers. The returned error covers lookup failures only.
func (e *Engine) ExecuteTcc(ctx context.Context, name string, input any, headers map[string]string) (*TccResult, error) {
	def, ok := e.tccs.Load(name)
	if !ok {
		return nil, &NotFoundError{Kind: "tcc", Name: name}
	}
	tc := newTccContext(def, input, headers, e.clock())
	co := &coordinator{inv: e.inv, store: e.store, events: e.events, log: e.log, clock: e.clock}
	return co.run(ctx, def, tc), nil
}

// GetState looks up the persisted record for a correlation id.
func (e *Engine) GetState(ctx context.Context, correlationID string) (*StateRecord, error) {
	return e.store.GetState(ctx, correlationID)
}

// Healthy reports whether the underlying store is reachable.
func (e *Engine) Healthy(ctx context.Context) bool {
	return e.store.Healthy(ctx)
}

// Recovery returns a recovery service bound to the engine's store,
// events and logger.
func (e *Engine) Recovery() *Recovery {
	return NewRecovery(e.store, e.events, e.log)
}
