package dtx

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// stepSlot is the per-step portion of a SagaContext. Each concurrent step
// task receives a writer scoped to its own slot; writers never touch
// another step's slot, so the slot map needs no lock once populated.
type stepSlot struct {
	id          string
	status      StepStatus
	result      any
	err         error
	attempts    int
	latency     time.Duration
	compensated bool
	compResult  any
	compErr     error
}

// SagaContext carries the mutable state of one saga execution. It lives
// for the duration of the execution and is discarded once the SagaResult
// has been produced. The variables map is free-form and may be written by
// concurrent sibling steps; writers must tolerate last-writer-wins.
type SagaContext struct {
	correlationID string
	sagaName      string
	input         any
	headers       map[string]string
	variables     *xsync.MapOf[string, any]
	idempotency   *xsync.MapOf[string, any]
	slots         map[string]*stepSlot
	startedAt     time.Time

	// completionOrder is appended to under completionMu by step tasks as
	// they finish; compensation replays it in reverse.
	completionMu    sync.Mutex
	completionOrder []string

	compensationCause error
}

func newSagaContext(def *SagaDefinition, input any, headers map[string]string, now time.Time) *SagaContext {
	if headers == nil {
		headers = map[string]string{}
	}
	c := &SagaContext{
		correlationID: uuid.NewString(),
		sagaName:      def.name,
		input:         input,
		headers:       headers,
		variables:     xsync.NewMapOf[string, any](),
		idempotency:   xsync.NewMapOf[string, any](),
		slots:         make(map[string]*stepSlot, len(def.steps)),
		startedAt:     now,
	}
	for id := range def.steps {
		c.slots[id] = &stepSlot{id: id, status: StepPending}
	}
	return c
}

// CorrelationID returns the generated id of this execution.
func (c *SagaContext) CorrelationID() string { return c.correlationID }

// Input returns the caller-supplied input payload.
func (c *SagaContext) Input() any { return c.input }

// Header looks up one header value.
func (c *SagaContext) Header(name string) (string, bool) {
	v, ok := c.headers[name]
	return v, ok
}

// HeaderMap returns a copy of the execution headers.
func (c *SagaContext) HeaderMap() map[string]string {
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// Variable looks up one context variable.
func (c *SagaContext) Variable(name string) (any, bool) {
	return c.variables.Load(name)
}

// VariableMap snapshots the variables store.
func (c *SagaContext) VariableMap() map[string]any {
	out := make(map[string]any)
	c.variables.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// SetVar writes a context variable. Concurrent siblings writing the same
// key observe last-writer-wins.
func (c *SagaContext) SetVar(name string, value any) {
	c.variables.Store(name, value)
}

// StepResult returns the recorded result of a completed step. Only steps
// whose status is done are visible; execution ordering guarantees every
// dependency finished in an earlier layer.
func (c *SagaContext) StepResult(id string) (any, bool) {
	slot, ok := c.slots[id]
	if !ok || slot.status != StepDone {
		return nil, false
	}
	return slot.result, true
}

// TryResult is never resolvable in a saga context.
func (c *SagaContext) TryResult() (any, bool) { return nil, false }

// CompensationCause returns the root error during compensation, nil before.
func (c *SagaContext) CompensationCause() error { return c.compensationCause }

func (c *SagaContext) idempotencyLookup(key string) (any, bool) {
	return c.idempotency.Load(key)
}

func (c *SagaContext) idempotencyRecord(key string, value any) {
	c.idempotency.Store(key, value)
}

// recordCompletion appends a step to the completion order.
func (c *SagaContext) recordCompletion(id string) {
	c.completionMu.Lock()
	c.completionOrder = append(c.completionOrder, id)
	c.completionMu.Unlock()
}

// completedReverse returns ids of done steps in reverse completion order.
func (c *SagaContext) completedReverse() []string {
	out := make([]string, 0, len(c.completionOrder))
	for i := len(c.completionOrder) - 1; i >= 0; i-- {
		id := c.completionOrder[i]
		if c.slots[id].status == StepDone {
			out = append(out, id)
		}
	}
	return out
}

// compensationSource scopes a SagaContext to one step's compensation call:
// the cause is resolvable and FromStep still reads completed results.
type compensationSource struct {
	*SagaContext
	cause error
}

func (s *compensationSource) CompensationCause() error { return s.cause }
