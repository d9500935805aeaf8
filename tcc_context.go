package dtx

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// participantSlot mirrors stepSlot for the TCC side. The coordinator runs
// participants sequentially, so slots have a single writer throughout.
type participantSlot struct {
	id           string
	phaseReached TccPhase
	tryDone      bool
	tryResult    any
	tryErr       error
	confirmErr   error
	cancelErr    error
	attempts     int
	latency      time.Duration
}

// TccContext carries the mutable state of one TCC execution.
type TccContext struct {
	correlationID string
	tccName       string
	input         any
	headers       map[string]string
	variables     *xsync.MapOf[string, any]
	idempotency   *xsync.MapOf[string, any]
	slots         map[string]*participantSlot
	currentPhase  TccPhase
	startedAt     time.Time
}

func newTccContext(def *TccDefinition, input any, headers map[string]string, now time.Time) *TccContext {
	if headers == nil {
		headers = map[string]string{}
	}
	c := &TccContext{
		correlationID: uuid.NewString(),
		tccName:       def.name,
		input:         input,
		headers:       headers,
		variables:     xsync.NewMapOf[string, any](),
		idempotency:   xsync.NewMapOf[string, any](),
		slots:         make(map[string]*participantSlot, len(def.participants)),
		currentPhase:  PhaseTry,
		startedAt:     now,
	}
	for _, p := range def.participants {
		c.slots[p.id] = &participantSlot{id: p.id}
	}
	return c
}

// CorrelationID returns the generated id of this execution.
func (c *TccContext) CorrelationID() string { return c.correlationID }

// Input returns the caller-supplied input payload.
func (c *TccContext) Input() any { return c.input }

// Header looks up one header value.
func (c *TccContext) Header(name string) (string, bool) {
	v, ok := c.headers[name]
	return v, ok
}

// HeaderMap returns a copy of the execution headers.
func (c *TccContext) HeaderMap() map[string]string {
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[k] = v
	}
	return out
}

// Variable looks up one context variable.
func (c *TccContext) Variable(name string) (any, bool) {
	return c.variables.Load(name)
}

// VariableMap snapshots the variables store.
func (c *TccContext) VariableMap() map[string]any {
	out := make(map[string]any)
	c.variables.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// SetVar writes a context variable.
func (c *TccContext) SetVar(name string, value any) {
	c.variables.Store(name, value)
}

// TryResultOf returns a participant's recorded try result.
func (c *TccContext) TryResultOf(id string) (any, bool) {
	slot, ok := c.slots[id]
	if !ok || !slot.tryDone {
		return nil, false
	}
	return slot.tryResult, true
}

// CurrentPhase returns the transaction's current phase.
func (c *TccContext) CurrentPhase() TccPhase { return c.currentPhase }

func (c *TccContext) idempotencyLookup(key string) (any, bool) {
	return c.idempotency.Load(key)
}

func (c *TccContext) idempotencyRecord(key string, value any) {
	c.idempotency.Store(key, value)
}

// participantSource scopes the context to one participant so FromTry binds
// that participant's own try result. Saga-only bindings are unresolvable.
type participantSource struct {
	*TccContext
	participantID string
}

func (s *participantSource) StepResult(string) (any, bool) { return nil, false }

func (s *participantSource) TryResult() (any, bool) {
	return s.TccContext.TryResultOf(s.participantID)
}

func (s *participantSource) CompensationCause() error { return nil }

// ParticipantResult is the immutable record of one participant after the
// transaction has reached a terminal state.
type ParticipantResult struct {
	ParticipantID string
	Optional      bool
	FinalPhase    TccPhase
	TryResult     any
	TryErr        error
	ConfirmErr    error
	CancelErr     error
	Attempts      int
	Latency       time.Duration
}

// TccResult is the immutable terminal outcome of one TCC execution.
// Success is true only if every required participant reached Confirm.
type TccResult struct {
	TccName             string
	CorrelationID       string
	StartedAt           time.Time
	CompletedAt         time.Time
	Success             bool
	Error               error
	FailedParticipantID string
	FinalPhase          TccPhase
	Headers             map[string]string
	Participants        map[string]ParticipantResult
}

// ResultOf returns a participant's try result.
func (r *TccResult) ResultOf(id string) (any, bool) {
	p, ok := r.Participants[id]
	if !ok || p.TryErr != nil {
		return nil, false
	}
	return p.TryResult, true
}

// FailedParticipants returns ids of participants with any phase error,
// sorted.
func (r *TccResult) FailedParticipants() []string {
	var ids []string
	for id, p := range r.Participants {
		if p.TryErr != nil || p.ConfirmErr != nil || p.CancelErr != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
