package dtx

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Compensation retry defaults used by the CompensateRetryWithBackoff policy
// when a step declares no overrides.
const (
	defaultCompensationRetry   = 3
	defaultCompensationBackoff = 1000 * time.Millisecond
)

// StepDefinition is one forward unit of work in a saga, with an optional
// compensating action. Definitions are immutable once built and are shared
// read-only across concurrent executions.
type StepDefinition struct {
	id             string
	handler        Handler
	compensation   Handler
	bindings       []Binding
	compBindings   []Binding
	dependsOn      mapset.Set[string]
	retry          int
	backoff        time.Duration
	timeout        time.Duration
	jitter         bool
	jitterFactor   float64
	cpuBound       bool
	idempotencyKey string

	compRetry    int
	compBackoff  time.Duration
	compTimeout  time.Duration
	compCritical bool
}

// ID returns the step's unique identifier within its saga.
func (s *StepDefinition) ID() string { return s.id }

// DependsOn returns a copy of the step's dependency set.
func (s *StepDefinition) DependsOn() []string { return s.dependsOn.ToSlice() }

// HasCompensation reports whether the step declared a compensating action.
func (s *StepDefinition) HasCompensation() bool { return s.compensation != nil }

// CompensationCritical reports whether a compensation failure of this step
// escalates to a fatal saga-level error.
func (s *StepDefinition) CompensationCritical() bool { return s.compCritical }

// StepBuilder assembles a StepDefinition. All configuration happens before
// SagaBuilder.Build validates the whole graph; the produced definition is
// never mutated afterwards.
type StepBuilder struct {
	def StepDefinition
}

// NewStep starts a step with the given id and forward handler.
func NewStep(id string, handler Handler) *StepBuilder {
	return &StepBuilder{def: StepDefinition{
		id:           id,
		handler:      handler,
		dependsOn:    mapset.NewThreadUnsafeSet[string](),
		compRetry:    defaultCompensationRetry,
		compBackoff:  defaultCompensationBackoff,
		jitterFactor: 0.5,
	}}
}

// DependsOn declares hard dependencies on other steps by id.
func (b *StepBuilder) DependsOn(ids ...string) *StepBuilder {
	for _, id := range ids {
		b.def.dependsOn.Add(id)
	}
	return b
}

// Bindings declares the handler's argument bindings.
func (b *StepBuilder) Bindings(bindings ...Binding) *StepBuilder {
	b.def.bindings = bindings
	return b
}

// Retry sets how many times a failed attempt is retried.
func (b *StepBuilder) Retry(n int) *StepBuilder {
	b.def.retry = n
	return b
}

// Backoff sets the base delay for exponential backoff between retries.
func (b *StepBuilder) Backoff(d time.Duration) *StepBuilder {
	b.def.backoff = d
	return b
}

// Timeout bounds each individual attempt of the forward handler.
func (b *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	b.def.timeout = d
	return b
}

// Jitter enables uniform jitter on retry backoff, scaled by factor.
func (b *StepBuilder) Jitter(factor float64) *StepBuilder {
	b.def.jitter = true
	if factor > 0 {
		b.def.jitterFactor = factor
	}
	return b
}

// CPUBound marks the handler for dispatch to the bounded CPU worker pool so
// it does not stall I/O-bound scheduling.
func (b *StepBuilder) CPUBound() *StepBuilder {
	b.def.cpuBound = true
	return b
}

// IdempotencyKey sets a key template, e.g. "charge-{correlationId}". A step
// whose rendered key was already recorded in the execution's dedup set is
// skipped and its cached result returned.
func (b *StepBuilder) IdempotencyKey(template string) *StepBuilder {
	b.def.idempotencyKey = template
	return b
}

// Compensate declares the compensating action run when a later step fails.
func (b *StepBuilder) Compensate(handler Handler, bindings ...Binding) *StepBuilder {
	b.def.compensation = handler
	b.def.compBindings = bindings
	return b
}

// CompensationRetry overrides the retry count used by the retrying
// compensation policy.
func (b *StepBuilder) CompensationRetry(n int) *StepBuilder {
	b.def.compRetry = n
	return b
}

// CompensationBackoff overrides the backoff base used by the retrying
// compensation policy.
func (b *StepBuilder) CompensationBackoff(d time.Duration) *StepBuilder {
	b.def.compBackoff = d
	return b
}

// CompensationTimeout bounds each compensation attempt.
func (b *StepBuilder) CompensationTimeout(d time.Duration) *StepBuilder {
	b.def.compTimeout = d
	return b
}

// CompensationCritical escalates any compensation failure of this step to a
// fatal saga-level error regardless of the active policy.
func (b *StepBuilder) CompensationCritical() *StepBuilder {
	b.def.compCritical = true
	return b
}
