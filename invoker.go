package dtx

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/semaphore"
)

// unit is one invocable piece of work: a saga step, a compensation call or
// a TCC phase method. The orchestrator and coordinator translate their
// definitions into units so retry, timeout and idempotency handling live in
// exactly one place.
type unit struct {
	id           string
	bindings     []Binding
	handler      Handler
	retry        int
	backoff      time.Duration
	timeout      time.Duration
	jitter       bool
	jitterFactor float64
	cpuBound     bool
	idemKey      string // rendered template, empty disables dedup

	// timeoutErr shapes the per-attempt timeout failure for this unit.
	timeoutErr func(timeout time.Duration) error
}

// invocation is the outcome of one invoke call. The caller owns writing it
// into the context slot it is scoped to.
type invocation struct {
	Result   any
	Attempts int
	Latency  time.Duration
	Err      error
}

type dedup interface {
	idempotencyLookup(key string) (any, bool)
	idempotencyRecord(key string, value any)
}

// invoker executes units of work. It never decides whether to compensate;
// exhausted retries surface to the orchestrator or coordinator.
type invoker struct {
	cpu *semaphore.Weighted
}

func newInvoker(cpuWorkers int) *invoker {
	if cpuWorkers <= 0 {
		cpuWorkers = runtime.GOMAXPROCS(0)
	}
	return &invoker{cpu: semaphore.NewWeighted(int64(cpuWorkers))}
}

// invoke runs one unit: dedup check, argument resolution, then the handler
// under per-attempt timeout with exponential backoff retries. Attempt count
// and latency are recorded regardless of outcome.
func (inv *invoker) invoke(ctx context.Context, u unit, src BindingSource, d dedup) invocation {
	start := time.Now()

	if u.idemKey != "" && d != nil {
		if cached, ok := d.idempotencyLookup(u.idemKey); ok {
			return invocation{Result: cached, Attempts: 0, Latency: time.Since(start)}
		}
	}

	var result any
	attempts := 0
	run := func() error {
		attempts++
		args, err := resolveArgs(u.id, u.bindings, src)
		if err != nil {
			return err
		}
		v, err := inv.runOnce(ctx, u, args)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	opts := []retry.Option{
		retry.Attempts(uint(u.retry) + 1),
		retry.Delay(u.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
	if u.jitter && u.backoff > 0 {
		opts = append(opts,
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.MaxJitter(time.Duration(float64(u.backoff)*u.jitterFactor)),
		)
	}

	err := retry.Do(run, opts...)
	out := invocation{Attempts: attempts, Latency: time.Since(start), Err: err}
	if err != nil {
		return out
	}

	out.Result = result
	if u.idemKey != "" && d != nil {
		d.idempotencyRecord(u.idemKey, result)
	}
	for _, name := range outputVariables(u.bindings) {
		src.SetVar(name, result)
	}
	return out
}

// runOnce executes a single attempt under the unit's timeout. CPU-bound
// handlers hold a permit of the bounded worker pool for the duration of the
// call so they cannot saturate the scheduler.
func (inv *invoker) runOnce(ctx context.Context, u unit, args []any) (any, error) {
	runCtx := ctx
	if u.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	if u.cpuBound {
		if err := inv.cpu.Acquire(runCtx, 1); err != nil {
			return nil, inv.shapeTimeout(u, runCtx, ctx, err)
		}
		defer inv.cpu.Release(1)
	}

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("handler %q panicked: %v", u.id, r)}
			}
		}()
		v, err := u.handler(runCtx, args)
		done <- callResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-runCtx.Done():
		return nil, inv.shapeTimeout(u, runCtx, ctx, runCtx.Err())
	}
}

// shapeTimeout distinguishes the unit's own timeout from external
// cancellation of the parent context.
func (inv *invoker) shapeTimeout(u unit, runCtx, parent context.Context, err error) error {
	if u.timeout > 0 && runCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		if u.timeoutErr != nil {
			return u.timeoutErr(u.timeout)
		}
		return &StepTimeoutError{StepID: u.id, Timeout: u.timeout}
	}
	return err
}

// stepUnit builds the forward-execution unit for a saga step.
func stepUnit(def *StepDefinition, src BindingSource) unit {
	u := unit{
		id:           def.id,
		bindings:     def.bindings,
		handler:      def.handler,
		retry:        def.retry,
		backoff:      def.backoff,
		timeout:      def.timeout,
		jitter:       def.jitter,
		jitterFactor: def.jitterFactor,
		cpuBound:     def.cpuBound,
	}
	if def.idempotencyKey != "" {
		u.idemKey = renderKeyTemplate(def.idempotencyKey, src)
	}
	u.timeoutErr = func(timeout time.Duration) error {
		return &StepTimeoutError{StepID: def.id, Timeout: timeout}
	}
	return u
}

// compensationUnit builds the rollback unit for a saga step. Retries are
// owned by the compensation policy, not the unit.
func compensationUnit(def *StepDefinition) unit {
	u := unit{
		id:       def.id,
		bindings: def.compBindings,
		handler:  def.compensation,
		timeout:  def.compTimeout,
	}
	u.timeoutErr = func(timeout time.Duration) error {
		return &StepTimeoutError{StepID: def.id, Timeout: timeout}
	}
	return u
}
