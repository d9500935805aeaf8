package dtx

import (
	"context"
	"sync"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// CompensationPolicy selects how completed steps are rolled back after a
// saga failure. All policies operate over the set of done steps in reverse
// completion order unless documented otherwise.
type CompensationPolicy int

const (
	// CompensateStrictSequential compensates one step at a time and aborts
	// the remaining chain on the first compensation error.
	CompensateStrictSequential CompensationPolicy = iota
	// CompensateGroupedParallel reverses the topology layers and
	// compensates each reversed layer concurrently, proceeding to the next
	// layer regardless of partial failures.
	CompensateGroupedParallel
	// CompensateRetryWithBackoff is sequential; each compensation call is
	// retried with backoff using the step's compensation overrides before
	// the error handler is consulted and the error re-raised.
	CompensateRetryWithBackoff
	// CompensateCircuitBreaker is sequential and stops attempting
	// compensations after three consecutive failures.
	CompensateCircuitBreaker
	// CompensateBestEffort launches all compensations concurrently and
	// reports every error without re-raising, so the saga always reaches a
	// terminal state.
	CompensateBestEffort
)

func (p CompensationPolicy) String() string {
	switch p {
	case CompensateStrictSequential:
		return "strict_sequential"
	case CompensateGroupedParallel:
		return "grouped_parallel"
	case CompensateRetryWithBackoff:
		return "retry_with_backoff"
	case CompensateCircuitBreaker:
		return "circuit_breaker"
	case CompensateBestEffort:
		return "best_effort_parallel"
	default:
		return "unknown"
	}
}

// compensationBreakerThreshold is the consecutive-failure count at which
// the circuit-breaker policy stops attempting further compensations.
const compensationBreakerThreshold = 3

type compensator struct {
	inv     *invoker
	events  Events
	log     zerolog.Logger
	handler CompensationErrorHandler
}

// compensate rolls back completed steps according to the definition's
// policy. The returned error is the policy-surfaced compensation failure;
// a critical step's compensation failure is always returned.
func (c *compensator) compensate(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error) error {
	sc.compensationCause = cause
	completed := sc.completedReverse()
	if len(completed) == 0 {
		return nil
	}

	switch def.policy {
	case CompensateGroupedParallel:
		return c.groupedParallel(ctx, def, sc, cause)
	case CompensateRetryWithBackoff:
		return c.retryWithBackoff(ctx, def, sc, cause, completed)
	case CompensateCircuitBreaker:
		return c.circuitBreaker(ctx, def, sc, cause, completed)
	case CompensateBestEffort:
		return c.bestEffort(ctx, def, sc, cause, completed)
	default:
		return c.strictSequential(ctx, def, sc, cause, completed)
	}
}

func (c *compensator) strictSequential(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error, completed []string) error {
	for _, id := range completed {
		if err := c.compensateStep(ctx, def, sc, cause, id, false); err != nil {
			// fail fast: remaining steps stay done with no compensation
			// attempt recorded
			return err
		}
	}
	return nil
}

func (c *compensator) groupedParallel(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error) error {
	var agg *multierror.Error
	var critical error
	var mu sync.Mutex

	for i := len(def.layers) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		for _, id := range def.layers[i] {
			if sc.slots[id].status != StepDone {
				continue
			}
			id := id
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := c.compensateStep(ctx, def, sc, cause, id, false)
				if err != nil {
					mu.Lock()
					agg = multierror.Append(agg, err)
					if critical == nil && def.steps[id].compCritical {
						critical = err
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if critical != nil {
			return critical
		}
	}
	return agg.ErrorOrNil()
}

func (c *compensator) retryWithBackoff(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error, completed []string) error {
	for _, id := range completed {
		step := def.steps[id]
		attempts := step.compRetry
		if attempts <= 0 {
			attempts = defaultCompensationRetry
		}
		backoff := step.compBackoff
		if backoff <= 0 {
			backoff = defaultCompensationBackoff
		}
		err := retry.Do(
			func() error { return c.compensateOnce(ctx, def, sc, cause, id) },
			retry.Attempts(uint(attempts)),
			retry.Delay(backoff),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		c.finishStep(def, sc, id, err)
		if err != nil {
			cerr := &CompensationError{StepID: id, Err: err}
			if step.compCritical {
				return cerr
			}
			if herr := c.handler.Handle(ctx, c.log, cerr); herr != nil {
				return herr
			}
		}
	}
	return nil
}

func (c *compensator) circuitBreaker(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error, completed []string) error {
	var agg *multierror.Error
	consecutive := 0
	for _, id := range completed {
		if consecutive >= compensationBreakerThreshold {
			c.log.Warn().Str("step", id).Msg("compensation breaker open, skipping step")
			continue
		}
		err := c.compensateStep(ctx, def, sc, cause, id, true)
		if err != nil {
			if def.steps[id].compCritical {
				return err
			}
			consecutive++
			agg = multierror.Append(agg, err)
			continue
		}
		consecutive = 0
	}
	return agg.ErrorOrNil()
}

func (c *compensator) bestEffort(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error, completed []string) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var critical error

	for _, id := range completed {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.compensateStep(ctx, def, sc, cause, id, true)
			if err != nil && def.steps[id].compCritical {
				mu.Lock()
				if critical == nil {
					critical = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	// errors are reported through the handler but never re-raised, except
	// for critical steps
	return critical
}

// compensateStep runs one compensation call and settles the slot. When
// swallow is true a non-critical error is reported to the handler and the
// handler's verdict returned; otherwise the error propagates.
func (c *compensator) compensateStep(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error, id string, swallow bool) error {
	err := c.compensateOnce(ctx, def, sc, cause, id)
	c.finishStep(def, sc, id, err)
	if err == nil {
		return nil
	}
	cerr := &CompensationError{StepID: id, Err: err}
	if def.steps[id].compCritical {
		return cerr
	}
	if swallow {
		_ = c.handler.Handle(ctx, c.log, cerr)
		return cerr
	}
	return c.handler.Handle(ctx, c.log, cerr)
}

// compensateOnce performs a single compensation invocation for a step.
// Steps without a compensation handler settle as compensated no-ops.
func (c *compensator) compensateOnce(ctx context.Context, def *SagaDefinition, sc *SagaContext, cause error, id string) error {
	step := def.steps[id]
	slot := sc.slots[id]
	if step.compensation == nil {
		return nil
	}
	src := &compensationSource{SagaContext: sc, cause: cause}
	res := c.inv.invoke(ctx, compensationUnit(step), src, nil)
	if res.Err != nil {
		return res.Err
	}
	slot.compResult = res.Result
	return nil
}

// finishStep records the terminal compensation state of one step and emits
// the lifecycle event.
func (c *compensator) finishStep(def *SagaDefinition, sc *SagaContext, id string, err error) {
	slot := sc.slots[id]
	if err == nil {
		slot.status = StepCompensated
		slot.compensated = true
	} else {
		slot.compErr = err
	}
	c.events.OnCompensated(def.name, sc.correlationID, id, err)
	if err != nil {
		c.log.Error().Err(err).Str("step", id).Msg("compensation failed")
	}
}
