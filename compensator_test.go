package dtx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compRecorder tracks the order compensation handlers fire in.
type compRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *compRecorder) handler(id string) Handler {
	return func(ctx context.Context, args []any) (any, error) {
		r.mu.Lock()
		r.order = append(r.order, id)
		r.mu.Unlock()
		return nil, nil
	}
}

func (r *compRecorder) failing(id string, err error) Handler {
	return func(ctx context.Context, args []any) (any, error) {
		r.mu.Lock()
		r.order = append(r.order, id)
		r.mu.Unlock()
		return nil, err
	}
}

func (r *compRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func failingStep(id string) *StepBuilder {
	return NewStep(id, func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New(id + " failed")
	})
}

func TestFirstStepFailureCompensatesNothing(t *testing.T) {
	saga, err := NewSagaBuilder("early-fail").
		AddStep(failingStep("a")).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(noopHandler)).
		AddStep(NewStep("c", noopHandler).DependsOn("a").Compensate(noopHandler)).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"a"}, result.FailedSteps())
	assert.Empty(t, result.CompensatedSteps())
	assert.Equal(t, StepPending, result.Steps["b"].Status)
}

func TestStrictSequentialCompensatesReverseCompletionOrder(t *testing.T) {
	rec := &compRecorder{}
	saga, err := NewSagaBuilder("chain").
		AddStep(NewStep("a", noopHandler).Compensate(rec.handler("a"))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.handler("b"))).
		AddStep(failingStep("c").DependsOn("b")).
		CompensationPolicy(CompensateStrictSequential).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.NoError(t, result.CompensationErr)
	assert.Equal(t, []string{"b", "a"}, rec.recorded())
	assert.Equal(t, []string{"a", "b"}, result.CompensatedSteps())
	assert.True(t, result.Steps["a"].Compensated)
}

func TestStrictSequentialAbortsOnCompensationError(t *testing.T) {
	rec := &compRecorder{}
	compErr := errors.New("undo failed")
	saga, err := NewSagaBuilder("chain").
		AddStep(NewStep("a", noopHandler).Compensate(rec.handler("a"))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.failing("b", compErr))).
		AddStep(failingStep("c").DependsOn("b")).
		CompensationPolicy(CompensateStrictSequential).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	require.Error(t, result.CompensationErr)

	var cerr *CompensationError
	require.ErrorAs(t, result.CompensationErr, &cerr)
	assert.Equal(t, "b", cerr.StepID)
	assert.ErrorIs(t, cerr, compErr)

	// a was never attempted
	assert.Equal(t, []string{"b"}, rec.recorded())
	assert.Equal(t, StepDone, result.Steps["a"].Status)
	assert.Error(t, result.Steps["b"].CompensationErr)
}

func TestStrictSequentialLogAndContinue(t *testing.T) {
	rec := &compRecorder{}
	saga, err := NewSagaBuilder("chain").
		AddStep(NewStep("a", noopHandler).Compensate(rec.handler("a"))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.failing("b", errors.New("undo failed")))).
		AddStep(failingStep("c").DependsOn("b")).
		CompensationPolicy(CompensateStrictSequential).
		OnCompensationError(LogAndContinue()).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.NoError(t, result.CompensationErr)
	assert.Equal(t, []string{"b", "a"}, rec.recorded())
	assert.Equal(t, []string{"a"}, result.CompensatedSteps())
}

func TestGroupedParallelCompensatesLayerByLayer(t *testing.T) {
	rec := &compRecorder{}
	saga, err := NewSagaBuilder("diamond").
		AddStep(NewStep("a", noopHandler).Compensate(rec.handler("a"))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.handler("b"))).
		AddStep(NewStep("c", noopHandler).DependsOn("a").Compensate(rec.handler("c"))).
		AddStep(failingStep("d").DependsOn("b", "c")).
		CompensationPolicy(CompensateGroupedParallel).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.NoError(t, result.CompensationErr)

	order := rec.recorded()
	require.Len(t, order, 3)
	// b and c may interleave, a always last
	assert.ElementsMatch(t, []string{"b", "c"}, order[:2])
	assert.Equal(t, "a", order[2])
	assert.Equal(t, []string{"a", "b", "c"}, result.CompensatedSteps())
}

func TestGroupedParallelContinuesPastFailures(t *testing.T) {
	rec := &compRecorder{}
	saga, err := NewSagaBuilder("diamond").
		AddStep(NewStep("a", noopHandler).Compensate(rec.handler("a"))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.failing("b", errors.New("undo b")))).
		AddStep(NewStep("c", noopHandler).DependsOn("a").Compensate(rec.handler("c"))).
		AddStep(failingStep("d").DependsOn("b", "c")).
		CompensationPolicy(CompensateGroupedParallel).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	require.Error(t, result.CompensationErr)

	// the inner layer failure does not stop the outer layer
	assert.Contains(t, rec.recorded(), "a")
	assert.Equal(t, []string{"a", "c"}, result.CompensatedSteps())
}

func TestRetryWithBackoffRetriesCompensation(t *testing.T) {
	var calls int
	saga, err := NewSagaBuilder("retrying").
		AddStep(NewStep("a", noopHandler).
			Compensate(func(ctx context.Context, args []any) (any, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("transient undo failure")
				}
				return nil, nil
			}).
			CompensationRetry(3).
			CompensationBackoff(time.Millisecond)).
		AddStep(failingStep("b").DependsOn("a")).
		CompensationPolicy(CompensateRetryWithBackoff).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.NoError(t, result.CompensationErr)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"a"}, result.CompensatedSteps())
}

func TestCircuitBreakerStopsAfterConsecutiveFailures(t *testing.T) {
	rec := &compRecorder{}
	undoErr := errors.New("undo failed")
	saga, err := NewSagaBuilder("breaker").
		AddStep(NewStep("a", noopHandler).Compensate(rec.handler("a"))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.failing("b", undoErr))).
		AddStep(NewStep("c", noopHandler).DependsOn("b").Compensate(rec.failing("c", undoErr))).
		AddStep(NewStep("d", noopHandler).DependsOn("c").Compensate(rec.failing("d", undoErr))).
		AddStep(failingStep("e").DependsOn("d")).
		CompensationPolicy(CompensateCircuitBreaker).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	require.Error(t, result.CompensationErr)

	// d, c, b fail consecutively; the breaker opens and a is skipped
	assert.Equal(t, []string{"d", "c", "b"}, rec.recorded())
	assert.Equal(t, StepDone, result.Steps["a"].Status)
}

func TestBestEffortCompensatesEverything(t *testing.T) {
	rec := &compRecorder{}
	saga, err := NewSagaBuilder("best-effort").
		AddStep(NewStep("a", noopHandler).Compensate(rec.failing("a", errors.New("undo a")))).
		AddStep(NewStep("b", noopHandler).DependsOn("a").Compensate(rec.handler("b"))).
		AddStep(NewStep("c", noopHandler).DependsOn("b").Compensate(rec.handler("c"))).
		AddStep(failingStep("d").DependsOn("c")).
		CompensationPolicy(CompensateBestEffort).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.NoError(t, result.CompensationErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, rec.recorded())
	assert.Equal(t, []string{"b", "c"}, result.CompensatedSteps())
	assert.Error(t, result.Steps["a"].CompensationErr)
}

func TestCriticalCompensationFailureSurfaces(t *testing.T) {
	saga, err := NewSagaBuilder("critical").
		AddStep(NewStep("a", noopHandler).
			Compensate(func(ctx context.Context, args []any) (any, error) {
				return nil, errors.New("cannot release funds")
			}).
			CompensationCritical()).
		AddStep(failingStep("b").DependsOn("a")).
		CompensationPolicy(CompensateBestEffort).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	require.Error(t, result.CompensationErr)

	var cerr *CompensationError
	require.ErrorAs(t, result.CompensationErr, &cerr)
	assert.Equal(t, "a", cerr.StepID)
}

func TestStepWithoutCompensationSettlesAsNoOp(t *testing.T) {
	saga, err := NewSagaBuilder("noop-comp").
		AddStep(NewStep("a", noopHandler)).
		AddStep(failingStep("b").DependsOn("a")).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.NoError(t, result.CompensationErr)
	assert.Equal(t, []string{"a"}, result.CompensatedSteps())
	assert.True(t, result.Steps["a"].Compensated)
}

func TestCompensationCauseBinding(t *testing.T) {
	var seen error
	rootErr := errors.New("c failed")
	saga, err := NewSagaBuilder("cause").
		AddStep(NewStep("a", noopHandler).
			Compensate(func(ctx context.Context, args []any) (any, error) {
				seen = args[0].(error)
				return nil, nil
			}, CompensationCause())).
		AddStep(failingStep("c").DependsOn("a")).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	require.Error(t, seen)
	assert.Equal(t, rootErr.Error(), seen.Error())
	assert.Equal(t, result.Error, seen)
}

func TestCompensationReadsForwardResult(t *testing.T) {
	var released any
	saga, err := NewSagaBuilder("reads-forward").
		AddStep(NewStep("reserve", func(ctx context.Context, args []any) (any, error) {
			return "reservation-1", nil
		}).Compensate(func(ctx context.Context, args []any) (any, error) {
			released = args[0]
			return nil, nil
		}, FromStep("reserve"))).
		AddStep(failingStep("ship").DependsOn("reserve")).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "reservation-1", released)
	assert.Equal(t, []string{"reserve"}, result.CompensatedSteps())
}
