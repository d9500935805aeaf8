package dtx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// ErrCircuitOpen is returned for work rejected while a circuit-breaker
// strategy is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Task is one unit of batch work admitted through a backpressure strategy.
type Task func(ctx context.Context) error

// Strategy throttles how much concurrent work a batch processor admits.
type Strategy interface {
	Run(ctx context.Context, tasks []Task) error
}

// AdaptiveStrategy starts at an initial concurrency and adjusts between
// batches: up on a clean, fast batch, down on any error or high latency.
type AdaptiveStrategy struct {
	Initial          int
	Min              int
	Max              int
	BatchSize        int
	LatencyThreshold time.Duration
}

// NewAdaptiveStrategy builds an adaptive strategy with sane bounds.
func NewAdaptiveStrategy(initial, min, max, batchSize int, latencyThreshold time.Duration) *AdaptiveStrategy {
	if min < 1 {
		min = 1
	}
	if initial < min {
		initial = min
	}
	if max < initial {
		max = initial
	}
	if batchSize < 1 {
		batchSize = initial
	}
	return &AdaptiveStrategy{
		Initial:          initial,
		Min:              min,
		Max:              max,
		BatchSize:        batchSize,
		LatencyThreshold: latencyThreshold,
	}
}

func (s *AdaptiveStrategy) Run(ctx context.Context, tasks []Task) error {
	permits := s.Initial
	var agg *multierror.Error

	for start := 0; start < len(tasks); start += s.BatchSize {
		end := start + s.BatchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[start:end]

		sem := semaphore.NewWeighted(int64(permits))
		var wg sync.WaitGroup
		var mu sync.Mutex
		failures := 0
		var total time.Duration

		for _, task := range batch {
			task := task
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					mu.Lock()
					failures++
					agg = multierror.Append(agg, err)
					mu.Unlock()
					return
				}
				defer sem.Release(1)
				began := time.Now()
				err := task(ctx)
				mu.Lock()
				total += time.Since(began)
				if err != nil {
					failures++
					agg = multierror.Append(agg, err)
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		avg := time.Duration(0)
		if len(batch) > 0 {
			avg = total / time.Duration(len(batch))
		}
		if failures == 0 && (s.LatencyThreshold <= 0 || avg < s.LatencyThreshold) {
			if permits < s.Max {
				permits++
			}
		} else if permits > s.Min {
			permits--
		}
	}
	return agg.ErrorOrNil()
}

// BatchedStrategy runs fixed-size batches fully in parallel, draining each
// batch before starting the next.
type BatchedStrategy struct {
	Size int
}

// NewBatchedStrategy builds a fixed-batch strategy.
func NewBatchedStrategy(size int) *BatchedStrategy {
	if size < 1 {
		size = 1
	}
	return &BatchedStrategy{Size: size}
}

func (s *BatchedStrategy) Run(ctx context.Context, tasks []Task) error {
	var agg *multierror.Error
	for start := 0; start < len(tasks); start += s.Size {
		end := start + s.Size
		if end > len(tasks) {
			end = len(tasks)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, task := range tasks[start:end] {
			task := task
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := task(ctx); err != nil {
					mu.Lock()
					agg = multierror.Append(agg, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
	return agg.ErrorOrNil()
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerStrategy admits work sequentially through a three-state
// breaker: it opens after FailureThreshold consecutive failures, rejects
// work while open, and after WaitDuration admits one probe that decides
// between closing and reopening.
type CircuitBreakerStrategy struct {
	FailureThreshold int
	WaitDuration     time.Duration

	mu          sync.Mutex
	state       breakerState
	consecutive int
	openedAt    time.Time
	now         func() time.Time
}

// NewCircuitBreakerStrategy builds a breaker strategy.
func NewCircuitBreakerStrategy(failureThreshold int, waitDuration time.Duration) *CircuitBreakerStrategy {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreakerStrategy{
		FailureThreshold: failureThreshold,
		WaitDuration:     waitDuration,
		now:              time.Now,
	}
}

// State reports the breaker state as a string for observability.
func (s *CircuitBreakerStrategy) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.sampleState() {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// sampleState folds the wait-duration transition into the current state.
// Callers hold s.mu.
func (s *CircuitBreakerStrategy) sampleState() breakerState {
	if s.state == breakerOpen && s.now().Sub(s.openedAt) >= s.WaitDuration {
		s.state = breakerHalfOpen
	}
	return s.state
}

func (s *CircuitBreakerStrategy) allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleState() != breakerOpen
}

func (s *CircuitBreakerStrategy) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.state = breakerClosed
		s.consecutive = 0
		return
	}
	if s.state == breakerHalfOpen {
		// probe failed, reopen
		s.state = breakerOpen
		s.openedAt = s.now()
		return
	}
	s.consecutive++
	if s.consecutive >= s.FailureThreshold {
		s.state = breakerOpen
		s.openedAt = s.now()
	}
}

func (s *CircuitBreakerStrategy) Run(ctx context.Context, tasks []Task) error {
	var agg *multierror.Error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			agg = multierror.Append(agg, err)
			break
		}
		if !s.allow() {
			agg = multierror.Append(agg, ErrCircuitOpen)
			continue
		}
		err := task(ctx)
		s.record(err)
		if err != nil {
			agg = multierror.Append(agg, err)
		}
	}
	return agg.ErrorOrNil()
}

// BatchExecutor runs many executions of one registered saga through a
// backpressure strategy.
type BatchExecutor struct {
	engine   *Engine
	strategy Strategy
}

// NewBatchExecutor wires a strategy to an engine.
func NewBatchExecutor(engine *Engine, strategy Strategy) *BatchExecutor {
	return &BatchExecutor{engine: engine, strategy: strategy}
}

// ExecuteSagaBatch runs the named saga once per input. Results arrive in
// input order; a nil entry means the strategy rejected that input.
func (b *BatchExecutor) ExecuteSagaBatch(ctx context.Context, name string, inputs []any, headers map[string]string) ([]*SagaResult, error) {
	results := make([]*SagaResult, len(inputs))
	tasks := make([]Task, len(inputs))
	for i, input := range inputs {
		i, input := i, input
		tasks[i] = func(ctx context.Context) error {
			res, err := b.engine.ExecuteSaga(ctx, name, input, headers)
			if err != nil {
				return err
			}
			results[i] = res
			if !res.Success {
				return res.Error
			}
			return nil
		}
	}
	err := b.strategy.Run(ctx, tasks)
	return results, err
}
