package dtx

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// orchestrator drives one saga execution: layered fan-out of steps bounded
// by the definition's layer concurrency, fan-in barriers between layers,
// and compensation of completed work when a layer fails.
type orchestrator struct {
	inv    *invoker
	store  Store
	events Events
	log    zerolog.Logger
	clock  func() time.Time
}

func (o *orchestrator) run(ctx context.Context, def *SagaDefinition, sc *SagaContext) *SagaResult {
	log := o.log.With().Str("saga", def.name).Str("correlationId", sc.correlationID).Logger()

	if err := o.store.PersistState(ctx, initialRecord(def, sc)); err != nil {
		log.Warn().Err(err).Msg("failed to persist initial saga state")
	}
	o.events.OnStart(def.name, sc.correlationID)

	var rootErr error
layers:
	for _, layer := range def.layers {
		var sem *semaphore.Weighted
		if def.layerConcurrency > 0 {
			sem = semaphore.NewWeighted(int64(def.layerConcurrency))
		}

		var wg sync.WaitGroup
		for _, id := range layer {
			step := def.steps[id]
			slot := sc.slots[id]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if sem != nil {
					if err := sem.Acquire(ctx, 1); err != nil {
						slot.status = StepFailed
						slot.err = err
						return
					}
					defer sem.Release(1)
				}
				o.runStep(ctx, def, step, sc, slot, log)
			}()
		}
		wg.Wait()

		for _, id := range layer {
			if sc.slots[id].status == StepFailed {
				rootErr = sc.slots[id].err
				break layers
			}
		}
	}

	success := rootErr == nil
	var compErr error
	if !success {
		comp := &compensator{inv: o.inv, events: o.events, log: log, handler: def.errorHandler}
		compErr = comp.compensate(ctx, def, sc, rootErr)
		o.persistCompensated(ctx, sc, log)
	}

	if err := o.store.MarkCompleted(ctx, sc.correlationID, success); err != nil {
		log.Warn().Err(err).Msg("failed to persist saga completion")
	}
	o.events.OnCompleted(def.name, sc.correlationID, success)
	return buildResult(def, sc, success, rootErr, compErr, o.clock())
}

// runStep executes one step task. It owns exactly its own slot; all writes
// below are scoped to it.
func (o *orchestrator) runStep(ctx context.Context, def *SagaDefinition, step *StepDefinition, sc *SagaContext, slot *stepSlot, log zerolog.Logger) {
	slot.status = StepRunning
	if err := o.store.UpdateStepStatus(ctx, sc.correlationID, step.id, StepRunning); err != nil {
		log.Warn().Err(err).Str("step", step.id).Msg("failed to persist step transition")
	}

	res := o.inv.invoke(ctx, stepUnit(step, sc), sc, sc)
	slot.attempts = res.Attempts
	slot.latency = res.Latency

	if res.Err != nil {
		slot.status = StepFailed
		slot.err = res.Err
		if err := o.store.UpdateStepStatus(ctx, sc.correlationID, step.id, StepFailed); err != nil {
			log.Warn().Err(err).Str("step", step.id).Msg("failed to persist step transition")
		}
		o.events.OnStepFailed(def.name, sc.correlationID, step.id, res.Attempts, res.Latency, res.Err)
		log.Error().Err(res.Err).Str("step", step.id).Int("attempts", res.Attempts).Msg("step failed")
		return
	}

	slot.status = StepDone
	slot.result = res.Result
	sc.recordCompletion(step.id)
	if err := o.store.UpdateStepStatus(ctx, sc.correlationID, step.id, StepDone); err != nil {
		log.Warn().Err(err).Str("step", step.id).Msg("failed to persist step transition")
	}
	o.events.OnStepSuccess(def.name, sc.correlationID, step.id, res.Attempts, res.Latency)
	log.Debug().Str("step", step.id).Dur("latency", res.Latency).Msg("step done")
}

func (o *orchestrator) persistCompensated(ctx context.Context, sc *SagaContext, log zerolog.Logger) {
	for id, slot := range sc.slots {
		if slot.status == StepCompensated {
			if err := o.store.UpdateStepStatus(ctx, sc.correlationID, id, StepCompensated); err != nil {
				log.Warn().Err(err).Str("step", id).Msg("failed to persist step transition")
			}
		}
	}
}

func initialRecord(def *SagaDefinition, sc *SagaContext) *StateRecord {
	steps := make(map[string]StepState, len(def.steps))
	for id := range def.steps {
		steps[id] = StepState{Status: StepPending.String()}
	}
	return &StateRecord{
		CorrelationID: sc.correlationID,
		Name:          def.name,
		Status:        StateInFlight,
		StartedAt:     sc.startedAt,
		Steps:         steps,
	}
}
