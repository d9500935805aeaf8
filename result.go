package dtx

import (
	"sort"
	"time"
)

// StepOutcome is the immutable record of one step after the execution has
// reached a terminal state.
type StepOutcome struct {
	StepID            string
	Status            StepStatus
	Attempts          int
	Latency           time.Duration
	Result            any
	Err               error
	Compensated       bool
	CompensationValue any
	CompensationErr   error
}

// SagaResult is the immutable terminal outcome of one saga execution.
type SagaResult struct {
	SagaName        string
	CorrelationID   string
	StartedAt       time.Time
	CompletedAt     time.Time
	Success         bool
	Error           error
	CompensationErr error
	Headers         map[string]string
	Steps           map[string]StepOutcome
}

// ResultOf returns the forward result of one step.
func (r *SagaResult) ResultOf(stepID string) (any, bool) {
	o, ok := r.Steps[stepID]
	if !ok || o.Status != StepDone && o.Status != StepCompensated {
		return nil, false
	}
	return o.Result, true
}

// FailedSteps returns the ids of steps that ended failed, sorted.
func (r *SagaResult) FailedSteps() []string {
	return r.stepsWith(func(o StepOutcome) bool { return o.Status == StepFailed })
}

// CompensatedSteps returns the ids of steps that were compensated, sorted.
func (r *SagaResult) CompensatedSteps() []string {
	return r.stepsWith(func(o StepOutcome) bool { return o.Status == StepCompensated })
}

func (r *SagaResult) stepsWith(pred func(StepOutcome) bool) []string {
	var ids []string
	for id, o := range r.Steps {
		if pred(o) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// buildResult snapshots the context into an immutable SagaResult.
func buildResult(def *SagaDefinition, c *SagaContext, success bool, rootErr, compErr error, completedAt time.Time) *SagaResult {
	steps := make(map[string]StepOutcome, len(c.slots))
	for id, slot := range c.slots {
		steps[id] = StepOutcome{
			StepID:            id,
			Status:            slot.status,
			Attempts:          slot.attempts,
			Latency:           slot.latency,
			Result:            slot.result,
			Err:               slot.err,
			Compensated:       slot.compensated,
			CompensationValue: slot.compResult,
			CompensationErr:   slot.compErr,
		}
	}
	return &SagaResult{
		SagaName:        def.name,
		CorrelationID:   c.correlationID,
		StartedAt:       c.startedAt,
		CompletedAt:     completedAt,
		Success:         success,
		Error:           rootErr,
		CompensationErr: compErr,
		Headers:         c.HeaderMap(),
		Steps:           steps,
	}
}

// StateRecordOf projects a result onto the persisted state record shape, so
// a terminal result and a reloaded record agree on the step status map.
func StateRecordOf(r *SagaResult) *StateRecord {
	rec := &StateRecord{
		CorrelationID: r.CorrelationID,
		Name:          r.SagaName,
		Status:        StateCompleted,
		StartedAt:     r.StartedAt,
		Steps:         make(map[string]StepState, len(r.Steps)),
	}
	if !r.Success {
		rec.Status = StateFailed
	}
	completed := r.CompletedAt
	rec.CompletedAt = &completed
	success := r.Success
	rec.Successful = &success
	for id, o := range r.Steps {
		rec.Steps[id] = StepState{Status: o.Status.String()}
	}
	return rec
}
