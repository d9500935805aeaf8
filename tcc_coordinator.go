package dtx

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// coordinator drives one Try-Confirm-Cancel execution. Try runs across
// participants in ascending order; a required try failure cancels every
// participant that completed Try, in the same ascending declared order.
// Cancel order deliberately differs from the saga compensator's reverse
// completion order.
type coordinator struct {
	inv    *invoker
	store  Store
	events Events
	log    zerolog.Logger
	clock  func() time.Time
}

func (co *coordinator) run(ctx context.Context, def *TccDefinition, tc *TccContext) *TccResult {
	log := co.log.With().Str("tcc", def.name).Str("correlationId", tc.correlationID).Logger()

	if err := co.store.PersistState(ctx, co.initialRecord(def, tc)); err != nil {
		log.Warn().Err(err).Msg("failed to persist initial tcc state")
	}
	co.events.OnStart(def.name, tc.correlationID)

	var rootErr error
	var failedID string

	// Try phase, ascending order.
	for _, p := range def.participants {
		slot := tc.slots[p.id]
		res := co.runPhase(ctx, def, p, PhaseTry, tc)
		slot.attempts = res.Attempts
		slot.latency = res.Latency
		if res.Err != nil {
			slot.tryErr = res.Err
			co.persistStep(ctx, tc, p.id, StepFailed, log)
			co.events.OnStepFailed(def.name, tc.correlationID, p.id, res.Attempts, res.Latency, res.Err)
			if p.optional && def.optionalPolicy == OptionalFailureProceeds {
				log.Warn().Err(res.Err).Str("participant", p.id).Msg("optional participant try failed, proceeding")
				continue
			}
			rootErr = res.Err
			failedID = p.id
			break
		}
		slot.tryDone = true
		slot.tryResult = res.Result
		co.persistStep(ctx, tc, p.id, StepDone, log)
		co.events.OnStepSuccess(def.name, tc.correlationID, p.id, res.Attempts, res.Latency)
	}

	success := false
	if rootErr == nil {
		tc.currentPhase = PhaseConfirm
		confirmFailed, confirmErr := co.confirmAll(ctx, def, tc, log)
		if confirmErr == nil {
			success = true
		} else {
			rootErr = confirmErr
			failedID = confirmFailed
		}
	} else {
		tc.currentPhase = PhaseCancel
		co.cancelAll(ctx, def, tc, log)
	}

	if err := co.store.MarkCompleted(ctx, tc.correlationID, success); err != nil {
		log.Warn().Err(err).Msg("failed to persist tcc completion")
	}
	co.events.OnCompleted(def.name, tc.correlationID, success)
	return co.buildResult(def, tc, success, rootErr, failedID)
}

// confirmAll commits every participant that completed Try, in ascending
// order. The first required confirm failure becomes the transaction error;
// remaining participants are still confirmed so reservations do not leak.
func (co *coordinator) confirmAll(ctx context.Context, def *TccDefinition, tc *TccContext, log zerolog.Logger) (string, error) {
	var firstErr error
	var failedID string
	for _, p := range def.participants {
		slot := tc.slots[p.id]
		if !slot.tryDone {
			continue
		}
		slot.phaseReached = PhaseConfirm
		if p.confirm.handler == nil {
			continue
		}
		res := co.runPhase(ctx, def, p, PhaseConfirm, tc)
		if res.Err != nil {
			slot.confirmErr = res.Err
			log.Error().Err(res.Err).Str("participant", p.id).Msg("confirm failed")
			if !p.optional && firstErr == nil {
				firstErr = res.Err
				failedID = p.id
			}
		}
	}
	return failedID, firstErr
}

// cancelAll releases every participant that completed Try, in ascending
// declared order. Cancel failures are recorded, never re-raised; the
// transaction is already failed.
func (co *coordinator) cancelAll(ctx context.Context, def *TccDefinition, tc *TccContext, log zerolog.Logger) {
	for _, p := range def.participants {
		slot := tc.slots[p.id]
		if !slot.tryDone {
			continue
		}
		slot.phaseReached = PhaseCancel
		co.persistStep(ctx, tc, p.id, StepCompensated, log)
		if p.cancel.handler == nil {
			co.events.OnCompensated(def.name, tc.correlationID, p.id, nil)
			continue
		}
		res := co.runPhase(ctx, def, p, PhaseCancel, tc)
		if res.Err != nil {
			slot.cancelErr = res.Err
			log.Error().Err(res.Err).Str("participant", p.id).Msg("cancel failed")
		}
		co.events.OnCompensated(def.name, tc.correlationID, p.id, res.Err)
	}
}

// runPhase executes one phase method of one participant through the shared
// invoker, inheriting participant and transaction defaults.
func (co *coordinator) runPhase(ctx context.Context, def *TccDefinition, p *ParticipantDefinition, ph TccPhase, tc *TccContext) invocation {
	spec := p.phase(ph)
	src := &participantSource{TccContext: tc, participantID: p.id}
	u := unit{
		id:       p.id + ":" + ph.String(),
		bindings: spec.bindings,
		handler:  spec.handler,
		retry:    spec.retry,
		backoff:  spec.backoff,
		timeout:  spec.timeout,
	}
	u.timeoutErr = func(timeout time.Duration) error {
		return &ParticipantTimeoutError{ParticipantID: p.id, Phase: ph, Timeout: timeout}
	}
	return co.inv.invoke(ctx, u, src, tc)
}

func (co *coordinator) persistStep(ctx context.Context, tc *TccContext, id string, status StepStatus, log zerolog.Logger) {
	if err := co.store.UpdateStepStatus(ctx, tc.correlationID, id, status); err != nil {
		log.Warn().Err(err).Str("participant", id).Msg("failed to persist participant transition")
	}
}

func (co *coordinator) initialRecord(def *TccDefinition, tc *TccContext) *StateRecord {
	steps := make(map[string]StepState, len(def.participants))
	for _, p := range def.participants {
		steps[p.id] = StepState{Status: StepPending.String()}
	}
	return &StateRecord{
		CorrelationID: tc.correlationID,
		Name:          def.name,
		Status:        StateInFlight,
		StartedAt:     tc.startedAt,
		Steps:         steps,
	}
}

func (co *coordinator) buildResult(def *TccDefinition, tc *TccContext, success bool, rootErr error, failedID string) *TccResult {
	participants := make(map[string]ParticipantResult, len(tc.slots))
	for _, p := range def.participants {
		slot := tc.slots[p.id]
		participants[p.id] = ParticipantResult{
			ParticipantID: p.id,
			Optional:      p.optional,
			FinalPhase:    slot.phaseReached,
			TryResult:     slot.tryResult,
			TryErr:        slot.tryErr,
			ConfirmErr:    slot.confirmErr,
			CancelErr:     slot.cancelErr,
			Attempts:      slot.attempts,
			Latency:       slot.latency,
		}
	}
	return &TccResult{
		TccName:             def.name,
		CorrelationID:       tc.correlationID,
		StartedAt:           tc.startedAt,
		CompletedAt:         co.clock(),
		Success:             success,
		Error:               rootErr,
		FailedParticipantID: failedID,
		FinalPhase:          tc.currentPhase,
		Headers:             tc.HeaderMap(),
		Participants:        participants,
	}
}
