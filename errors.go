package dtx

import (
	"errors"
	"fmt"
	"time"
)

// ErrStateNotFound is returned by Store implementations when no state
// record exists for a correlation id.
var ErrStateNotFound = errors.New("saga state not found")

// SagaValidationError reports a malformed saga definition. It is only
// produced at build time; a definition that validates never fails for
// structural reasons during execution.
type SagaValidationError struct {
	Saga   string
	Reason string
}

func (e *SagaValidationError) Error() string {
	return fmt.Sprintf("invalid saga %q: %s", e.Saga, e.Reason)
}

func sagaInvalid(saga, format string, args ...any) error {
	return &SagaValidationError{Saga: saga, Reason: fmt.Sprintf(format, args...)}
}

// TccValidationError reports a malformed TCC definition at build time.
type TccValidationError struct {
	Tcc    string
	Reason string
}

func (e *TccValidationError) Error() string {
	return fmt.Sprintf("invalid tcc %q: %s", e.Tcc, e.Reason)
}

func tccInvalid(tcc, format string, args ...any) error {
	return &TccValidationError{Tcc: tcc, Reason: fmt.Sprintf(format, args...)}
}

// UnresolvedBindingError indicates that a declared parameter binding could
// not be satisfied from the execution context, e.g. FromStep referencing a
// step that has not completed. It is fatal to the unit of work and is
// subject to the same retry accounting as a handler error.
type UnresolvedBindingError struct {
	Unit    string
	Binding string
}

func (e *UnresolvedBindingError) Error() string {
	return fmt.Sprintf("unit %q: unresolved binding %s", e.Unit, e.Binding)
}

// StepTimeoutError indicates that a single attempt of a saga step exceeded
// its configured timeout. Treated like any other handler error for retry
// purposes.
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %v", e.StepID, e.Timeout)
}

// ParticipantTimeoutError indicates that a TCC phase call exceeded its
// configured timeout.
type ParticipantTimeoutError struct {
	ParticipantID string
	Phase         TccPhase
	Timeout       time.Duration
}

func (e *ParticipantTimeoutError) Error() string {
	return fmt.Sprintf("participant %q %s timed out after %v", e.ParticipantID, e.Phase, e.Timeout)
}

// CompensationError wraps the failure of a compensation handler for one
// step. How it surfaces depends on the active compensation policy.
type CompensationError struct {
	StepID string
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %q failed: %v", e.StepID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// NotFoundError is returned by the engine when no definition is registered
// under the requested name.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not registered", e.Kind, e.Name)
}
