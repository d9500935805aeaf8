package dtx

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// CompensationErrorHandler decides what happens when a compensation call
// fails. Handle returns nil to let the compensation chain proceed, or an
// error to re-raise.
type CompensationErrorHandler interface {
	Handle(ctx context.Context, log zerolog.Logger, err *CompensationError) error
}

type failFastHandler struct{}

func (failFastHandler) Handle(_ context.Context, _ zerolog.Logger, err *CompensationError) error {
	return err
}

// FailFast re-raises the compensation error immediately.
func FailFast() CompensationErrorHandler { return failFastHandler{} }

type logAndContinueHandler struct{}

func (logAndContinueHandler) Handle(_ context.Context, log zerolog.Logger, err *CompensationError) error {
	log.Warn().Err(err.Err).Str("step", err.StepID).Msg("compensation error swallowed")
	return nil
}

// LogAndContinue swallows the error after logging it.
func LogAndContinue() CompensationErrorHandler { return logAndContinueHandler{} }

// RetryCompensationHandler re-invokes the failed compensation with
// exponential backoff up to Attempts times, then re-raises.
type RetryCompensationHandler struct {
	Attempts int
	Backoff  time.Duration
	// Reinvoke is invoked for each retry round. When nil the handler only
	// delays and re-raises, leaving the retry to the policy.
	Reinvoke func(ctx context.Context, stepID string) error
}

func (h *RetryCompensationHandler) Handle(ctx context.Context, log zerolog.Logger, cerr *CompensationError) error {
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = defaultCompensationRetry
	}
	backoff := h.Backoff
	if backoff <= 0 {
		backoff = defaultCompensationBackoff
	}
	if h.Reinvoke == nil {
		return cerr
	}
	err := retry.Do(
		func() error { return h.Reinvoke(ctx, cerr.StepID) },
		retry.Attempts(uint(attempts)),
		retry.Delay(backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Str("step", cerr.StepID).Uint("attempt", n+1).Msg("retrying compensation")
		}),
	)
	if err != nil {
		return &CompensationError{StepID: cerr.StepID, Err: err}
	}
	return nil
}

type compositeHandler struct {
	primary  CompensationErrorHandler
	fallback CompensationErrorHandler
}

// Composite consults the primary handler first; if the primary itself
// fails, the fallback decides.
func Composite(primary, fallback CompensationErrorHandler) CompensationErrorHandler {
	return &compositeHandler{primary: primary, fallback: fallback}
}

func (h *compositeHandler) Handle(ctx context.Context, log zerolog.Logger, err *CompensationError) error {
	perr := h.primary.Handle(ctx, log, err)
	if perr == nil {
		return nil
	}
	cerr, ok := perr.(*CompensationError)
	if !ok {
		cerr = &CompensationError{StepID: err.StepID, Err: perr}
	}
	return h.fallback.Handle(ctx, log, cerr)
}
