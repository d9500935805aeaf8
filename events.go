package dtx

import (
	"time"

	"github.com/rs/zerolog"
)

// Events receives fire-and-forget lifecycle notifications from the engine.
// Implementations must be safe for concurrent use; steps of one layer may
// emit concurrently.
type Events interface {
	OnStart(name, correlationID string)
	OnStepSuccess(name, correlationID, stepID string, attempts int, latency time.Duration)
	OnStepFailed(name, correlationID, stepID string, attempts int, latency time.Duration, err error)
	OnCompensated(name, correlationID, stepID string, err error)
	OnCompleted(name, correlationID string, successful bool)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) OnStart(string, string)                                           {}
func (NopEvents) OnStepSuccess(string, string, string, int, time.Duration)         {}
func (NopEvents) OnStepFailed(string, string, string, int, time.Duration, error)   {}
func (NopEvents) OnCompensated(string, string, string, error)                      {}
func (NopEvents) OnCompleted(string, string, bool)                                 {}

// CompositeEvents fans notifications out to multiple sinks. A panicking
// sink is isolated so it cannot block or fail the others.
type CompositeEvents struct {
	sinks []Events
}

// NewCompositeEvents composes event sinks.
func NewCompositeEvents(sinks ...Events) *CompositeEvents {
	return &CompositeEvents{sinks: sinks}
}

func (c *CompositeEvents) each(fn func(Events)) {
	for _, s := range c.sinks {
		func() {
			defer func() { _ = recover() }()
			fn(s)
		}()
	}
}

func (c *CompositeEvents) OnStart(name, correlationID string) {
	c.each(func(e Events) { e.OnStart(name, correlationID) })
}

func (c *CompositeEvents) OnStepSuccess(name, correlationID, stepID string, attempts int, latency time.Duration) {
	c.each(func(e Events) { e.OnStepSuccess(name, correlationID, stepID, attempts, latency) })
}

func (c *CompositeEvents) OnStepFailed(name, correlationID, stepID string, attempts int, latency time.Duration, err error) {
	c.each(func(e Events) { e.OnStepFailed(name, correlationID, stepID, attempts, latency, err) })
}

func (c *CompositeEvents) OnCompensated(name, correlationID, stepID string, err error) {
	c.each(func(e Events) { e.OnCompensated(name, correlationID, stepID, err) })
}

func (c *CompositeEvents) OnCompleted(name, correlationID string, successful bool) {
	c.each(func(e Events) { e.OnCompleted(name, correlationID, successful) })
}

// LogEvents writes lifecycle notifications through a zerolog logger.
type LogEvents struct {
	log zerolog.Logger
}

// NewLogEvents builds a logging event sink.
func NewLogEvents(log zerolog.Logger) *LogEvents {
	return &LogEvents{log: log}
}

func (l *LogEvents) OnStart(name, correlationID string) {
	l.log.Info().Str("name", name).Str("correlationId", correlationID).Msg("execution started")
}

func (l *LogEvents) OnStepSuccess(name, correlationID, stepID string, attempts int, latency time.Duration) {
	l.log.Info().Str("name", name).Str("correlationId", correlationID).
		Str("step", stepID).Int("attempts", attempts).Dur("latency", latency).
		Msg("step succeeded")
}

func (l *LogEvents) OnStepFailed(name, correlationID, stepID string, attempts int, latency time.Duration, err error) {
	l.log.Error().Err(err).Str("name", name).Str("correlationId", correlationID).
		Str("step", stepID).Int("attempts", attempts).Dur("latency", latency).
		Msg("step failed")
}

func (l *LogEvents) OnCompensated(name, correlationID, stepID string, err error) {
	evt := l.log.Info()
	if err != nil {
		evt = l.log.Error().Err(err)
	}
	evt.Str("name", name).Str("correlationId", correlationID).Str("step", stepID).Msg("step compensated")
}

func (l *LogEvents) OnCompleted(name, correlationID string, successful bool) {
	l.log.Info().Str("name", name).Str("correlationId", correlationID).
		Bool("successful", successful).Msg("execution completed")
}
