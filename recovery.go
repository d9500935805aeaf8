package dtx

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Recovery sweeps the persistence backend for executions orphaned by a
// crash. A live saga cannot be cancelled; failing its stale record is the
// only cross-process cancellation path.
type Recovery struct {
	store  Store
	events Events
	log    zerolog.Logger
	clock  func() time.Time
}

// NewRecovery builds a recovery service over a store.
func NewRecovery(store Store, events Events, log zerolog.Logger) *Recovery {
	if events == nil {
		events = NopEvents{}
	}
	return &Recovery{store: store, events: events, log: log, clock: time.Now}
}

// RecoverStale marks in-flight records older than the threshold as FAILED,
// emits lifecycle events and returns how many were recovered.
func (r *Recovery) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error) {
	before := r.clock().Add(-staleThreshold)
	stale, err := r.store.Stale(ctx, before)
	if err != nil {
		return 0, err
	}

	var agg *multierror.Error
	recovered := 0
	for _, rec := range stale {
		if err := r.store.MarkCompleted(ctx, rec.CorrelationID, false); err != nil {
			agg = multierror.Append(agg, err)
			continue
		}
		recovered++
		r.events.OnCompleted(rec.Name, rec.CorrelationID, false)
		r.log.Warn().Str("name", rec.Name).Str("correlationId", rec.CorrelationID).
			Time("startedAt", rec.StartedAt).Msg("recovered stale execution")
	}
	return recovered, agg.ErrorOrNil()
}

// Cleanup deletes terminal records past the retention window and returns
// how many were removed.
func (r *Recovery) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	olderThan := r.clock().Add(-retention)
	n, err := r.store.Cleanup(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info().Int("removed", n).Msg("cleaned up expired execution records")
	}
	return n, nil
}

// Sweeper runs recovery on a schedule.
type Sweeper struct {
	recovery       *Recovery
	cron           *cron.Cron
	staleThreshold time.Duration
	retention      time.Duration
	log            zerolog.Logger
}

// NewSweeper schedules RecoverStale every sweepEvery and Cleanup once per
// hour, using the given staleness threshold and retention window.
func NewSweeper(recovery *Recovery, sweepEvery, staleThreshold, retention time.Duration, log zerolog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		recovery:       recovery,
		cron:           cron.New(),
		staleThreshold: staleThreshold,
		retention:      retention,
		log:            log,
	}

	_, err := s.cron.AddFunc("@every "+sweepEvery.String(), func() {
		if _, err := s.recovery.RecoverStale(context.Background(), s.staleThreshold); err != nil {
			s.log.Error().Err(err).Msg("stale recovery sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	_, err = s.cron.AddFunc("@hourly", func() {
		if _, err := s.recovery.Cleanup(context.Background(), s.retention); err != nil {
			s.log.Error().Err(err).Msg("cleanup sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for running sweeps.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
