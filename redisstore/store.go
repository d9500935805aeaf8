// Package redisstore persists execution state in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dtxkit/dtx"
)

const keyPrefix = "dtx:exec:"

// Store implements dtx.Store on top of Redis. Records are stored as JSON
// values under dtx:exec:<correlation-id>.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL expires records automatically after the given duration. Zero
// (the default) keeps records until Cleanup removes them.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// New builds a store around an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to Redis at the given address and verifies the
// connection.
func Open(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts...), nil
}

func key(correlationID string) string {
	return keyPrefix + correlationID
}

// PersistState writes the initial record for a new execution.
func (s *Store) PersistState(ctx context.Context, rec *dtx.StateRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key(rec.CorrelationID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetState loads a record by correlation id.
func (s *Store) GetState(ctx context.Context, correlationID string) (*dtx.StateRecord, error) {
	payload, err := s.client.Get(ctx, key(correlationID)).Bytes()
	if err == redis.Nil {
		return nil, dtx.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	var rec dtx.StateRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// UpdateStepStatus records one step transition.
func (s *Store) UpdateStepStatus(ctx context.Context, correlationID, stepID string, status dtx.StepStatus) error {
	return s.mutate(ctx, correlationID, func(rec *dtx.StateRecord) {
		if rec.Steps == nil {
			rec.Steps = make(map[string]dtx.StepState)
		}
		rec.Steps[stepID] = dtx.StepState{Status: status.String()}
	})
}

// MarkCompleted finalizes a record.
func (s *Store) MarkCompleted(ctx context.Context, correlationID string, successful bool) error {
	return s.mutate(ctx, correlationID, func(rec *dtx.StateRecord) {
		now := time.Now()
		rec.CompletedAt = &now
		rec.Successful = &successful
		if successful {
			rec.Status = dtx.StateCompleted
		} else {
			rec.Status = dtx.StateFailed
		}
	})
}

// mutate applies a read-modify-write of one record. Concurrent writers to
// the same execution are not expected; each engine owns its records.
func (s *Store) mutate(ctx context.Context, correlationID string, apply func(*dtx.StateRecord)) error {
	rec, err := s.GetState(ctx, correlationID)
	if err != nil {
		return err
	}
	apply(rec)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.Set(ctx, key(correlationID), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// InFlight lists records still marked IN_FLIGHT.
func (s *Store) InFlight(ctx context.Context) ([]*dtx.StateRecord, error) {
	return s.scan(ctx, func(rec *dtx.StateRecord) bool {
		return rec.Status == dtx.StateInFlight
	})
}

// Stale lists IN_FLIGHT records started before the given time.
func (s *Store) Stale(ctx context.Context, before time.Time) ([]*dtx.StateRecord, error) {
	return s.scan(ctx, func(rec *dtx.StateRecord) bool {
		return rec.Status == dtx.StateInFlight && rec.StartedAt.Before(before)
	})
}

// Cleanup deletes terminal records completed before the given time.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	expired, err := s.scan(ctx, func(rec *dtx.StateRecord) bool {
		return rec.Status != dtx.StateInFlight && rec.CompletedAt != nil && rec.CompletedAt.Before(olderThan)
	})
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		if err := s.client.Del(ctx, key(rec.CorrelationID)).Err(); err != nil {
			return 0, fmt.Errorf("delete record: %w", err)
		}
	}
	return len(expired), nil
}

// Healthy reports whether Redis answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *Store) scan(ctx context.Context, keep func(*dtx.StateRecord) bool) ([]*dtx.StateRecord, error) {
	var out []*dtx.StateRecord
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		payload, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		var rec dtx.StateRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		if keep(&rec) {
			out = append(out, &rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}
