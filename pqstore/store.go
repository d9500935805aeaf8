// Package pqstore persists execution state in PostgreSQL.
package pqstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dtxkit/dtx"
)

// Schema is the table the store expects. Apply it with your migration
// tooling before use.
const Schema = `
CREATE TABLE IF NOT EXISTS dtx_executions (
	correlation_id TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	successful     BOOLEAN,
	steps          JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS dtx_executions_status_started_idx
	ON dtx_executions (status, started_at);
`

// Store implements dtx.Store on top of a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// New builds a store around an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies the store schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PersistState writes the initial record for a new execution.
func (s *Store) PersistState(ctx context.Context, rec *dtx.StateRecord) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	query := `
		INSERT INTO dtx_executions (correlation_id, name, status, started_at, completed_at, successful, steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO UPDATE
		SET status = EXCLUDED.status,
		    completed_at = EXCLUDED.completed_at,
		    successful = EXCLUDED.successful,
		    steps = EXCLUDED.steps
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.CorrelationID, rec.Name, rec.Status, rec.StartedAt, rec.CompletedAt, rec.Successful, steps)
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// GetState loads a record by correlation id.
func (s *Store) GetState(ctx context.Context, correlationID string) (*dtx.StateRecord, error) {
	query := `
		SELECT correlation_id, name, status, started_at, completed_at, successful, steps
		FROM dtx_executions
		WHERE correlation_id = $1
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, correlationID))
	if err == sql.ErrNoRows {
		return nil, dtx.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return rec, nil
}

// UpdateStepStatus records one step transition inside the steps document.
func (s *Store) UpdateStepStatus(ctx context.Context, correlationID, stepID string, status dtx.StepStatus) error {
	step, err := json.Marshal(dtx.StepState{Status: status.String()})
	if err != nil {
		return fmt.Errorf("marshal step state: %w", err)
	}

	query := `
		UPDATE dtx_executions
		SET steps = jsonb_set(steps, ARRAY[$2], $3::jsonb, true)
		WHERE correlation_id = $1
	`
	res, err := s.db.ExecContext(ctx, query, correlationID, stepID, step)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	return requireRow(res)
}

// MarkCompleted finalizes a record.
func (s *Store) MarkCompleted(ctx context.Context, correlationID string, successful bool) error {
	status := dtx.StateCompleted
	if !successful {
		status = dtx.StateFailed
	}

	query := `
		UPDATE dtx_executions
		SET status = $2, successful = $3, completed_at = NOW()
		WHERE correlation_id = $1
	`
	res, err := s.db.ExecContext(ctx, query, correlationID, status, successful)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(res)
}

// InFlight lists records still marked IN_FLIGHT.
func (s *Store) InFlight(ctx context.Context) ([]*dtx.StateRecord, error) {
	query := `
		SELECT correlation_id, name, status, started_at, completed_at, successful, steps
		FROM dtx_executions
		WHERE status = $1
		ORDER BY started_at
	`
	return s.queryRecords(ctx, query, dtx.StateInFlight)
}

// Stale lists IN_FLIGHT records started before the given time.
func (s *Store) Stale(ctx context.Context, before time.Time) ([]*dtx.StateRecord, error) {
	query := `
		SELECT correlation_id, name, status, started_at, completed_at, successful, steps
		FROM dtx_executions
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
	`
	return s.queryRecords(ctx, query, dtx.StateInFlight, before)
}

// Cleanup deletes terminal records completed before the given time.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		DELETE FROM dtx_executions
		WHERE status <> $1 AND completed_at IS NOT NULL AND completed_at < $2
	`
	res, err := s.db.ExecContext(ctx, query, dtx.StateInFlight, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return int(n), nil
}

// Healthy reports whether the database answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*dtx.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []*dtx.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*dtx.StateRecord, error) {
	var rec dtx.StateRecord
	var completedAt sql.NullTime
	var successful sql.NullBool
	var steps []byte

	err := row.Scan(&rec.CorrelationID, &rec.Name, &rec.Status, &rec.StartedAt, &completedAt, &successful, &steps)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if successful.Valid {
		b := successful.Bool
		rec.Successful = &b
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &rec.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	return &rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return dtx.ErrStateNotFound
	}
	return nil
}
