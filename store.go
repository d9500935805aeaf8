package dtx

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Persisted execution statuses.
const (
	StateInFlight  = "IN_FLIGHT"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// StepState is the persisted portion of one step's state.
type StepState struct {
	Status string `json:"status"`
}

// StateRecord is the crash-recovery snapshot of one execution. It is the
// only state that crosses process boundaries.
type StateRecord struct {
	CorrelationID string               `json:"correlation_id"`
	Name          string               `json:"name"`
	Status        string               `json:"status"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Successful    *bool                `json:"successful,omitempty"`
	Steps         map[string]StepState `json:"steps"`
}

// Store persists execution state for crash recovery. Implementations must
// serialize access internally; multiple engine instances may be recovering
// concurrently.
type Store interface {
	// PersistState writes the initial record for a new execution.
	PersistState(ctx context.Context, rec *StateRecord) error
	// GetState loads a record; ErrStateNotFound when absent.
	GetState(ctx context.Context, correlationID string) (*StateRecord, error)
	// UpdateStepStatus records one step transition.
	UpdateStepStatus(ctx context.Context, correlationID, stepID string, status StepStatus) error
	// MarkCompleted finalizes a record.
	MarkCompleted(ctx context.Context, correlationID string, successful bool) error
	// InFlight lists records still marked IN_FLIGHT.
	InFlight(ctx context.Context) ([]*StateRecord, error)
	// Stale lists IN_FLIGHT records started before the given time.
	Stale(ctx context.Context, before time.Time) ([]*StateRecord, error)
	// Cleanup deletes terminal records completed before the given time and
	// returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)
	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) bool
}

// MemoryStore is an in-memory Store for tests and single-process use.
// Records live in a btree ordered by correlation id so scans are
// deterministic.
type MemoryStore struct {
	mu      sync.RWMutex
	records *btree.Map[string, *StateRecord]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: btree.NewMap[string, *StateRecord](16)}
}

func cloneRecord(rec *StateRecord) *StateRecord {
	out := *rec
	out.Steps = make(map[string]StepState, len(rec.Steps))
	for k, v := range rec.Steps {
		out.Steps[k] = v
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		out.CompletedAt = &t
	}
	if rec.Successful != nil {
		b := *rec.Successful
		out.Successful = &b
	}
	return &out
}

// PersistState stores a copy of the record.
func (m *MemoryStore) PersistState(_ context.Context, rec *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Set(rec.CorrelationID, cloneRecord(rec))
	return nil
}

// GetState returns a copy of the record.
func (m *MemoryStore) GetState(_ context.Context, correlationID string) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records.Get(correlationID)
	if !ok {
		return nil, ErrStateNotFound
	}
	return cloneRecord(rec), nil
}

// UpdateStepStatus records one step transition.
func (m *MemoryStore) UpdateStepStatus(_ context.Context, correlationID, stepID string, status StepStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records.Get(correlationID)
	if !ok {
		return ErrStateNotFound
	}
	if rec.Steps == nil {
		rec.Steps = make(map[string]StepState)
	}
	rec.Steps[stepID] = StepState{Status: status.String()}
	return nil
}

// MarkCompleted finalizes a record.
func (m *MemoryStore) MarkCompleted(_ context.Context, correlationID string, successful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records.Get(correlationID)
	if !ok {
		return ErrStateNotFound
	}
	now := time.Now()
	rec.CompletedAt = &now
	rec.Successful = &successful
	if successful {
		rec.Status = StateCompleted
	} else {
		rec.Status = StateFailed
	}
	return nil
}

// InFlight lists records still marked IN_FLIGHT, ordered by correlation id.
func (m *MemoryStore) InFlight(_ context.Context) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StateRecord
	m.records.Scan(func(_ string, rec *StateRecord) bool {
		if rec.Status == StateInFlight {
			out = append(out, cloneRecord(rec))
		}
		return true
	})
	return out, nil
}

// Stale lists IN_FLIGHT records started before the given time.
func (m *MemoryStore) Stale(_ context.Context, before time.Time) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*StateRecord
	m.records.Scan(func(_ string, rec *StateRecord) bool {
		if rec.Status == StateInFlight && rec.StartedAt.Before(before) {
			out = append(out, cloneRecord(rec))
		}
		return true
	})
	return out, nil
}

// Cleanup deletes terminal records completed before the given time.
func (m *MemoryStore) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	m.records.Scan(func(id string, rec *StateRecord) bool {
		if rec.Status != StateInFlight && rec.CompletedAt != nil && rec.CompletedAt.Before(olderThan) {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		m.records.Delete(id)
	}
	return len(expired), nil
}

// Healthy always reports true for the in-memory store.
func (m *MemoryStore) Healthy(context.Context) bool { return true }
