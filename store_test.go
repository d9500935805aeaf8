package dtx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string, startedAt time.Time) *StateRecord {
	return &StateRecord{
		CorrelationID: id,
		Name:          "checkout",
		Status:        StateInFlight,
		StartedAt:     startedAt,
		Steps:         map[string]StepState{"a": {Status: "pending"}},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := newRecord("c-1", time.Now())
	require.NoError(t, store.PersistState(ctx, rec))

	got, err := store.GetState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, rec.CorrelationID, got.CorrelationID)
	assert.Equal(t, rec.Steps, got.Steps)

	// the stored record is isolated from caller mutation
	rec.Steps["a"] = StepState{Status: "mutated"}
	got, err = store.GetState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Steps["a"].Status)
}

func TestMemoryStoreGetStateNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStoreUpdateStepStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PersistState(ctx, newRecord("c-1", time.Now())))
	require.NoError(t, store.UpdateStepStatus(ctx, "c-1", "a", StepDone))

	got, err := store.GetState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Steps["a"].Status)

	assert.ErrorIs(t, store.UpdateStepStatus(ctx, "missing", "a", StepDone), ErrStateNotFound)
}

func TestMemoryStoreMarkCompleted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PersistState(ctx, newRecord("c-1", time.Now())))
	require.NoError(t, store.MarkCompleted(ctx, "c-1", false))

	got, err := store.GetState(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.Status)
	require.NotNil(t, got.Successful)
	assert.False(t, *got.Successful)
	assert.NotNil(t, got.CompletedAt)
}

func TestMemoryStoreInFlightAndStale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.PersistState(ctx, newRecord("c-old", old)))
	require.NoError(t, store.PersistState(ctx, newRecord("c-new", time.Now())))
	require.NoError(t, store.PersistState(ctx, newRecord("c-done", old)))
	require.NoError(t, store.MarkCompleted(ctx, "c-done", true))

	inFlight, err := store.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inFlight, 2)
	// btree scan order is by correlation id
	assert.Equal(t, "c-new", inFlight[0].CorrelationID)
	assert.Equal(t, "c-old", inFlight[1].CorrelationID)

	stale, err := store.Stale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "c-old", stale[0].CorrelationID)
}

func TestMemoryStoreCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.PersistState(ctx, newRecord("c-done", time.Now())))
	require.NoError(t, store.MarkCompleted(ctx, "c-done", true))
	require.NoError(t, store.PersistState(ctx, newRecord("c-live", time.Now())))

	n, err := store.Cleanup(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.Cleanup(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetState(ctx, "c-done")
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = store.GetState(ctx, "c-live")
	assert.NoError(t, err)
}

func TestStateRecordOfProjection(t *testing.T) {
	saga, err := NewSagaBuilder("proj").
		AddStep(NewStep("a", noopHandler)).
		AddStep(failingStep("b").DependsOn("a")).
		Build()
	require.NoError(t, err)

	result := runSaga(t, saga, nil)
	rec := StateRecordOf(result)

	assert.Equal(t, result.CorrelationID, rec.CorrelationID)
	assert.Equal(t, "proj", rec.Name)
	assert.Equal(t, StateFailed, rec.Status)
	assert.Equal(t, "compensated", rec.Steps["a"].Status)
	assert.Equal(t, "failed", rec.Steps["b"].Status)
	require.NotNil(t, rec.Successful)
	assert.False(t, *rec.Successful)
}

func TestStateRecordMatchesPersistedRecord(t *testing.T) {
	saga, err := NewSagaBuilder("agree").
		AddStep(NewStep("a", noopHandler)).
		Build()
	require.NoError(t, err)

	store := NewMemoryStore()
	engine := NewEngine(WithStore(store))
	require.NoError(t, engine.RegisterSaga(saga))

	result, err := engine.ExecuteSaga(context.Background(), "agree", nil, nil)
	require.NoError(t, err)

	persisted, err := store.GetState(context.Background(), result.CorrelationID)
	require.NoError(t, err)
	projected := StateRecordOf(result)

	assert.Equal(t, persisted.Status, projected.Status)
	assert.Equal(t, persisted.Steps, projected.Steps)
	assert.Equal(t, persisted.Successful, projected.Successful)
}
