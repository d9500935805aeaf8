package dtx

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type panickingEvents struct {
	NopEvents
}

func (panickingEvents) OnStart(string, string) { panic("sink broke") }

func TestCompositeEventsIsolatesPanickingSink(t *testing.T) {
	rec := newRecorderEvents()
	composite := NewCompositeEvents(panickingEvents{}, rec)

	composite.OnStart("s", "c-1")
	composite.OnStepSuccess("s", "c-1", "a", 1, time.Millisecond)
	composite.OnStepFailed("s", "c-1", "b", 2, time.Millisecond, errors.New("x"))
	composite.OnCompensated("s", "c-1", "a", nil)
	composite.OnCompleted("s", "c-1", false)

	assert.Equal(t, []string{"s"}, rec.started)
	assert.Equal(t, []string{"a"}, rec.succeeded)
	assert.Equal(t, []string{"b"}, rec.failed)
	assert.Equal(t, []string{"a"}, rec.compensated)
	assert.Equal(t, map[string]bool{"s": false}, rec.completed)
}

func TestLogEventsWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogEvents(zerolog.New(&buf))

	sink.OnStart("checkout", "c-1")
	sink.OnStepFailed("checkout", "c-1", "charge", 3, time.Millisecond, errors.New("declined"))
	sink.OnCompleted("checkout", "c-1", false)

	out := buf.String()
	assert.Contains(t, out, `"name":"checkout"`)
	assert.Contains(t, out, `"correlationId":"c-1"`)
	assert.Contains(t, out, `"step":"charge"`)
	assert.Contains(t, out, `"error":"declined"`)
	assert.Contains(t, out, `"successful":false`)
}

func TestMetricsEventsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewMetricsEvents(reg)

	sink.OnStepSuccess("checkout", "c-1", "a", 1, time.Millisecond)
	sink.OnStepSuccess("checkout", "c-1", "b", 1, time.Millisecond)
	sink.OnStepFailed("checkout", "c-1", "c", 2, time.Millisecond, errors.New("x"))
	sink.OnCompensated("checkout", "c-1", "a", nil)
	sink.OnCompensated("checkout", "c-1", "b", errors.New("undo failed"))
	sink.OnCompleted("checkout", "c-1", false)
	sink.OnCompleted("checkout", "c-2", true)

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.steps.WithLabelValues("checkout", "done")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.steps.WithLabelValues("checkout", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.steps.WithLabelValues("checkout", "compensated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.steps.WithLabelValues("checkout", "compensation_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.executions.WithLabelValues("checkout", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.executions.WithLabelValues("checkout", "failure")))
}

func TestMetricsEventsThroughEngine(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewMetricsEvents(reg)

	saga, err := NewSagaBuilder("metered").
		AddStep(NewStep("a", noopHandler)).
		Build()
	assert.NoError(t, err)

	engine := NewEngine(WithEvents(sink))
	assert.NoError(t, engine.RegisterSaga(saga))
	_, err = engine.ExecuteSaga(context.Background(), "metered", nil, nil)
	assert.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(sink.executions.WithLabelValues("metered", "success")))
}
