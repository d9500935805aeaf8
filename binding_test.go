package dtx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindingContext(t *testing.T, input any, headers map[string]string) *SagaContext {
	t.Helper()
	saga, err := NewSagaBuilder("bindings").
		AddStep(NewStep("done", noopHandler)).
		AddStep(NewStep("pending", noopHandler)).
		Build()
	require.NoError(t, err)

	sc := newSagaContext(saga, input, headers, time.Now())
	sc.slots["done"].status = StepDone
	sc.slots["done"].result = "done-result"
	return sc
}

func TestResolveWholeInput(t *testing.T) {
	sc := bindingContext(t, "payload", nil)

	args, err := resolveArgs("u", []Binding{WholeInput()}, sc)
	require.NoError(t, err)
	assert.Equal(t, []any{"payload"}, args)
}

func TestResolveInputKey(t *testing.T) {
	sc := bindingContext(t, map[string]any{"sku": "widget"}, nil)

	args, err := resolveArgs("u", []Binding{InputKey("sku")}, sc)
	require.NoError(t, err)
	assert.Equal(t, []any{"widget"}, args)

	_, err = resolveArgs("u", []Binding{InputKey("missing")}, sc)
	var berr *UnresolvedBindingError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "u", berr.Unit)
}

func TestResolveInputKeyNonMapInput(t *testing.T) {
	sc := bindingContext(t, 42, nil)

	_, err := resolveArgs("u", []Binding{InputKey("sku")}, sc)
	var berr *UnresolvedBindingError
	require.ErrorAs(t, err, &berr)
}

func TestResolveFromStep(t *testing.T) {
	sc := bindingContext(t, nil, nil)

	args, err := resolveArgs("u", []Binding{FromStep("done")}, sc)
	require.NoError(t, err)
	assert.Equal(t, []any{"done-result"}, args)
}

func TestResolveFromStepNotDone(t *testing.T) {
	sc := bindingContext(t, nil, nil)

	_, err := resolveArgs("u", []Binding{FromStep("pending")}, sc)
	var berr *UnresolvedBindingError
	require.ErrorAs(t, err, &berr)
}

func TestResolveHeaders(t *testing.T) {
	sc := bindingContext(t, nil, map[string]string{"tenant": "acme"})

	args, err := resolveArgs("u", []Binding{Header("tenant"), Headers()}, sc)
	require.NoError(t, err)
	assert.Equal(t, "acme", args[0])
	assert.Equal(t, map[string]string{"tenant": "acme"}, args[1])

	_, err = resolveArgs("u", []Binding{Header("missing")}, sc)
	var berr *UnresolvedBindingError
	require.ErrorAs(t, err, &berr)
}

func TestResolveVariables(t *testing.T) {
	sc := bindingContext(t, nil, nil)
	sc.SetVar("region", "eu-west-1")

	args, err := resolveArgs("u", []Binding{Variable("region"), Variables()}, sc)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", args[0])
	assert.Equal(t, map[string]any{"region": "eu-west-1"}, args[1])

	_, err = resolveArgs("u", []Binding{Variable("missing")}, sc)
	var berr *UnresolvedBindingError
	require.ErrorAs(t, err, &berr)
}

func TestResolveCompensationCause(t *testing.T) {
	sc := bindingContext(t, nil, nil)

	// outside compensation the cause is unresolvable
	_, err := resolveArgs("u", []Binding{CompensationCause()}, sc)
	var berr *UnresolvedBindingError
	require.ErrorAs(t, err, &berr)

	cause := errors.New("boom")
	src := &compensationSource{SagaContext: sc, cause: cause}
	args, err := resolveArgs("u", []Binding{CompensationCause()}, src)
	require.NoError(t, err)
	assert.Equal(t, []any{cause}, args)
}

func TestResolveContextRef(t *testing.T) {
	sc := bindingContext(t, nil, nil)

	args, err := resolveArgs("u", []Binding{ContextRef()}, sc)
	require.NoError(t, err)
	assert.Same(t, sc, args[0])
}

func TestSetVariableContributesNoArgument(t *testing.T) {
	sc := bindingContext(t, "in", nil)

	args, err := resolveArgs("u", []Binding{WholeInput(), SetVariable("out")}, sc)
	require.NoError(t, err)
	assert.Len(t, args, 1)
	assert.Equal(t, []string{"out"}, outputVariables([]Binding{WholeInput(), SetVariable("out")}))
}

func TestRenderKeyTemplate(t *testing.T) {
	sc := bindingContext(t, map[string]any{"orderId": 42}, map[string]string{"tenant": "acme"})
	sc.SetVar("region", "eu")

	got := renderKeyTemplate("{correlationId}:{header.tenant}:{var.region}:{input.orderId}", sc)
	assert.Equal(t, sc.CorrelationID()+":acme:eu:42", got)
}

func TestRenderKeyTemplateUnresolvableTokensRenderEmpty(t *testing.T) {
	sc := bindingContext(t, nil, nil)

	got := renderKeyTemplate("k:{header.missing}:{var.missing}:{input.missing}:{bogus}", sc)
	assert.Equal(t, "k::::", got)
}
