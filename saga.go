package dtx

import (
	"encoding/json"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// StepStatus is the execution state of a saga step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepDone
	StepFailed
	StepCompensated
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	case StepCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaler interface for StepStatus.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "pending":
		*s = StepPending
	case "running":
		*s = StepRunning
	case "done":
		*s = StepDone
	case "failed":
		*s = StepFailed
	case "compensated":
		*s = StepCompensated
	default:
		return fmt.Errorf("invalid StepStatus: %s", str)
	}
	return nil
}

// SagaDefinition is a validated, immutable saga: its steps, precomputed
// topology layers and execution settings. Definitions are shared read-only
// across concurrent executions.
type SagaDefinition struct {
	name             string
	steps            map[string]*StepDefinition
	order            []string // declaration order
	layers           [][]string
	layerConcurrency int
	policy           CompensationPolicy
	errorHandler     CompensationErrorHandler
}

// Name returns the saga's registered name.
func (d *SagaDefinition) Name() string { return d.name }

// Step returns the definition for one step id.
func (d *SagaDefinition) Step(id string) (*StepDefinition, bool) {
	s, ok := d.steps[id]
	return s, ok
}

// Layers returns the precomputed topology layers: every step's dependencies
// lie in strictly earlier layers, and the union of all layers is the full
// step set exactly once.
func (d *SagaDefinition) Layers() [][]string {
	out := make([][]string, len(d.layers))
	for i, l := range d.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// SagaBuilder assembles and validates a SagaDefinition. Structural problems
// (duplicate ids, dangling dependencies, cycles, missing handlers) always
// fail here, never during execution.
type SagaBuilder struct {
	name             string
	steps            []*StepBuilder
	layerConcurrency int
	policy           CompensationPolicy
	errorHandler     CompensationErrorHandler
}

// NewSagaBuilder starts a saga definition with the given name.
func NewSagaBuilder(name string) *SagaBuilder {
	return &SagaBuilder{name: name, policy: CompensateStrictSequential}
}

// AddStep appends a step to the definition.
func (b *SagaBuilder) AddStep(step *StepBuilder) *SagaBuilder {
	b.steps = append(b.steps, step)
	return b
}

// LayerConcurrency bounds how many steps of one layer run concurrently.
// Zero means unbounded.
func (b *SagaBuilder) LayerConcurrency(n int) *SagaBuilder {
	b.layerConcurrency = n
	return b
}

// CompensationPolicy selects how completed steps are rolled back when a
// later step fails. Defaults to CompensateStrictSequential.
func (b *SagaBuilder) CompensationPolicy(p CompensationPolicy) *SagaBuilder {
	b.policy = p
	return b
}

// OnCompensationError installs the handler consulted when a compensation
// call itself fails.
func (b *SagaBuilder) OnCompensationError(h CompensationErrorHandler) *SagaBuilder {
	b.errorHandler = h
	return b
}

// Build validates the graph and precomputes topology layers.
func (b *SagaBuilder) Build() (*SagaDefinition, error) {
	if b.name == "" {
		return nil, sagaInvalid(b.name, "saga name is empty")
	}
	if len(b.steps) == 0 {
		return nil, sagaInvalid(b.name, "saga has no steps")
	}

	steps := make(map[string]*StepDefinition, len(b.steps))
	order := make([]string, 0, len(b.steps))
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, sb := range b.steps {
		def := sb.def
		if def.id == "" {
			return nil, sagaInvalid(b.name, "step with empty id")
		}
		if def.handler == nil {
			return nil, sagaInvalid(b.name, "step %q has no handler", def.id)
		}
		if !seen.Add(def.id) {
			return nil, sagaInvalid(b.name, "duplicate step id %q", def.id)
		}
		steps[def.id] = &def
		order = append(order, def.id)
	}

	for _, id := range order {
		for _, dep := range steps[id].dependsOn.ToSlice() {
			if dep == id {
				return nil, sagaInvalid(b.name, "step %q depends on itself", id)
			}
			if !seen.Contains(dep) {
				return nil, sagaInvalid(b.name, "step %q depends on unknown step %q", id, dep)
			}
		}
	}

	layers, err := computeLayers(b.name, steps, order)
	if err != nil {
		return nil, err
	}

	eh := b.errorHandler
	if eh == nil {
		eh = FailFast()
	}

	return &SagaDefinition{
		name:             b.name,
		steps:            steps,
		order:            order,
		layers:           layers,
		layerConcurrency: b.layerConcurrency,
		policy:           b.policy,
		errorHandler:     eh,
	}, nil
}

// computeLayers runs a cycle check over a directed graph of the steps, then
// groups them into dependency layers. Layer membership is sorted by id for
// deterministic scheduling, matching the stabilized ordering the forward
// pass uses.
func computeLayers(saga string, steps map[string]*StepDefinition, order []string) ([][]string, error) {
	g := simple.NewDirectedGraph()
	idx := make(map[string]int64, len(order))
	for i, id := range order {
		idx[id] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}
	for _, id := range order {
		for _, dep := range steps[id].dependsOn.ToSlice() {
			g.SetEdge(simple.Edge{F: simple.Node(idx[dep]), T: simple.Node(idx[id])})
		}
	}

	if _, err := topo.Sort(g); err != nil {
		return nil, sagaInvalid(saga, "dependency cycle detected: %v", err)
	}

	remaining := mapset.NewThreadUnsafeSet(order...)
	satisfied := mapset.NewThreadUnsafeSet[string]()
	var layers [][]string
	for remaining.Cardinality() > 0 {
		var layer []string
		for _, id := range remaining.ToSlice() {
			if steps[id].dependsOn.IsSubset(satisfied) {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// unreachable after the topo.Sort check above
			return nil, sagaInvalid(saga, "unable to make progress computing layers")
		}
		sort.Strings(layer)
		for _, id := range layer {
			remaining.Remove(id)
			satisfied.Add(id)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
