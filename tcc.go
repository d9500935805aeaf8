package dtx

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// TccPhase identifies where a TCC execution or participant currently is.
type TccPhase int

const (
	PhaseTry TccPhase = iota
	PhaseConfirm
	PhaseCancel
)

func (p TccPhase) String() string {
	switch p {
	case PhaseTry:
		return "try"
	case PhaseConfirm:
		return "confirm"
	case PhaseCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaler interface for TccPhase.
func (p TccPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for TccPhase.
func (p *TccPhase) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "try":
		*p = PhaseTry
	case "confirm":
		*p = PhaseConfirm
	case "cancel":
		*p = PhaseCancel
	default:
		return fmt.Errorf("invalid TccPhase: %s", str)
	}
	return nil
}

// OptionalFailurePolicy decides how an optional participant's try failure
// affects the rest of the transaction.
type OptionalFailurePolicy int

const (
	// OptionalFailureProceeds: required participants continue to Confirm;
	// the failed optional participant is simply recorded as failed.
	OptionalFailureProceeds OptionalFailurePolicy = iota
	// OptionalFailureCancels treats an optional try failure like a
	// required one and cancels the transaction.
	OptionalFailureCancels
)

// phaseSpec carries one phase method with its own timeout/retry settings.
type phaseSpec struct {
	handler  Handler
	bindings []Binding
	retry    int
	backoff  time.Duration
	timeout  time.Duration
}

// ParticipantDefinition is one reservation-capable participant of a TCC
// transaction. Immutable once built.
type ParticipantDefinition struct {
	id       string
	order    int
	optional bool
	timeout  time.Duration

	try     phaseSpec
	confirm phaseSpec
	cancel  phaseSpec
}

// ID returns the participant's unique identifier.
func (p *ParticipantDefinition) ID() string { return p.id }

// Order returns the participant's execution order.
func (p *ParticipantDefinition) Order() int { return p.order }

// Optional reports whether this participant's try failure leaves the
// transaction's fate to the definition's optional-failure policy.
func (p *ParticipantDefinition) Optional() bool { return p.optional }

// phase returns the spec for a phase, inheriting the participant timeout
// when the phase declares none.
func (p *ParticipantDefinition) phase(ph TccPhase) phaseSpec {
	var spec phaseSpec
	switch ph {
	case PhaseTry:
		spec = p.try
	case PhaseConfirm:
		spec = p.confirm
	case PhaseCancel:
		spec = p.cancel
	}
	if spec.timeout == 0 {
		spec.timeout = p.timeout
	}
	return spec
}

// TccDefinition is a validated, immutable Try-Confirm-Cancel transaction:
// its participants in ascending order plus transaction-level defaults.
type TccDefinition struct {
	name           string
	timeout        time.Duration
	retry          int
	backoff        time.Duration
	optionalPolicy OptionalFailurePolicy
	participants   []*ParticipantDefinition
}

// Name returns the transaction's registered name.
func (d *TccDefinition) Name() string { return d.name }

// Participants returns the participants in ascending order.
func (d *TccDefinition) Participants() []*ParticipantDefinition {
	return append([]*ParticipantDefinition(nil), d.participants...)
}

// ParticipantBuilder assembles a ParticipantDefinition.
type ParticipantBuilder struct {
	def ParticipantDefinition
}

// NewParticipant starts a participant with the given id and order.
func NewParticipant(id string, order int) *ParticipantBuilder {
	return &ParticipantBuilder{def: ParticipantDefinition{id: id, order: order}}
}

// Optional marks the participant optional.
func (b *ParticipantBuilder) Optional() *ParticipantBuilder {
	b.def.optional = true
	return b
}

// Timeout bounds each phase call unless the phase declares its own.
func (b *ParticipantBuilder) Timeout(d time.Duration) *ParticipantBuilder {
	b.def.timeout = d
	return b
}

// Try declares the reservation handler.
func (b *ParticipantBuilder) Try(h Handler, bindings ...Binding) *ParticipantBuilder {
	b.def.try = phaseSpec{handler: h, bindings: bindings}
	return b
}

// TryRetry sets the try phase retry count.
func (b *ParticipantBuilder) TryRetry(n int, backoff time.Duration) *ParticipantBuilder {
	b.def.try.retry = n
	b.def.try.backoff = backoff
	return b
}

// TryTimeout bounds each try attempt.
func (b *ParticipantBuilder) TryTimeout(d time.Duration) *ParticipantBuilder {
	b.def.try.timeout = d
	return b
}

// Confirm declares the commit handler.
func (b *ParticipantBuilder) Confirm(h Handler, bindings ...Binding) *ParticipantBuilder {
	b.def.confirm = phaseSpec{handler: h, bindings: bindings}
	return b
}

// ConfirmRetry sets the confirm phase retry count.
func (b *ParticipantBuilder) ConfirmRetry(n int, backoff time.Duration) *ParticipantBuilder {
	b.def.confirm.retry = n
	b.def.confirm.backoff = backoff
	return b
}

// ConfirmTimeout bounds each confirm attempt.
func (b *ParticipantBuilder) ConfirmTimeout(d time.Duration) *ParticipantBuilder {
	b.def.confirm.timeout = d
	return b
}

// Cancel declares the release handler.
func (b *ParticipantBuilder) Cancel(h Handler, bindings ...Binding) *ParticipantBuilder {
	b.def.cancel = phaseSpec{handler: h, bindings: bindings}
	return b
}

// CancelRetry sets the cancel phase retry count.
func (b *ParticipantBuilder) CancelRetry(n int, backoff time.Duration) *ParticipantBuilder {
	b.def.cancel.retry = n
	b.def.cancel.backoff = backoff
	return b
}

// CancelTimeout bounds each cancel attempt.
func (b *ParticipantBuilder) CancelTimeout(d time.Duration) *ParticipantBuilder {
	b.def.cancel.timeout = d
	return b
}

// TccBuilder assembles and validates a TccDefinition.
type TccBuilder struct {
	name           string
	timeout        time.Duration
	retry          int
	backoff        time.Duration
	optionalPolicy OptionalFailurePolicy
	participants   []*ParticipantBuilder
}

// NewTccBuilder starts a TCC definition with the given name.
func NewTccBuilder(name string) *TccBuilder {
	return &TccBuilder{name: name}
}

// Timeout sets the transaction-level default phase timeout.
func (b *TccBuilder) Timeout(d time.Duration) *TccBuilder {
	b.timeout = d
	return b
}

// Retry sets the transaction-level default phase retry policy.
func (b *TccBuilder) Retry(n int, backoff time.Duration) *TccBuilder {
	b.retry = n
	b.backoff = backoff
	return b
}

// OptionalFailure selects the optional-participant failure policy.
func (b *TccBuilder) OptionalFailure(p OptionalFailurePolicy) *TccBuilder {
	b.optionalPolicy = p
	return b
}

// AddParticipant appends a participant.
func (b *TccBuilder) AddParticipant(p *ParticipantBuilder) *TccBuilder {
	b.participants = append(b.participants, p)
	return b
}

// Build validates the definition and freezes participant order.
func (b *TccBuilder) Build() (*TccDefinition, error) {
	if b.name == "" {
		return nil, tccInvalid(b.name, "tcc name is empty")
	}
	if len(b.participants) == 0 {
		return nil, tccInvalid(b.name, "tcc has no participants")
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	participants := make([]*ParticipantDefinition, 0, len(b.participants))
	for _, pb := range b.participants {
		def := pb.def
		if def.id == "" {
			return nil, tccInvalid(b.name, "participant with empty id")
		}
		if !seen.Add(def.id) {
			return nil, tccInvalid(b.name, "duplicate participant id %q", def.id)
		}
		if def.try.handler == nil {
			return nil, tccInvalid(b.name, "participant %q has no try handler", def.id)
		}
		if def.timeout == 0 {
			def.timeout = b.timeout
		}
		if def.try.retry == 0 {
			def.try.retry = b.retry
			def.try.backoff = b.backoff
		}
		if def.confirm.retry == 0 {
			def.confirm.retry = b.retry
			def.confirm.backoff = b.backoff
		}
		if def.cancel.retry == 0 {
			def.cancel.retry = b.retry
			def.cancel.backoff = b.backoff
		}
		participants = append(participants, &def)
	}

	// ascending order; declaration order breaks ties
	sort.SliceStable(participants, func(i, j int) bool {
		return participants[i].order < participants[j].order
	})

	return &TccDefinition{
		name:           b.name,
		timeout:        b.timeout,
		retry:          b.retry,
		backoff:        b.backoff,
		optionalPolicy: b.optionalPolicy,
		participants:   participants,
	}, nil
}
