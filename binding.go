package dtx

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Handler is a single unit of work. The engine resolves the declared
// bindings of the unit into args before each invocation. A handler that
// wraps a remote call should honour ctx cancellation so per-attempt
// timeouts take effect.
type Handler func(ctx context.Context, args []any) (any, error)

type bindingKind int

const (
	bindWholeInput bindingKind = iota
	bindInputKey
	bindFromStep
	bindFromTry
	bindHeader
	bindHeaders
	bindVariable
	bindVariables
	bindCompensationError
	bindContextRef
	bindSetVariable
)

func (k bindingKind) String() string {
	switch k {
	case bindWholeInput:
		return "WholeInput"
	case bindInputKey:
		return "InputKey"
	case bindFromStep:
		return "FromStep"
	case bindFromTry:
		return "FromTry"
	case bindHeader:
		return "Header"
	case bindHeaders:
		return "Headers"
	case bindVariable:
		return "Variable"
	case bindVariables:
		return "Variables"
	case bindCompensationError:
		return "CompensationError"
	case bindContextRef:
		return "ContextRef"
	case bindSetVariable:
		return "SetVariable"
	default:
		return "unknown"
	}
}

// Binding declares where one handler argument comes from. Bindings replace
// runtime introspection of handler signatures: each registration carries an
// explicit list, resolved by a dispatch table at invocation time.
type Binding struct {
	kind bindingKind
	key  string
}

func (b Binding) String() string {
	if b.key == "" {
		return b.kind.String()
	}
	return fmt.Sprintf("%s(%s)", b.kind, b.key)
}

// WholeInput binds the entire input payload.
func WholeInput() Binding { return Binding{kind: bindWholeInput} }

// InputKey binds one key of a map-shaped input payload.
func InputKey(key string) Binding { return Binding{kind: bindInputKey, key: key} }

// FromStep binds the recorded result of a previously completed step.
func FromStep(id string) Binding { return Binding{kind: bindFromStep, key: id} }

// FromTry binds the calling participant's own try-phase result. Only
// resolvable inside a participant's Confirm or Cancel handler.
func FromTry() Binding { return Binding{kind: bindFromTry} }

// Header binds a single header value.
func Header(name string) Binding { return Binding{kind: bindHeader, key: name} }

// Headers binds the full header map.
func Headers() Binding { return Binding{kind: bindHeaders} }

// Variable binds one context variable.
func Variable(name string) Binding { return Binding{kind: bindVariable, key: name} }

// Variables binds the full variables map.
func Variables() Binding { return Binding{kind: bindVariables} }

// CompensationCause binds the error that triggered compensation. Only
// resolvable inside compensation handlers.
func CompensationCause() Binding { return Binding{kind: bindCompensationError} }

// ContextRef binds the execution context itself, for handlers that need
// free-form access to variables.
func ContextRef() Binding { return Binding{kind: bindContextRef} }

// SetVariable is an output binding: after a successful invocation the
// handler's return value is written into the named context variable. It
// contributes no argument.
func SetVariable(key string) Binding { return Binding{kind: bindSetVariable, key: key} }

// BindingSource is the narrow view of an execution context the resolver
// reads from. Both SagaContext and the per-participant TCC view implement
// it; sources that do not apply in a given context report absence, which
// the resolver turns into an UnresolvedBindingError.
type BindingSource interface {
	CorrelationID() string
	Input() any
	Header(name string) (string, bool)
	HeaderMap() map[string]string
	Variable(name string) (any, bool)
	VariableMap() map[string]any
	SetVar(name string, value any)
	StepResult(id string) (any, bool)
	TryResult() (any, bool)
	CompensationCause() error
}

// resolveArgs produces the concrete argument list for a unit of work.
// SetVariable bindings are skipped here; they are applied post-call by the
// invoker.
func resolveArgs(unit string, bindings []Binding, src BindingSource) ([]any, error) {
	args := make([]any, 0, len(bindings))
	for _, b := range bindings {
		switch b.kind {
		case bindWholeInput:
			args = append(args, src.Input())
		case bindInputKey:
			m, ok := src.Input().(map[string]any)
			if !ok {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			v, ok := m[b.key]
			if !ok {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			args = append(args, v)
		case bindFromStep:
			v, ok := src.StepResult(b.key)
			if !ok {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			args = append(args, v)
		case bindFromTry:
			v, ok := src.TryResult()
			if !ok {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			args = append(args, v)
		case bindHeader:
			v, ok := src.Header(b.key)
			if !ok {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			args = append(args, v)
		case bindHeaders:
			args = append(args, src.HeaderMap())
		case bindVariable:
			v, ok := src.Variable(b.key)
			if !ok {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			args = append(args, v)
		case bindVariables:
			args = append(args, src.VariableMap())
		case bindCompensationError:
			err := src.CompensationCause()
			if err == nil {
				return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
			}
			args = append(args, err)
		case bindContextRef:
			args = append(args, src)
		case bindSetVariable:
			// output binding, no argument
		default:
			return nil, &UnresolvedBindingError{Unit: unit, Binding: b.String()}
		}
	}
	return args, nil
}

// outputVariables returns the SetVariable targets declared by a unit.
func outputVariables(bindings []Binding) []string {
	var out []string
	for _, b := range bindings {
		if b.kind == bindSetVariable {
			out = append(out, b.key)
		}
	}
	return out
}

var templateToken = regexp.MustCompile(`\{([a-zA-Z0-9_.-]+)\}`)

// renderKeyTemplate substitutes {correlationId}, {header.NAME}, {var.NAME}
// and {input.KEY} tokens in an idempotency key template. Unresolvable
// tokens render empty so a stable key is still produced.
func renderKeyTemplate(tpl string, src BindingSource) string {
	return templateToken.ReplaceAllStringFunc(tpl, func(tok string) string {
		name := tok[1 : len(tok)-1]
		switch {
		case name == "correlationId":
			return src.CorrelationID()
		case strings.HasPrefix(name, "header."):
			v, _ := src.Header(strings.TrimPrefix(name, "header."))
			return v
		case strings.HasPrefix(name, "var."):
			v, ok := src.Variable(strings.TrimPrefix(name, "var."))
			if !ok {
				return ""
			}
			return fmt.Sprint(v)
		case strings.HasPrefix(name, "input."):
			m, ok := src.Input().(map[string]any)
			if !ok {
				return ""
			}
			v, ok := m[strings.TrimPrefix(name, "input.")]
			if !ok {
				return ""
			}
			return fmt.Sprint(v)
		default:
			return ""
		}
	})
}
