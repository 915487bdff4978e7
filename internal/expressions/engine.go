// Package expressions evaluates node conditions and input transforms.
//
// Three engines are available: expr (default condition language), cel and
// jq. Compiled programs are cached per expression and safe for concurrent use.
package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/tradeflow/pkg/schema"
)

// DefaultEngine is used for condition guards on non-condition nodes and for
// condition nodes whose type is empty.
const DefaultEngine = "expr"

// Engine evaluates expressions against a Scope.
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, scope Scope) (any, error)
}

// Scope is the variable environment of one evaluation.
type Scope struct {
	// Inputs holds upstream outputs keyed by node ID.
	Inputs map[string]any
	// Order lists Inputs keys in the node's declared input order.
	Order []string
	// Params are the evaluating node's params.
	Params map[string]any
	// Workflow carries run metadata: workflow_id, bot_id, strategy_id, correlation_id.
	Workflow map[string]any
}

var reserved = map[string]bool{"inputs": true, "params": true, "workflow": true, "value": true}

// Env flattens the scope for engines that resolve bare identifiers.
// Besides "inputs", "params" and "workflow", the fields of map-valued inputs
// are lifted to the top level (earlier inputs win on conflicts), and a single
// scalar input is exposed as "value". So with inputs {A: {"x": 5}} both
// "x > 10" and "inputs.A.x > 10" work.
func (s Scope) Env() map[string]any {
	env := map[string]any{
		"inputs":   orEmpty(s.Inputs),
		"params":   orEmpty(s.Params),
		"workflow": orEmpty(s.Workflow),
	}

	order := s.Order
	if len(order) == 0 {
		order = make([]string, 0, len(s.Inputs))
		for k := range s.Inputs {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	for _, id := range order {
		m, ok := s.Inputs[id].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			if reserved[k] {
				continue
			}
			if _, taken := env[k]; !taken {
				env[k] = v
			}
		}
	}
	if len(order) == 1 {
		if _, isMap := s.Inputs[order[0]].(map[string]any); !isMap {
			env["value"] = s.Inputs[order[0]]
		}
	}
	return env
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Engines is a name → Engine table.
type Engines struct {
	engines map[string]Engine
}

// NewEngines builds the standard table with expr, cel and jq.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEnginesWith(NewExprEngine(), celEngine, NewGoJQEngine()), nil
}

// NewEnginesWith builds a table from the given engines.
func NewEnginesWith(engines ...Engine) *Engines {
	t := &Engines{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		t.engines[e.Name()] = e
	}
	return t
}

// Lookup returns the engine for name; the empty name selects DefaultEngine.
func (t *Engines) Lookup(name string) (Engine, bool) {
	if name == "" {
		name = DefaultEngine
	}
	e, ok := t.engines[name]
	return e, ok
}

// Names returns the registered engine names, sorted.
func (t *Engines) Names() []string {
	out := make([]string, 0, len(t.engines))
	for n := range t.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// EvaluateBool evaluates a condition with the named engine and requires a
// boolean result.
func (t *Engines) EvaluateBool(ctx context.Context, engine, expression string, scope Scope) (bool, error) {
	e, ok := t.Lookup(engine)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeHandlerNotFound, "unknown expression engine %q", engine)
	}
	out, err := e.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q returned %s, want bool", expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func compileError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNode,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
