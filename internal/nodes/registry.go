package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/tradeflow/internal/expressions"
	"github.com/rendis/tradeflow/pkg/schema"
)

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry is the thread-safe (category, type) → handler table.
// Condition nodes are not registered: their type names an expression engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a handler. Returns an error on duplicates.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	if !desc.Category.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown category %q", desc.Category)
	}
	if desc.Category == schema.CategoryCondition {
		return schema.NewError(schema.ErrCodeValidation,
			"condition nodes are evaluated by expression engines and take no handler")
	}
	if desc.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := desc.Key()
	if _, exists := r.entries[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", key)
	}
	r.entries[key] = entry{desc: desc, handler: h}
	return nil
}

// Lookup returns the handler for (category, type).
func (r *Registry) Lookup(category schema.Category, typ string) (Descriptor, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[Key(category, typ)]
	if !ok {
		return Descriptor{}, nil, schema.NewErrorf(schema.ErrCodeHandlerNotFound,
			"no handler registered for %s", Key(category, typ))
	}
	return e.desc, e.handler, nil
}

// List returns every descriptor sorted by key.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Binding is a node resolved at load time.
type Binding struct {
	Descriptor Descriptor
	// Handler is nil for condition nodes.
	Handler Handler
	// Engine evaluates the node's condition or guard; nil when there is none.
	Engine expressions.Engine
}

// Table maps node IDs to their bindings for one workflow.
type Table map[string]Binding

// Resolve binds every node of def to a handler or expression engine and
// compiles every condition. Unknown pairs and bad expressions are reported
// together as one GRAPH_ERROR.
func (r *Registry) Resolve(def *schema.WorkflowDefinition, engines *expressions.Engines) (Table, error) {
	var vr schema.ValidationResult
	table := make(Table, len(def.Nodes))

	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if n.Category == schema.CategoryCondition {
			engine, ok := engines.Lookup(n.Type)
			if !ok {
				vr.AddError(path+".type", schema.ErrCodeHandlerNotFound,
					fmt.Sprintf("node %q: unknown expression engine %q", n.ID, n.Type))
				continue
			}
			if n.Condition == "" {
				vr.AddError(path+".condition", schema.ErrCodeValidation,
					fmt.Sprintf("node %q: condition node needs an expression", n.ID))
				continue
			}
			if err := engine.Compile(n.Condition); err != nil {
				vr.AddError(path+".condition", schema.ErrCodeValidation, fmt.Sprintf("node %q: %s", n.ID, err))
				continue
			}
			table[n.ID] = Binding{
				Descriptor: Descriptor{Category: n.Category, Type: engine.Name()},
				Engine:     engine,
			}
			continue
		}

		desc, h, err := r.Lookup(n.Category, n.Type)
		if err != nil {
			vr.AddError(path+".type", schema.ErrCodeHandlerNotFound, fmt.Sprintf("node %q: %s", n.ID, err.(*schema.Error).Message))
			continue
		}
		b := Binding{Descriptor: desc, Handler: h}
		if n.Condition != "" {
			guard, ok := engines.Lookup(expressions.DefaultEngine)
			if !ok {
				vr.AddError(path+".condition", schema.ErrCodeHandlerNotFound,
					fmt.Sprintf("node %q: no %s engine for guard", n.ID, expressions.DefaultEngine))
				continue
			}
			if err := guard.Compile(n.Condition); err != nil {
				vr.AddError(path+".condition", schema.ErrCodeValidation, fmt.Sprintf("node %q: %s", n.ID, err))
				continue
			}
			b.Engine = guard
		}
		table[n.ID] = b
	}

	if err := vr.ToError(schema.ErrCodeGraph); err != nil {
		return nil, err
	}
	return table, nil
}
