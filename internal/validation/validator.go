// Package validation checks workflow documents before they reach an executor.
package validation

import "github.com/rendis/tradeflow/pkg/schema"

// Validator checks workflow documents and definitions.
type Validator interface {
	ValidateDocument(data []byte) error
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// GraphChecker validates the graph and node bindings of a decoded definition.
// engine.Executor satisfies it.
type GraphChecker interface {
	Validate(def *schema.WorkflowDefinition) error
}
