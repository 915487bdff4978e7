package validation

import (
	"errors"

	"github.com/rendis/tradeflow/pkg/schema"
)

// WorkflowValidator runs the load pipeline:
// 1. Structural (JSON Schema over the raw document)
// 2. Decoding
// 3. Graph and bindings (the GraphChecker)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	graph      GraphChecker
}

// NewWorkflowValidator creates a WorkflowValidator. graph may be nil to skip
// the graph stage.
func NewWorkflowValidator(graph GraphChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, graph: graph}, nil
}

// Load validates and decodes a workflow document. Structural errors
// short-circuit the later stages.
func (wv *WorkflowValidator) Load(data []byte) (*schema.WorkflowDefinition, error) {
	if err := wv.jsonSchema.ValidateDocument(data); err != nil {
		return nil, err
	}
	def, err := schema.ParseWorkflow(data)
	if err != nil {
		return nil, err
	}
	if wv.graph != nil {
		if err := wv.graph.Validate(def); err != nil {
			return nil, err
		}
	}
	return def, nil
}

// Check loads a document and reports every problem as a ValidationResult.
func (wv *WorkflowValidator) Check(data []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if _, err := wv.Load(data); err != nil {
		result.Merge(issues(err))
	}
	return result
}

// ValidateDocument satisfies Validator.
func (wv *WorkflowValidator) ValidateDocument(data []byte) error {
	_, err := wv.Load(data)
	return err
}

// ValidateDefinition satisfies Validator.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if err := wv.jsonSchema.ValidateDefinition(def); err != nil {
		return err
	}
	if wv.graph != nil {
		return wv.graph.Validate(def)
	}
	return nil
}

// issues flattens a structured error into individual issues.
func issues(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	var se *schema.Error
	if !errors.As(err, &se) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", se.Code, v)
		}
		return result
	}
	if list, ok := se.Details["errors"].([]schema.ValidationIssue); ok {
		result.Errors = append(result.Errors, list...)
		return result
	}
	result.AddError("/", se.Code, se.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
var _ Validator = (*JSONSchemaValidator)(nil)
