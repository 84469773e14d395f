package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/homeledger/pkg/activity"
	"github.com/dukex/homeledger/pkg/events"
	"github.com/dukex/homeledger/pkg/models"
	"github.com/dukex/homeledger/pkg/retry"
	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
)

// Step is one activity of a workflow.
type Step struct {
	Name       string
	Policy     retry.Policy
	Timeout    time.Duration
	Classifier activity.Classifier
	// IdempotencyKey derives the key guarding the side effect. Nil keys the
	// step by execution id and step name.
	IdempotencyKey func(exec *models.Execution) string
	// Run performs the side effect. exec is a snapshot; earlier step outputs
	// are available through Output.
	Run func(ctx context.Context, exec *models.Execution) ([]byte, error)
	// Compensation returns the undo entry for a successful output, or nil
	// when the step needs no undo.
	Compensation func(output []byte) (*models.CompensationEntry, error)
}

// Completion is what a finished execution reports.
type Completion struct {
	Result any
	Events []*events.Envelope
}

// Limits bound one execution.
type Limits struct {
	// Timeout is the whole-execution ceiling. Zero disables it.
	Timeout time.Duration
	// SegmentSize is how many steps run before the execution continues as
	// new. Zero runs every step in one segment.
	SegmentSize int
}

// Definition describes a workflow type. Plan is evaluated once at Start; the
// resulting step list is stored on the execution.
type Definition interface {
	Type() models.WorkflowType
	// Schema is the JSON schema of the workflow input.
	Schema() string
	// Plan validates input and returns the step sequence.
	Plan(input json.RawMessage) ([]string, error)
	Step(name string) (Step, bool)
	Complete(ctx context.Context, exec *models.Execution) (*Completion, error)
	Limits() Limits
}

// Folder is implemented by definitions whose step outputs can be summarized.
// When a segment ends the engine folds the outputs of succeeded steps into
// the execution's carry and drops them, so the stored execution does not grow
// with the number of steps.
type Folder interface {
	Fold(carry json.RawMessage, outputs []models.StepRecord) (json.RawMessage, error)
}

type registered struct {
	definition Definition
	schema     *gojsonschema.Schema
}

// Registry holds the workflow definitions an engine can run.
type Registry struct {
	mu          sync.RWMutex
	definitions map[models.WorkflowType]registered
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[models.WorkflowType]registered)}
}

// Register compiles the definition's schema and adds it.
func (r *Registry) Register(def Definition) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(def.Schema()))
	if err != nil {
		return fmt.Errorf("invalid schema for workflow %s: %w", def.Type(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[def.Type()] = registered{definition: def, schema: schema}

	return nil
}

func (r *Registry) Lookup(workflowType models.WorkflowType) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.definitions[workflowType]

	return reg.definition, ok
}

// Types lists the registered workflow types.
func (r *Registry) Types() []models.WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.WorkflowType, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}

	return types
}

// Validate checks input against the schema of workflowType and returns the
// planned steps.
func (r *Registry) Validate(workflowType models.WorkflowType, input json.RawMessage) (Definition, []string, error) {
	r.mu.RLock()
	reg, ok := r.definitions[workflowType]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, newError(KindValidation, "Start", string(workflowType), ErrUnknownWorkflow)
	}

	result, err := reg.schema.Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return nil, nil, newError(KindValidation, "Start", "input is not valid JSON", err)
	}

	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}

		return nil, nil, newError(KindValidation, "Start", fmt.Sprintf("input does not match schema: %v", reasons), nil)
	}

	plan, err := reg.definition.Plan(input)
	if err != nil {
		if IsValidation(err) {
			return nil, nil, err
		}

		return nil, nil, newError(KindValidation, "Start", "invalid input", err)
	}

	if len(plan) == 0 {
		return nil, nil, newError(KindValidation, "Start", "workflow has no steps", nil)
	}

	return reg.definition, plan, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeInput unmarshals raw into v and validates its struct tags.
func DecodeInput(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return ValidationError("input cannot be decoded", err)
	}

	if err := validate.Struct(v); err != nil {
		return ValidationError("input failed validation", err)
	}

	return nil
}

// Output decodes the stored output of a succeeded step.
func Output(exec *models.Execution, step string, v any) error {
	record, ok := exec.Step(step)
	if !ok || !record.Succeeded() {
		return fmt.Errorf("step %s has no output", step)
	}

	if err := json.Unmarshal(record.Output, v); err != nil {
		return fmt.Errorf("failed to decode output of step %s: %w", step, err)
	}

	return nil
}
