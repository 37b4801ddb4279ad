package validation

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kinetiq-dev/kinetiq/internal/dispatch"
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// SchemaSource exposes declared parameter schemas for registered operations.
// The dispatch.Registry satisfies it; a nil source skips parameter checks.
type SchemaSource interface {
	OperationSchema(action dispatch.Action) (json.RawMessage, bool)
	Has(action dispatch.Action) bool
}

var validBackoffs = map[string]bool{
	"": true, "none": true, "constant": true, "linear": true, "exponential": true,
}

// Validator checks workflow definitions, caching compiled operation schemas
// across calls. Safe for concurrent use; callers that validate repeatedly
// (the orchestrator) should hold one instance.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator returns a Validator with an empty schema cache.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// ValidateDefinition checks a workflow definition with a throwaway Validator.
func ValidateDefinition(def *schema.WorkflowDefinition, source SchemaSource) error {
	return NewValidator().ValidateDefinition(def, source)
}

// ValidateDefinition checks a workflow definition at registration time:
// identity fields, step graph integrity, durations, retry policies, and,
// when a SchemaSource is supplied, step parameters against the declared
// operation schemas. Returns the first violation found.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition, source SchemaSource) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition has no ID")
	}

	switch def.FailureStrategy {
	case "", schema.FailureStop, schema.FailureContinue, schema.FailureRetry:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown failure strategy: %s", def.FailureStrategy)
	}
	if def.MaxRetries < 0 {
		return schema.NewError(schema.ErrCodeValidation, "max_retries must be >= 0")
	}
	if err := checkDuration("timeout", def.Timeout); err != nil {
		return err
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if stepIDs[step.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		stepIDs[step.ID] = true
	}

	for i := range def.Steps {
		if err := v.validateStep(def, &def.Steps[i], stepIDs, source); err != nil {
			return err
		}
	}

	return checkAcyclic(def, stepIDs)
}

func (v *Validator) validateStep(def *schema.WorkflowDefinition, step *schema.StepSpec, stepIDs map[string]bool, source SchemaSource) error {
	// AwaitInput steps may be pure gates with no action; everything else
	// must name a dispatchable (target, operation) pair.
	if step.Target == "" && !step.AwaitInput {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has no target", step.ID)
	}
	if step.Target != "" && step.Operation == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has no operation", step.ID)
	}
	if step.AwaitInput && def.Parallel {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %s awaits input in a parallel workflow; input gates require sequential mode", step.ID)
	}
	if step.MaxRetries < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s: max_retries must be >= 0", step.ID)
	}

	seen := make(map[string]bool, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if dep == step.ID {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.ID)
		}
		if !stepIDs[dep] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s depends on unknown step: %s", step.ID, dep)
		}
		if seen[dep] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s has duplicate dependency: %s", step.ID, dep)
		}
		seen[dep] = true
	}

	if err := checkDuration(fmt.Sprintf("step %s timeout", step.ID), step.Timeout); err != nil {
		return err
	}
	if step.Retry != nil {
		if !validBackoffs[step.Retry.Backoff] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s: unknown backoff: %s", step.ID, step.Retry.Backoff)
		}
		if err := checkDuration(fmt.Sprintf("step %s retry delay", step.ID), step.Retry.Delay); err != nil {
			return err
		}
		if err := checkDuration(fmt.Sprintf("step %s retry max_delay", step.ID), step.Retry.MaxDelay); err != nil {
			return err
		}
	}

	if source != nil && step.Target != "" {
		action := dispatch.Action{Target: step.Target, Operation: step.Operation}
		if !source.Has(action) {
			return schema.NewErrorf(schema.ErrCodeActionNotFound,
				"step %s references unregistered action %s", step.ID, action.String())
		}
		if raw, ok := source.OperationSchema(action); ok {
			if err := v.validateParams(step.Parameters, raw); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %s parameters rejected by %s schema: %s", step.ID, action.String(), err.Error()).
					WithCause(err)
			}
		}
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph.
func checkAcyclic(def *schema.WorkflowDefinition, stepIDs map[string]bool) error {
	dependents := make(map[string][]string, len(def.Steps))
	inDegree := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		inDegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	queue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(stepIDs) {
		return schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
	}
	return nil
}

func checkDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: invalid duration %q", field, value).WithCause(err)
	}
	if d <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s: duration must be positive, got %q", field, value)
	}
	return nil
}
