package engine

import (
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// DAG is the in-memory dependency graph of a workflow definition. Built once
// per execution, used by the StepExecutor to determine execution order.
type DAG struct {
	Steps      map[string]*schema.StepSpec // step ID → spec
	Deps       map[string][]string         // step ID → dependencies
	Dependents map[string][]string         // step ID → steps depending on it
	// Order is a deterministic topological order. Ties between steps whose
	// dependencies are simultaneously satisfied break on declaration order.
	Order []string
	// Roots are the steps with no dependencies, in declaration order.
	Roots []string
	index map[string]int // step ID → declaration index
}

// BuildDAG builds the dependency graph for a definition, validating step IDs
// and dependency references and rejecting cycles via Kahn's algorithm.
// An empty step list yields an empty graph; the executor treats it as an
// immediately successful execution.
func BuildDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	dag := &DAG{
		Steps:      make(map[string]*schema.StepSpec, len(def.Steps)),
		Deps:       make(map[string][]string, len(def.Steps)),
		Dependents: make(map[string][]string, len(def.Steps)),
		index:      make(map[string]int, len(def.Steps)),
	}

	// First pass: register steps, reject blanks and duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := dag.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		dag.Steps[step.ID] = step
		dag.index[step.ID] = i
	}

	// Second pass: adjacency lists and dependency validation.
	for i := range def.Steps {
		step := &def.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s depends on unknown step: %s", step.ID, dep)
			}
			if dep == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"step %s depends on itself", step.ID)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", step.ID, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Dependents[dep] = append(dag.Dependents[dep], step.ID)
		}
		dag.Deps[step.ID] = deps
	}

	// Kahn's algorithm with a declaration-order frontier, so the sequential
	// order is stable across runs of the same definition.
	inDegree := make(map[string]int, len(dag.Steps))
	for id, deps := range dag.Deps {
		inDegree[id] = len(deps)
	}

	frontier := make([]string, 0)
	for i := range def.Steps {
		if inDegree[def.Steps[i].ID] == 0 {
			frontier = append(frontier, def.Steps[i].ID)
		}
	}
	dag.Roots = append([]string(nil), frontier...)

	order := make([]string, 0, len(dag.Steps))
	for len(frontier) > 0 {
		// Pick the earliest-declared ready step.
		best := 0
		for i := 1; i < len(frontier); i++ {
			if dag.index[frontier[i]] < dag.index[frontier[best]] {
				best = i
			}
		}
		node := frontier[best]
		frontier = append(frontier[:best], frontier[best+1:]...)
		order = append(order, node)

		for _, dependent := range dag.Dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}

	if len(order) != len(dag.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
	}
	dag.Order = order

	return dag, nil
}
