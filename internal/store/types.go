package store

import (
	"time"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// Execution is the mutable record of one workflow run. It is owned exclusively
// by the orchestrator/step-executor pair; the store is the sole mutator,
// accessed under a per-execution lock.
type Execution struct {
	ID           string                        `json:"id"`
	DefinitionID string                        `json:"definition_id"`
	CurrentState schema.ExecutionState         `json:"current_state"`
	StateHistory []schema.Transition           `json:"state_history"`
	StepResults  map[string]*schema.StepResult `json:"step_results"`
	// Context is the execution-scoped payload: submission parameters merged
	// with any input supplied through Continue while waiting.
	Context      map[string]any `json:"context,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
}

// Clone returns a deep copy of the execution so snapshot readers never share
// mutable state with the store.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e

	cp.StateHistory = make([]schema.Transition, len(e.StateHistory))
	copy(cp.StateHistory, e.StateHistory)
	for i, tr := range cp.StateHistory {
		cp.StateHistory[i].Metadata = cloneMap(tr.Metadata)
	}

	cp.StepResults = make(map[string]*schema.StepResult, len(e.StepResults))
	for id, sr := range e.StepResults {
		c := *sr
		cp.StepResults[id] = &c
	}

	cp.Context = cloneMap(e.Context)

	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
