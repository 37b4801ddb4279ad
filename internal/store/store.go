package store

import (
	"context"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// Mutator applies a mutation to an execution inside the store's per-id lock.
// Returning an error aborts the update without applying it.
type Mutator func(exec *Execution) error

// ExecutionStore holds the mutable record of workflow runs.
//
// Contract: at most one mutation to a given execution is applied at a time;
// concurrent Update calls for different executions never block each other.
// Get returns a snapshot copy that never aliases store-internal state.
// Durable implementations must flush every Update before returning.
type ExecutionStore interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, id string, mutate Mutator) (*Execution, error)
	ListByState(ctx context.Context, state schema.ExecutionState, limit, offset int) ([]*Execution, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func notFound(id string) *schema.KinetiqError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", id)
}
