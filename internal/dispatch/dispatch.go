package dispatch

import (
	"context"
	"encoding/json"
)

// Action identifies a unit of dispatchable work as a (target, operation) pair.
// It is used as a typed lookup key instead of stringly routing.
type Action struct {
	Target    string `json:"target"`
	Operation string `json:"operation"`
}

func (a Action) String() string {
	return a.Target + "." + a.Operation
}

// HandlerFunc executes one operation. params carries the step's declared
// parameters, execCtx the execution-scoped context payload (workflow inputs,
// completed step outputs, correlation IDs).
type HandlerFunc func(ctx context.Context, params map[string]any, execCtx map[string]any) (map[string]any, error)

// Handler binds an operation implementation to its optional contract.
type Handler struct {
	Fn HandlerFunc
	// InputSchema, when set, is a JSON Schema the step's parameters are
	// validated against at definition-registration time.
	InputSchema json.RawMessage
	Description string
}

// HealthFunc reports the health of a target:
// "healthy", "degraded: <reason>", or "unhealthy: <reason>".
type HealthFunc func(ctx context.Context) string

// Dispatcher is the boundary consumed by the step executor. Implementations
// resolve a (target, operation) pair to a registered handler and invoke it.
type Dispatcher interface {
	Execute(ctx context.Context, action Action, params map[string]any, execCtx map[string]any) (map[string]any, error)
	HealthCheck(ctx context.Context, target string) string
	Targets() []string
}
