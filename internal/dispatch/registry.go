package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// Service is a named group of operation handlers sharing one health check.
type Service struct {
	name     string
	handlers map[string]Handler
	health   HealthFunc
}

// NewService creates a Service with the given name.
func NewService(name string) *Service {
	return &Service{
		name:     name,
		handlers: make(map[string]Handler),
	}
}

// Handle registers an operation handler on the service. Returns the service
// for chaining.
func (s *Service) Handle(operation string, h Handler) *Service {
	s.handlers[operation] = h
	return s
}

// HandleFunc registers a bare handler function with no declared schema.
func (s *Service) HandleFunc(operation string, fn HandlerFunc) *Service {
	return s.Handle(operation, Handler{Fn: fn})
}

// WithHealth sets the service health check. Services without one report
// "healthy" as long as they are registered.
func (s *Service) WithHealth(fn HealthFunc) *Service {
	s.health = fn
	return s
}

// Registry is the concrete thread-safe Dispatcher implementation. It is
// explicitly constructed and injected into the orchestrator; there are no
// process-wide registries.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*Service),
	}
}

// Register adds a service to the registry. Returns error on duplicate name.
func (r *Registry) Register(svc *Service) error {
	if svc == nil {
		return schema.NewError(schema.ErrCodeValidation, "service is nil")
	}
	if svc.name == "" {
		return schema.NewError(schema.ErrCodeValidation, "service name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[svc.name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "service %q already registered", svc.name)
	}

	r.services[svc.name] = svc
	return nil
}

// Execute resolves the action to a registered handler and invokes it.
func (r *Registry) Execute(ctx context.Context, action Action, params map[string]any, execCtx map[string]any) (map[string]any, error) {
	r.mu.RLock()
	svc, ok := r.services[action.Target]
	if !ok {
		r.mu.RUnlock()
		return nil, schema.NewErrorf(schema.ErrCodeServiceNotFound,
			"target %q not registered", action.Target)
	}
	h, ok := svc.handlers[action.Operation]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionNotFound,
			"operation %q not registered on target %q", action.Operation, action.Target)
	}

	return h.Fn(ctx, params, execCtx)
}

// HealthCheck reports the health of a single target.
func (r *Registry) HealthCheck(ctx context.Context, target string) string {
	r.mu.RLock()
	svc, ok := r.services[target]
	r.mu.RUnlock()

	if !ok {
		return "unhealthy: target not registered"
	}
	if svc.health == nil {
		return "healthy"
	}
	return svc.health(ctx)
}

// Targets returns all registered target names, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OperationSchema returns the declared input schema for an action, if any.
// Used by definition validation to check step parameters at registration time.
func (r *Registry) OperationSchema(action Action) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[action.Target]
	if !ok {
		return nil, false
	}
	h, ok := svc.handlers[action.Operation]
	if !ok || len(h.InputSchema) == 0 {
		return nil, false
	}
	return h.InputSchema, true
}

// Has reports whether the (target, operation) pair is registered.
func (r *Registry) Has(action Action) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[action.Target]
	if !ok {
		return false
	}
	_, ok = svc.handlers[action.Operation]
	return ok
}

var _ Dispatcher = (*Registry)(nil)
