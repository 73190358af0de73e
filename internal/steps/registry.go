package steps

import (
	"sort"
	"sync"

	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Registry is the thread-safe step-type catalog. Duplicate registrations
// are rejected so two executors can never race for the same step type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate type.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	stepType := ex.Type()
	if stepType == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[stepType]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", stepType)
	}

	r.executors[stepType] = ex
	return nil
}

// Get retrieves the executor for a step type.
func (r *Registry) Get(stepType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[stepType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownStepType, "no executor registered for step type %q", stepType)
	}
	return ex, nil
}

// List returns descriptors for all registered step types, sorted by type.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]Descriptor, 0, len(r.executors))
	for _, ex := range r.executors {
		descs = append(descs, ex.Describe())
	}
	sort.Slice(descs, func(i, j int) bool {
		return descs[i].Type < descs[j].Type
	})
	return descs
}

// Has checks if a step type is registered.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[stepType]
	return ok
}

// Count returns the number of registered step types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// The registry doubles as the semantic validation stage's type lookup.
var _ validation.TypeLookup = (*Registry)(nil)
