package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/gasoline/pkg/api"
)

// ErrWorkflowNotRegistered is returned for a workflow name no definition
// was registered for.
var ErrWorkflowNotRegistered = errors.New("workflow not registered")

// Registry maps workflow names to definitions. A worker only pulls the
// names registered with it.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]api.Definition
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]api.Definition),
	}
}

func (r *Registry) Register(def api.Definition) error {
	if def == nil || def.Name() == "" {
		return api.ErrMissingName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name()]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name())
	}
	r.byName[def.Name()] = def
	return nil
}

// MustRegister is Register for package initialisation.
func (r *Registry) MustRegister(defs ...api.Definition) *Registry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Get(name string) (api.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, name)
	}
	return def, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
