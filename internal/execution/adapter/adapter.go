package adapter

import (
	"context"
	"fmt"
	"sort"

	"github.com/qaflow-labs/qaflow-go/internal/domain"
)

// Adapter drives one external test framework. Execute must return promptly
// once ctx is done; ctx carries the execution deadline.
type Adapter interface {
	ID() string
	// Validate returns the selectors that do not resolve to existing files.
	Validate(selectors []string) []string
	Execute(ctx context.Context, selectors []string, opts domain.ExecutionOptions) (domain.ExecutionResult, error)
}

type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, exists := r.adapters[a.ID()]; exists {
			return nil, fmt.Errorf("duplicate adapter %q", a.ID())
		}
		r.adapters[a.ID()] = a
	}
	return r, nil
}

func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
