package schema

import (
	"fmt"
	"strings"
	"sync"
)

// Repository is a source of live type descriptors.
type Repository interface {
	// Lookup returns the type with the given name. Repositories may construct
	// derived types on demand.
	Lookup(name string) (*Type, bool)
	// Types returns every known type in registration order.
	Types() []*Type
}

// Registry is an in-memory Repository. Collection types "T[]" are derived lazily
// for every registered T.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Type
	ordered []*Type
	derived map[string]*Type
}

// NewRegistry creates a registry holding the given types.
func NewRegistry(types ...*Type) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Type),
		derived: make(map[string]*Type),
	}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a type. Names must be unique.
func (r *Registry) Register(t *Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[t.Name()]; exists {
		return fmt.Errorf("type %q already registered", t.Name())
	}
	r.byName[t.Name()] = t
	r.ordered = append(r.ordered, t)
	return nil
}

func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	t, ok := r.byName[name]
	if !ok {
		t, ok = r.derived[name]
	}
	r.mu.RUnlock()
	if ok {
		return t, true
	}

	elemName, isCollection := strings.CutSuffix(name, CollectionSuffix)
	if !isCollection || elemName == "" {
		return nil, false
	}
	elem, ok := r.Lookup(elemName)
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.derived[name]; ok {
		return t, true
	}
	t = &Type{name: name, element: elem, elementName: elem.Name(), abstract: true}
	t.Freeze()
	r.derived[name] = t
	return t, true
}

func (r *Registry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Type, len(r.ordered))
	copy(out, r.ordered)
	return out
}
