package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEntity is returned for an entity name that was never registered.
var ErrUnknownEntity = errors.New("unknown entity")

// Registry holds the entity definitions being synchronized.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]EntityDefinition
}

// NewRegistry registers defs, failing on the first invalid one.
func NewRegistry(defs ...EntityDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[string]EntityDefinition)}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	if err := r.checkChildren(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds an entity definition.
func (r *Registry) Register(def EntityDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case def.Name == "":
		return errors.New("entity name is required")
	case def.Table == "":
		return fmt.Errorf("entity %s: table is required", def.Name)
	case def.KeyColumn == "" || def.KeyHeader == "":
		return fmt.Errorf("entity %s: key header and column are required", def.Name)
	case def.SheetRange == "":
		return fmt.Errorf("entity %s: sheet range is required", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("entity already registered: %s", def.Name)
	}

	r.defs[def.Name] = def
	return nil
}

func (r *Registry) checkChildren() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, def := range r.defs {
		for _, c := range def.Children {
			if _, ok := r.defs[c.Entity]; !ok {
				return fmt.Errorf("entity %s: child %q is not registered", def.Name, c.Entity)
			}
			if c.ForeignKey == "" {
				return fmt.Errorf("entity %s: child %q needs a foreign key", def.Name, c.Entity)
			}
		}
	}
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (EntityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	return def, ok
}

// All returns every definition sorted by Order, then name.
func (r *Registry) All() []EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]EntityDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})
	return result
}

// Children resolves the child relations of an entity.
func (r *Registry) Children(name string) []ResolvedChild {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil
	}
	out := make([]ResolvedChild, 0, len(def.Children))
	for _, c := range def.Children {
		if child, ok := r.defs[c.Entity]; ok {
			out = append(out, ResolvedChild{Entity: child, ForeignKey: c.ForeignKey})
		}
	}
	return out
}
