package entity

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// ErrUnknownEntity is returned by Lookup for names that were never registered.
var ErrUnknownEntity = errors.New("unknown entity type")

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidName reports whether name can identify an entity type. Names double
// as table names in SQL stores, so they are restricted to lower-case
// identifiers.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Adapter describes how the engine treats one entity type.
type Adapter struct {
	// Name identifies the entity type in configuration, metadata and stores.
	Name string

	// VolatileFields are excluded from the content hash in addition to the
	// standard audit fields.
	VolatileFields []string

	// Validate, when set, is run on a record before it is written to the
	// target store. A non-nil error rejects the write for that record only.
	Validate func(*Record) error
}

// Registry maps entity names to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// Register adds an adapter. Names are checked here rather than at sync time.
func (r *Registry) Register(a Adapter) error {
	if !ValidName(a.Name) {
		return fmt.Errorf("invalid entity name %q: must match %s", a.Name, namePattern)
	}
	seen := make(map[string]bool, len(a.VolatileFields))
	for _, f := range a.VolatileFields {
		if f == "" {
			return fmt.Errorf("entity %s: empty volatile field name", a.Name)
		}
		if seen[f] {
			return fmt.Errorf("entity %s: duplicate volatile field %q", a.Name, f)
		}
		seen[f] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name]; exists {
		return fmt.Errorf("entity %s already registered", a.Name)
	}
	stored := a
	stored.VolatileFields = append([]string(nil), a.VolatileFields...)
	r.adapters[a.Name] = &stored
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(a Adapter) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Lookup resolves an adapter by name.
func (r *Registry) Lookup(name string) (*Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return a, nil
}

// Names returns registered entity names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
