package task

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the closed set of remotely invocable task classes. Class
// resolution and the method guard both consult it; nothing outside the
// registry is ever reachable from the wire.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a task class. The base method table is merged beneath the
// class's own methods, so a class re-declaring a base name overrides it.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("task definition has no name")
	}
	if def.New == nil {
		return fmt.Errorf("task %q has no constructor", def.Name)
	}

	merged := baseMethods()
	for name, m := range def.Methods {
		merged[name] = m
	}
	def.Methods = merged

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("task %q is already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Resolve returns the definition for a class name.
func (r *Registry) Resolve(class string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return def, nil
}

// IsSafe reports whether class.method is remotely callable. It is a pure
// predicate: true only when the class is registered and the method appears
// in its merged method table. Methods that exist on generic Go types but
// were never declared in a table (String, GoString, reflection surface) are
// unsafe for every class.
func (r *Registry) IsSafe(class, method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[class]
	if !ok {
		return false
	}
	_, ok = def.Methods[method]
	return ok
}

// List returns the registered class names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
