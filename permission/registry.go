package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrFrozen is returned when Define is called after Freeze.
	ErrFrozen = errors.New("permission registry frozen")
	// ErrDuplicate is returned when a permission name is defined twice.
	ErrDuplicate = errors.New("permission already defined")
)

// Registry is the catalog of permission names the guard may check
// against. Names are declared in module groups before startup and the
// registry is then frozen; lookups after Freeze are lock-free reads.
type Registry struct {
	mu     sync.RWMutex
	names  map[string]struct{}
	frozen bool
}

// NewRegistry creates an empty, unfrozen [Registry].
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Define registers one module's permissions. Each action key becomes the
// full name "<modulePrefix>:<action>"; the returned map goes from action
// key to full name so callers can keep typed references to their own
// permissions. Descriptions are accepted for documentation but not
// stored.
func (r *Registry) Define(modulePrefix string, actions map[string]string) (map[string]string, error) {
	if strings.TrimSpace(modulePrefix) == "" {
		return nil, errors.New("module prefix cannot be empty")
	}
	if len(actions) == 0 {
		return nil, errors.New("no actions defined")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return nil, ErrFrozen
	}

	full := make(map[string]string, len(actions))
	for action := range actions {
		if strings.TrimSpace(action) == "" {
			return nil, errors.New("action key cannot be empty")
		}
		name := modulePrefix + ":" + action
		if _, exists := r.names[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
		full[action] = name
	}

	for _, name := range full {
		r.names[name] = struct{}{}
	}
	return full, nil
}

// Freeze makes the registry immutable. Calling it more than once is a
// no-op.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Has reports whether the full permission name is defined.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Count returns the number of defined permissions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// All returns every defined permission name, sorted.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
