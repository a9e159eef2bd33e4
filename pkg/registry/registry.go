// Package registry maps command type discriminators to factories so stored
// commands can be rebuilt without reflection.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/security"
)

// Factory returns a fresh, zero-valued command ready to be decoded into.
// Host dependencies are captured by the closure.
type Factory func() core.Command

// Registry is a concurrency-safe discriminator → factory table.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Names must be valid type names and
// unique.
func (r *Registry) Register(name string, f Factory) error {
	if err := security.ValidateTypeName(name); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("registry: nil factory for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateType, name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register that panics on error, for package init wiring.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Has reports whether a discriminator is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Types returns the registered discriminators in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a zero-valued command for a discriminator.
func (r *Registry) New(name string) (core.Command, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownCommandType, name)
	}
	return f(), nil
}

// Encode serializes a command for storage.
func (r *Registry) Encode(cmd core.Command) (string, []byte, error) {
	if cmd == nil {
		return "", nil, core.ErrNilCommand
	}
	name := cmd.Type()
	if !r.Has(name) {
		return "", nil, fmt.Errorf("%w: %s", core.ErrUnknownCommandType, name)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", name, err)
	}
	if len(payload) > security.MaxPayloadSize {
		return "", nil, core.ErrPayloadTooLarge
	}
	return name, payload, nil
}

// Decode rebuilds a stored command.
func (r *Registry) Decode(name string, payload []byte) (core.Command, error) {
	cmd, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return cmd, nil
}
