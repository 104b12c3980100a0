package protocol

import (
	"fmt"
	"sync"

	"signalgw/internal/models"
)

// Registry is the ordered handler list. Registration order is dispatch
// priority: the first handler whose Supports returns true answers.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	byName   map[string]Handler
	builtins func() []Handler
}

// NewRegistry returns a registry whose Reload re-registers builtins. A nil
// builtins func makes Reload clear the registry.
func NewRegistry(builtins func() []Handler) *Registry {
	return &Registry{byName: make(map[string]Handler), builtins: builtins}
}

// Register appends h. Names must be unique.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(h)
}

func (r *Registry) registerLocked(h Handler) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("handler must have a name")
	}
	if _, exists := r.byName[h.Name()]; exists {
		return fmt.Errorf("handler %q already registered", h.Name())
	}
	r.handlers = append(r.handlers, h)
	r.byName[h.Name()] = h
	return nil
}

func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return false
	}
	delete(r.byName, name)
	for i, h := range r.handlers {
		if h.Name() == name {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			break
		}
	}
	return true
}

// Reload clears the registry and registers the built-in set again.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = nil
	r.byName = make(map[string]Handler)
	if r.builtins == nil {
		return nil
	}
	for _, h := range r.builtins() {
		if err := r.registerLocked(h); err != nil {
			return err
		}
	}
	return nil
}

// Handlers returns the handlers in dispatch order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers...)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		names[i] = h.Name()
	}
	return names
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Find returns the first handler that supports msg.
func (r *Registry) Find(msg *models.Message) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Supports(msg) {
			return h, true
		}
	}
	return nil, false
}
