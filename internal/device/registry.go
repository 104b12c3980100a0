package device

import (
	"fmt"
	"sort"
	"sync"

	"signalgw/internal/domain"
	"signalgw/internal/models"
)

// Registry resolves adapters by brand and by controller id.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]domain.Adapter
	controllers map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters:    make(map[string]domain.Adapter),
		controllers: make(map[string]string),
	}
}

// Register adds an adapter under its brand.
func (r *Registry) Register(adapter domain.Adapter) error {
	brand := adapter.Brand()
	if brand == "" {
		return fmt.Errorf("adapter with empty brand")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[brand]; ok {
		return fmt.Errorf("adapter for brand %q already registered", brand)
	}
	r.adapters[brand] = adapter
	return nil
}

// Bind routes a controller id to a brand.
func (r *Registry) Bind(controllerID, brand string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[controllerID] = brand
}

// LoadInventory binds every controller of the inventory. Controllers whose
// brand has no adapter are rejected.
func (r *Registry) LoadInventory(specs []models.ControllerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range specs {
		if spec.ID == "" {
			return fmt.Errorf("controller with empty id")
		}
		if _, ok := r.adapters[spec.Brand]; !ok {
			return fmt.Errorf("controller %s: no adapter for brand %q", spec.ID, spec.Brand)
		}
		r.controllers[spec.ID] = spec.Brand
	}
	return nil
}

func (r *Registry) GetAdapter(brand string) (domain.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[brand]
	return a, ok
}

func (r *Registry) GetAdapterByControllerID(controllerID string) (domain.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	brand, ok := r.controllers[controllerID]
	if !ok {
		return nil, false
	}
	a, ok := r.adapters[brand]
	return a, ok
}

func (r *Registry) Brands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	brands := make([]string, 0, len(r.adapters))
	for b := range r.adapters {
		brands = append(brands, b)
	}
	sort.Strings(brands)
	return brands
}
