package integrations

import (
	"fmt"
	"sync"

	"github.com/3cpo-dev/hubmon/pkg/api"
)

// Registry holds the integrations the monitor watches, in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []api.IntegrationDescriptor
	index map[string]int
}

func NewRegistry(descs ...api.IntegrationDescriptor) (*Registry, error) {
	r := &Registry{index: map[string]int{}}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(d api.IntegrationDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("integration id cannot be empty")
	}
	if d.DisplayName == "" {
		d.DisplayName = d.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[d.ID]; ok {
		return fmt.Errorf("integration already registered: %s", d.ID)
	}
	r.index[d.ID] = len(r.order)
	r.order = append(r.order, d)
	return nil
}

func (r *Registry) Get(id string) (api.IntegrationDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return api.IntegrationDescriptor{}, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return r.order[i], nil
}

// List returns a copy of the descriptors in registration order.
func (r *Registry) List() []api.IntegrationDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.IntegrationDescriptor, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// DefaultDescriptors are the six stock integrations of the hub.
func DefaultDescriptors() []api.IntegrationDescriptor {
	return []api.IntegrationDescriptor{
		{ID: "n8n", DisplayName: "n8n Core"},
		{ID: "intelligence", DisplayName: "Intelligence AI"},
		{ID: "sentinel", DisplayName: "Sentinel/NDVI"},
		{ID: "notifications", DisplayName: "Notifications"},
		{ID: "ros2", DisplayName: "ROS2 Robotics"},
		{ID: "odoo", DisplayName: "Odoo ERP"},
	}
}
