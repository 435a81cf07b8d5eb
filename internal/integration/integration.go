// Package integration defines the protocol adapter contract and the
// registry that routes outgoing device commands to the adapter owning
// each device.
package integration

import (
	"context"
	"fmt"
	"log/slog"

	"lumehub/internal/device"
)

// Integration is one protocol adapter instance. Adapters push observed
// device states onto the event bus and apply commanded states to their
// devices.
type Integration interface {
	// ID returns the unique id this instance was configured under.
	ID() device.IntegrationID

	// Register connects to the protocol and announces known devices by
	// emitting observed states. It runs before Start.
	Register(ctx context.Context) error

	// Start begins ongoing operation: subscriptions, pollers, tickers.
	Start(ctx context.Context) error

	// SetDeviceState applies a commanded state to a device.
	SetDeviceState(ctx context.Context, d device.Device) error

	// RunCustomAction executes an integration-specific opaque action.
	RunCustomAction(ctx context.Context, payload string) error

	// Stop shuts the adapter down.
	Stop() error
}

// Registry holds all configured integrations keyed by id.
type Registry struct {
	logger       *slog.Logger
	integrations map[device.IntegrationID]Integration
	order        []device.IntegrationID
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:       logger.With("component", "integrations"),
		integrations: map[device.IntegrationID]Integration{},
	}
}

// Add registers an integration instance. Ids must be unique.
func (r *Registry) Add(i Integration) error {
	id := i.ID()
	if _, ok := r.integrations[id]; ok {
		return fmt.Errorf("integration %q already registered", id)
	}
	r.integrations[id] = i
	r.order = append(r.order, id)
	return nil
}

// Get returns an integration by id.
func (r *Registry) Get(id device.IntegrationID) (Integration, bool) {
	i, ok := r.integrations[id]
	return i, ok
}

// RegisterAll runs the register pass on every integration in add order.
func (r *Registry) RegisterAll(ctx context.Context) error {
	for _, id := range r.order {
		if err := r.integrations[id].Register(ctx); err != nil {
			return fmt.Errorf("register integration %q: %w", id, err)
		}
		r.logger.Info("integration registered", "integration", id)
	}
	return nil
}

// StartAll runs the start pass on every integration in add order.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, id := range r.order {
		if err := r.integrations[id].Start(ctx); err != nil {
			return fmt.Errorf("start integration %q: %w", id, err)
		}
		r.logger.Info("integration started", "integration", id)
	}
	return nil
}

// StopAll stops every integration in reverse add order.
func (r *Registry) StopAll() {
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		if err := r.integrations[id].Stop(); err != nil {
			r.logger.Error("stop integration", "integration", id, "err", err)
		}
	}
}

// SendDeviceState routes a commanded state to the integration owning the
// device.
func (r *Registry) SendDeviceState(ctx context.Context, d device.Device) error {
	i, ok := r.integrations[d.IntegrationID]
	if !ok {
		return fmt.Errorf("integration %q not found for device %s", d.IntegrationID, d.Key())
	}
	return i.SetDeviceState(ctx, d)
}

// RunCustomAction routes an opaque action payload to an integration.
func (r *Registry) RunCustomAction(ctx context.Context, id device.IntegrationID, payload string) error {
	i, ok := r.integrations[id]
	if !ok {
		return fmt.Errorf("integration %q not found", id)
	}
	return i.RunCustomAction(ctx, payload)
}
