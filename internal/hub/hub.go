package hub

import (
	"context"
	"log/slog"
	"sync"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/expr"
	"lumehub/internal/group"
	"lumehub/internal/integration"
	"lumehub/internal/rule"
	"lumehub/internal/scene"
	"lumehub/internal/store"
)

// Broadcaster pushes state snapshots to live subscribers.
type Broadcaster interface {
	BroadcastState(state device.DevicesState)
}

// Config wires the hub's collaborators together.
type Config struct {
	Bus      *event.Bus
	Store    store.Store
	Groups   *group.Groups
	Scenes   *scene.Scenes
	Expr     *expr.Engine
	Rules    *rule.Engine
	Registry *integration.Registry
	Logger   *slog.Logger
}

// Hub owns the application state and runs the central dispatcher. One
// writer lock guards the store and every derived cache; it is held for
// the duration of exactly one event.
type Hub struct {
	logger   *slog.Logger
	bus      *event.Bus
	db       store.Store
	groups   *group.Groups
	scenes   *scene.Scenes
	expr     *expr.Engine
	rules    *rule.Engine
	registry *integration.Registry

	mu          sync.Mutex
	devices     *Devices
	broadcaster Broadcaster
}

// New creates a hub.
func New(cfg Config) *Hub {
	h := &Hub{
		logger:   cfg.Logger.With("component", "hub"),
		bus:      cfg.Bus,
		db:       cfg.Store,
		groups:   cfg.Groups,
		scenes:   cfg.Scenes,
		expr:     cfg.Expr,
		rules:    cfg.Rules,
		registry: cfg.Registry,
	}
	h.devices = NewDevices(cfg.Bus, cfg.Scenes, cfg.Groups, cfg.Store, cfg.Logger)
	return h
}

// SetBroadcaster installs the live-subscriber sink. Optional.
func (h *Hub) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcaster = b
	h.mu.Unlock()
}

// Snapshot returns a deep copy of the current device state.
func (h *Hub) Snapshot() device.DevicesState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices.Snapshot()
}

// DeviceSnapshot is the Snapshot form the rule engine consumes. It must
// only be invoked from inside the dispatcher, where the lock is already
// held.
func (h *Hub) DeviceSnapshot() device.DevicesState {
	return h.devices.Snapshot()
}

// Send enqueues a message for the dispatcher.
func (h *Hub) Send(m event.Message) {
	h.bus.Send(m)
}

// Run drains the event queue until the context is cancelled. Each event
// is handled to completion under the lock; a failing or panicking handler
// is logged and the loop continues.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("dispatcher started")
	for {
		m, ok := h.bus.Receive(ctx)
		if !ok {
			h.logger.Info("dispatcher stopped")
			return
		}
		h.dispatch(ctx, m)
	}
}

func (h *Hub) dispatch(ctx context.Context, m event.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", "event", event.Describe(m), "panic", r)
		}
	}()

	if err := h.handle(ctx, m); err != nil {
		h.logger.Error("event handling failed", "event", event.Describe(m), "err", err)
	}
}
