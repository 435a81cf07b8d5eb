// Package hub is the control-plane core: the authoritative device store
// with its reconciliation and mutate-and-dispatch operations, and the
// central dispatcher that serializes every state transition.
package hub

import (
	"errors"
	"fmt"
	"log/slog"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/scene"
	"lumehub/internal/store"
)

const (
	// dimmedScene tags devices whose brightness was stepped down; the tag
	// is synthetic and discarded by the sticky-scene rule on commit, so
	// dimming never changes which named scene is active.
	dimmedScene = device.SceneID("dimmed")

	defaultDimStep = 0.1
)

// Persistence is the slice of the store the device engine needs. Reads
// and writes are best-effort: the database is a cache of last-known
// state, not the source of truth.
type Persistence interface {
	SaveDevice(dev device.Device) error
	GetDevice(key device.DeviceKey) (device.Device, error)
}

// SceneResolver supplies scene-derived target states.
type SceneResolver interface {
	FindSceneDeviceState(d device.Device, state device.DevicesState) (device.ControllableState, bool)
	FindSceneDevicesConfig(state device.DevicesState, desc event.SceneDescriptor) ([]scene.DeviceState, error)
	NextCycledScene(state device.DevicesState, descs []event.SceneDescriptor, noWrap bool) *event.SceneDescriptor
}

// GroupResolver resolves group ids to member device keys.
type GroupResolver interface {
	FindGroupKeys(state device.DevicesState, id device.GroupID) []device.DeviceKey
}

type nameKey struct {
	integration device.IntegrationID
	name        string
}

// Devices is the authoritative device store. It is exclusively owned by
// the dispatcher: every method must be called with the hub lock held.
type Devices struct {
	logger *slog.Logger
	bus    *event.Bus
	scenes SceneResolver
	groups GroupResolver
	db     Persistence

	state      device.DevicesState
	keysByName map[nameKey]device.DeviceKey
}

// NewDevices creates an empty device store.
func NewDevices(bus *event.Bus, scenes SceneResolver, groups GroupResolver, db Persistence, logger *slog.Logger) *Devices {
	return &Devices{
		logger:     logger.With("component", "devices"),
		bus:        bus,
		scenes:     scenes,
		groups:     groups,
		db:         db,
		state:      device.DevicesState{},
		keysByName: map[nameKey]device.DeviceKey{},
	}
}

// Snapshot returns a deep copy of the current state.
func (x *Devices) Snapshot() device.DevicesState {
	return x.state.Clone()
}

// Get returns the stored record for a key.
func (x *Devices) Get(key device.DeviceKey) (device.Device, bool) {
	d, ok := x.state[key]
	return d, ok
}

// GetDeviceByRef resolves a device by id or, when the id is empty, by
// name through the secondary index.
func (x *Devices) GetDeviceByRef(ref device.DeviceRef) (device.Device, bool) {
	if ref.DeviceID != "" {
		return x.Get(device.DeviceKey{IntegrationID: ref.IntegrationID, DeviceID: ref.DeviceID})
	}
	key, ok := x.keysByName[nameKey{integration: ref.IntegrationID, name: ref.Name}]
	if !ok {
		return device.Device{}, false
	}
	return x.Get(key)
}

// HandleObservedState reconciles a freshly observed device against the
// store. Four outcomes: discovery (with best-effort restore from
// persistence), sensor dedupe, managed-device comparison (echo commit or
// drift correction), and the fallback commit of the observation.
func (x *Devices) HandleObservedState(incoming device.Device) error {
	key := incoming.Key()
	current, known := x.state[key]

	if !known {
		restored, err := x.db.GetDevice(key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				x.logger.Warn("device restore failed", "device", key, "err", err)
			}
			x.logger.Info("device discovered", "device", key, "name", incoming.Name)
			x.SetDeviceState(incoming, true, false, false)
			return nil
		}
		x.logger.Info("device discovered, restored", "device", key, "name", incoming.Name, "scene", restored.Scene)
		d := incoming.WithScene(restored.Scene)
		x.SetDeviceState(d, true, true, !d.Managed())
		return nil
	}

	if incoming.IsSensor() {
		stored, ok := current.SensorValue()
		if !ok {
			return fmt.Errorf("device %s: %w", key, device.ErrVariantMismatch)
		}
		observed, _ := incoming.SensorValue()
		if observed.Equal(stored) {
			return nil
		}
		x.SetDeviceState(incoming, false, false, false)
		return nil
	}

	if incoming.Data.Controllable != nil && current.Data.Controllable != nil && !current.Managed() {
		// Unmanaged devices are tracked but never corrected.
		x.SetDeviceState(incoming, false, false, true)
		return nil
	}

	if incoming.Data.Controllable != nil && current.Managed() {
		if expected, ok := x.expectedState(current, false); ok {
			manage := current.Data.Controllable.Manage
			if device.StatesEqual(*incoming.Data.Controllable, expected) {
				if manage.Mode == device.ManagePartial && !manage.PrevChangeCommitted {
					d := incoming.Clone()
					d.Data.Controllable.Manage = device.Manage{Mode: device.ManagePartial, PrevChangeCommitted: true}
					x.SetDeviceState(d, false, false, true)
				}
				return nil
			}

			// Drift: push the expected state at the device without touching
			// the store. The next observation is the confirmation.
			x.logger.Info("device drifted from expected state",
				"device", key,
				"observed", incoming.Data.Controllable.State,
				"expected", expected)
			x.bus.Send(event.SendDeviceState{Device: correctedDevice(incoming, expected)})
			return nil
		}
	}

	x.SetDeviceState(incoming, false, false, false)
	return nil
}

// SetDeviceState is the single authoritative write path. It applies the
// sticky-scene rule, resolves the expected state, commits the device,
// publishes the change notification, dispatches to the integration and
// persists, in that order.
func (x *Devices) SetDeviceState(d device.Device, setScene, skipPersist, skipSend bool) device.Device {
	key := d.Key()
	oldState := x.state.Clone()
	old, existed := x.state[key]

	if !existed {
		x.keysByName[nameKey{integration: d.IntegrationID, name: d.Name}] = key
	}

	d = d.Clone()

	// Scene assignment is sticky unless explicitly being changed.
	if !setScene && existed {
		d.Scene = nil
		if old.Scene != nil {
			s := *old.Scene
			d.Scene = &s
		}
	}

	if (setScene || d.Managed()) && d.Data.Controllable != nil {
		if expected, ok := x.expectedState(d, true); ok {
			caps := d.Data.Controllable.Capabilities
			if expected.Color != nil && caps.Any() {
				if conv := expected.Color.ToDevicePreferredMode(caps); conv != nil {
					expected.Color = conv
				}
			}
			d.Data.Controllable.State = expected
		}
	}

	// A fresh outbound command re-arms the partial-management echo.
	if !skipSend && d.Data.Controllable != nil && d.Data.Controllable.Manage.Mode == device.ManagePartial {
		d.Data.Controllable.Manage.PrevChangeCommitted = false
	}

	x.state[key] = d

	changed := !existed || !old.Equal(d)
	if changed {
		var oldPtr *device.Device
		if existed {
			o := old.Clone()
			oldPtr = &o
		}
		x.bus.Send(event.InternalStateUpdate{
			OldState: oldState,
			NewState: x.state.Clone(),
			Old:      oldPtr,
			New:      d.Clone(),
		})
	}

	if !skipSend && !d.IsSensor() {
		x.bus.Send(event.SendDeviceState{Device: d.Clone()})
	}

	if !skipPersist && changed {
		persisted := d.Clone()
		go func() {
			if err := x.db.SaveDevice(persisted); err != nil {
				x.logger.Warn("device persist failed", "device", key, "err", err)
			}
		}()
	}

	return d
}

// expectedState resolves the state a controllable device should be in:
// the assigned scene's prescription when one covers the device, otherwise
// the passed or stored state depending on usePassed. Sensors have no
// expected state.
func (x *Devices) expectedState(d device.Device, usePassed bool) (device.ControllableState, bool) {
	if d.Data.Controllable == nil {
		return device.ControllableState{}, false
	}

	state, fromScene := x.scenes.FindSceneDeviceState(d, x.state)
	if fromScene {
		if usePassed {
			// State being set must not inherit the scene's fade duration.
			state.TransitionMs = nil
		}
	} else if usePassed {
		state = d.Data.Controllable.State.Clone()
	} else if stored, ok := x.state[d.Key()]; ok && stored.Data.Controllable != nil {
		state = stored.Data.Controllable.State.Clone()
	} else {
		state = d.Data.Controllable.State.Clone()
	}

	// Every "on" state carries a defined brightness.
	if state.Power && state.Brightness == nil {
		full := 1.0
		state.Brightness = &full
	}
	return state, true
}

// ActivateScene assigns a scene to every device it resolves to and
// commits each with the scene's prescribed state.
func (x *Devices) ActivateScene(desc event.SceneDescriptor) error {
	targets, err := x.scenes.FindSceneDevicesConfig(x.state, desc)
	if err != nil {
		return err
	}
	x.logger.Info("scene activated", "scene", desc.SceneID, "devices", len(targets))
	for _, target := range targets {
		d, ok := x.state[target.Key]
		if !ok {
			continue
		}
		sceneID := desc.SceneID
		d = d.WithScene(&sceneID)
		x.SetDeviceState(d, true, false, false)
	}
	return nil
}

// CycleScenes activates the next scene in a rotation.
func (x *Devices) CycleScenes(descs []event.SceneDescriptor, noWrap bool) error {
	next := x.scenes.NextCycledScene(x.state, descs, noWrap)
	if next == nil {
		return fmt.Errorf("no scenes to cycle")
	}
	return x.ActivateScene(*next)
}

// Dim lowers brightness on the given device and group set, or on every
// known device when the set is empty. The synthetic "dimmed" scene tag is
// discarded by the sticky-scene rule, so the active named scene is
// unchanged.
func (x *Devices) Dim(keys []device.DeviceKey, groupIDs []device.GroupID, step *float64) {
	s := defaultDimStep
	if step != nil {
		s = *step
	}

	targets := keys
	for _, gid := range groupIDs {
		targets = append(targets, x.groups.FindGroupKeys(x.state, gid)...)
	}
	if len(keys) == 0 && len(groupIDs) == 0 {
		targets = x.state.SortedKeys()
	}

	for _, key := range targets {
		d, ok := x.state[key]
		if !ok || d.IsSensor() {
			continue
		}
		dimmed := d.Dimmed(s)
		tag := dimmedScene
		dimmed.Scene = &tag
		x.SetDeviceState(dimmed, false, false, false)
	}
}

// correctedDevice builds the corrective push for a drifted device: the
// incoming identity with the expected payload, color converted to the
// device's preferred representation and transition timing cleared.
func correctedDevice(incoming device.Device, expected device.ControllableState) device.Device {
	d := incoming.Clone()
	expected = expected.Clone()
	expected.TransitionMs = nil
	if expected.Color != nil {
		caps := d.Data.Controllable.Capabilities
		if caps.Any() {
			if conv := expected.Color.ToDevicePreferredMode(caps); conv != nil {
				expected.Color = conv
			}
		}
	}
	d.Data.Controllable.State = expected
	return d
}
