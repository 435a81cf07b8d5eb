// Package group resolves named device groups from configuration and
// derives aggregate group state for expressions and scenes.
package group

import (
	"lumehub/internal/device"
)

// Config describes one group: a name and the devices it contains.
// Members may be referenced by id or by name.
type Config struct {
	Name    string             `json:"name" yaml:"name"`
	Devices []device.DeviceRef `json:"devices" yaml:"devices"`
}

// State is the aggregate state of a group: powered on when any member is
// on, brightness averaged over members that report one.
type State struct {
	Power      bool     `json:"power"`
	Brightness *float64 `json:"brightness,omitempty"`
}

// Groups resolves group membership against device state snapshots.
type Groups struct {
	config map[device.GroupID]Config
}

// New creates a group resolver from configuration.
func New(config map[device.GroupID]Config) *Groups {
	if config == nil {
		config = map[device.GroupID]Config{}
	}
	return &Groups{config: config}
}

// IDs returns all configured group ids.
func (g *Groups) IDs() []device.GroupID {
	ids := make([]device.GroupID, 0, len(g.config))
	for id := range g.config {
		ids = append(ids, id)
	}
	return ids
}

// Name returns the display name of a group, or the id when unknown.
func (g *Groups) Name(id device.GroupID) string {
	if c, ok := g.config[id]; ok {
		return c.Name
	}
	return string(id)
}

// FindGroupDevices resolves a group's member refs against a state snapshot.
// Unknown members are skipped; a group is usable even while some of its
// devices have not been observed yet.
func (g *Groups) FindGroupDevices(state device.DevicesState, id device.GroupID) []device.Device {
	c, ok := g.config[id]
	if !ok {
		return nil
	}
	var out []device.Device
	for _, ref := range c.Devices {
		if d, ok := resolveRef(state, ref); ok {
			out = append(out, d)
		}
	}
	return out
}

// FindGroupKeys resolves a group to the keys of its known members.
func (g *Groups) FindGroupKeys(state device.DevicesState, id device.GroupID) []device.DeviceKey {
	devs := g.FindGroupDevices(state, id)
	keys := make([]device.DeviceKey, 0, len(devs))
	for _, d := range devs {
		keys = append(keys, d.Key())
	}
	return keys
}

// GroupState aggregates the state of a group's members.
func (g *Groups) GroupState(state device.DevicesState, id device.GroupID) State {
	var agg State
	var briSum float64
	var briCount int
	for _, d := range g.FindGroupDevices(state, id) {
		cs, ok := d.ControllableState()
		if !ok {
			continue
		}
		if cs.Power {
			agg.Power = true
		}
		if cs.Brightness != nil {
			briSum += *cs.Brightness
			briCount++
		}
	}
	if briCount > 0 {
		avg := briSum / float64(briCount)
		agg.Brightness = &avg
	}
	return agg
}

// Invalidate returns the ids of groups whose membership includes the
// changed device, i.e. whose aggregate state may have changed.
func (g *Groups) Invalidate(changed device.Device) []device.GroupID {
	var out []device.GroupID
	for id, c := range g.config {
		for _, ref := range c.Devices {
			if refMatches(ref, changed) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func resolveRef(state device.DevicesState, ref device.DeviceRef) (device.Device, bool) {
	if ref.DeviceID != "" {
		d, ok := state[device.DeviceKey{IntegrationID: ref.IntegrationID, DeviceID: ref.DeviceID}]
		return d, ok
	}
	for _, d := range state {
		if d.IntegrationID == ref.IntegrationID && d.Name == ref.Name {
			return d, true
		}
	}
	return device.Device{}, false
}

func refMatches(ref device.DeviceRef, d device.Device) bool {
	if ref.IntegrationID != d.IntegrationID {
		return false
	}
	if ref.DeviceID != "" {
		return ref.DeviceID == d.ID
	}
	return ref.Name == d.Name
}
