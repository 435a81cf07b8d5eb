// Package scene resolves scene definitions into per-device target states.
// Scenes come from two places: static configuration and user-defined
// scenes persisted in the store; stored scenes shadow static ones with the
// same id.
package scene

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/expr"
	"lumehub/internal/group"
	"lumehub/internal/store"
)

// Config describes one scene. Devices maps "integration/device" keys (the
// device part may be an id or a name) to target states; Groups applies one
// target state to every member of a group. When is an optional condition
// gating activation.
type Config struct {
	Name    string                                      `json:"name" yaml:"name"`
	When    string                                      `json:"when,omitempty" yaml:"when,omitempty"`
	Devices map[string]device.ControllableState         `json:"devices,omitempty" yaml:"devices,omitempty"`
	Groups  map[device.GroupID]device.ControllableState `json:"groups,omitempty" yaml:"groups,omitempty"`
}

// DeviceState pairs a resolved device key with its scene target state.
type DeviceState struct {
	Key   device.DeviceKey
	State device.ControllableState
}

// Scenes resolves scene definitions against device state snapshots.
type Scenes struct {
	groups *group.Groups
	expr   *expr.Engine
	store  store.Store

	mu     sync.Mutex
	static map[device.SceneID]Config
	stored map[device.SceneID]Config
}

// New creates a scene resolver. Call RefreshStoredScenes to pick up
// persisted scenes.
func New(static map[device.SceneID]Config, groups *group.Groups, engine *expr.Engine, st store.Store) *Scenes {
	if static == nil {
		static = map[device.SceneID]Config{}
	}
	return &Scenes{
		groups: groups,
		expr:   engine,
		store:  st,
		static: static,
		stored: map[device.SceneID]Config{},
	}
}

// RefreshStoredScenes reloads user-defined scenes from the store.
func (s *Scenes) RefreshStoredScenes() error {
	if s.store == nil {
		return nil
	}
	list, err := s.store.ListScenes()
	if err != nil {
		return fmt.Errorf("list stored scenes: %w", err)
	}
	stored := make(map[device.SceneID]Config, len(list))
	for _, sc := range list {
		var cfg Config
		if err := json.Unmarshal(sc.Config, &cfg); err != nil {
			return fmt.Errorf("decode stored scene %s: %w", sc.ID, err)
		}
		stored[sc.ID] = cfg
	}
	s.mu.Lock()
	s.stored = stored
	s.mu.Unlock()
	return nil
}

// Get returns a scene definition by id. Stored scenes shadow static ones.
func (s *Scenes) Get(id device.SceneID) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.stored[id]; ok {
		return cfg, true
	}
	cfg, ok := s.static[id]
	return cfg, ok
}

// List returns all known scenes keyed by id.
func (s *Scenes) List() map[device.SceneID]Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[device.SceneID]Config, len(s.static)+len(s.stored))
	for id, cfg := range s.static {
		out[id] = cfg
	}
	for id, cfg := range s.stored {
		out[id] = cfg
	}
	return out
}

// FindSceneDevicesConfig resolves a scene descriptor into the ordered list
// of device target states its activation should apply. The descriptor's
// DeviceKeys and GroupIDs, when present, restrict the scene to a subset.
// A false When condition yields an empty list.
func (s *Scenes) FindSceneDevicesConfig(state device.DevicesState, desc event.SceneDescriptor) ([]DeviceState, error) {
	cfg, ok := s.Get(desc.SceneID)
	if !ok {
		return nil, fmt.Errorf("scene %s: %w", desc.SceneID, store.ErrNotFound)
	}

	if cfg.When != "" {
		active, err := s.expr.EvalBool(cfg.When)
		if err != nil {
			return nil, fmt.Errorf("scene %s condition: %w", desc.SceneID, err)
		}
		if !active {
			return nil, nil
		}
	}

	targets := map[device.DeviceKey]device.ControllableState{}

	// Group entries first so direct device entries win on overlap.
	for gid, st := range cfg.Groups {
		for _, key := range s.groups.FindGroupKeys(state, gid) {
			targets[key] = st.Clone()
		}
	}
	for ref, st := range cfg.Devices {
		key, ok := resolveSceneRef(state, ref)
		if !ok {
			continue
		}
		targets[key] = st.Clone()
	}

	if len(desc.DeviceKeys) > 0 || len(desc.GroupIDs) > 0 {
		allowed := map[device.DeviceKey]bool{}
		for _, k := range desc.DeviceKeys {
			allowed[k] = true
		}
		for _, gid := range desc.GroupIDs {
			for _, k := range s.groups.FindGroupKeys(state, gid) {
				allowed[k] = true
			}
		}
		for k := range targets {
			if !allowed[k] {
				delete(targets, k)
			}
		}
	}

	out := make([]DeviceState, 0, len(targets))
	for k, st := range targets {
		out = append(out, DeviceState{Key: k, State: st})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out, nil
}

// FindSceneDeviceState returns the target state a device's currently
// assigned scene prescribes for it, or false when the device has no scene
// or the scene does not cover it.
func (s *Scenes) FindSceneDeviceState(d device.Device, state device.DevicesState) (device.ControllableState, bool) {
	if d.Scene == nil {
		return device.ControllableState{}, false
	}
	cfg, ok := s.Get(*d.Scene)
	if !ok {
		return device.ControllableState{}, false
	}

	key := d.Key()
	for ref, st := range cfg.Devices {
		rk, ok := resolveSceneRef(state, ref)
		if ok && rk == key {
			return st.Clone(), true
		}
	}
	for gid, st := range cfg.Groups {
		for _, k := range s.groups.FindGroupKeys(state, gid) {
			if k == key {
				return st.Clone(), true
			}
		}
	}
	return device.ControllableState{}, false
}

// Invalidate returns the ids of scenes whose definition covers the changed
// device, sorted for stable logging. Callers use it to know which scene
// assignments a state change may have disturbed.
func (s *Scenes) Invalidate(changed device.Device, state device.DevicesState) []device.SceneID {
	key := changed.Key()
	var out []device.SceneID
	for id, cfg := range s.List() {
		if s.sceneCovers(cfg, key, state) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scenes) sceneCovers(cfg Config, key device.DeviceKey, state device.DevicesState) bool {
	for ref := range cfg.Devices {
		if rk, ok := resolveSceneRef(state, ref); ok && rk == key {
			return true
		}
	}
	for gid := range cfg.Groups {
		for _, k := range s.groups.FindGroupKeys(state, gid) {
			if k == key {
				return true
			}
		}
	}
	return false
}

// NextCycledScene picks the descriptor following the currently active one
// in a rotation. A descriptor is active when every device it resolves to
// has that scene assigned. With no active descriptor the first one is
// returned; with noWrap the rotation stops at the last descriptor.
func (s *Scenes) NextCycledScene(state device.DevicesState, descs []event.SceneDescriptor, noWrap bool) *event.SceneDescriptor {
	if len(descs) == 0 {
		return nil
	}

	active := -1
	for i, desc := range descs {
		devices, err := s.FindSceneDevicesConfig(state, desc)
		if err != nil || len(devices) == 0 {
			continue
		}
		all := true
		for _, ds := range devices {
			d, ok := state[ds.Key]
			if !ok || d.Scene == nil || *d.Scene != desc.SceneID {
				all = false
				break
			}
		}
		if all {
			active = i
			break
		}
	}

	next := active + 1
	if next >= len(descs) {
		if noWrap {
			next = len(descs) - 1
		} else {
			next = 0
		}
	}
	return &descs[next]
}

// resolveSceneRef resolves an "integration/device" scene entry against the
// state snapshot, matching the device part by id first and name second.
func resolveSceneRef(state device.DevicesState, ref string) (device.DeviceKey, bool) {
	key, err := device.ParseDeviceKey(ref)
	if err != nil {
		return device.DeviceKey{}, false
	}
	if _, ok := state[key]; ok {
		return key, true
	}
	for k, d := range state {
		if d.IntegrationID == key.IntegrationID && d.Name == string(key.DeviceID) {
			return k, true
		}
	}
	return device.DeviceKey{}, false
}
