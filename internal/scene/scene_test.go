package scene

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"lumehub/internal/color"
	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/expr"
	"lumehub/internal/group"
	"lumehub/internal/store"
)

func light(integration, id, name string, power bool) device.Device {
	bri := 1.0
	return device.Device{
		ID:            device.DeviceID(id),
		IntegrationID: device.IntegrationID(integration),
		Name:          name,
		Data: device.DeviceData{
			Controllable: &device.Controllable{
				State:        device.ControllableState{Power: power, Brightness: &bri},
				Capabilities: color.Capabilities{Hs: true},
				Manage:       device.Manage{Mode: device.ManageFull},
			},
		},
	}
}

func stateOf(devs ...device.Device) device.DevicesState {
	s := device.DevicesState{}
	for _, d := range devs {
		s[d.Key()] = d
	}
	return s
}

func f(v float64) *float64 { return &v }

func newTestScenes(t *testing.T, static map[device.SceneID]Config, groupCfg map[device.GroupID]group.Config, state device.DevicesState) *Scenes {
	t.Helper()
	groups := group.New(groupCfg)
	engine := expr.New(groups)
	engine.Refresh(state)
	return New(static, groups, engine, nil)
}

func TestFindSceneDevicesConfigDirectAndGroup(t *testing.T) {
	state := stateOf(
		light("hue", "bulb-1", "Ceiling", false),
		light("hue", "bulb-2", "Corner", false),
		light("mqtt", "strip-1", "Desk", false),
	)
	groupCfg := map[device.GroupID]group.Config{
		"living_room": {Devices: []device.DeviceRef{
			{IntegrationID: "hue", DeviceID: "bulb-1"},
			{IntegrationID: "hue", DeviceID: "bulb-2"},
		}},
	}
	static := map[device.SceneID]Config{
		"evening": {
			Name:   "Evening",
			Groups: map[device.GroupID]device.ControllableState{"living_room": {Power: true, Brightness: f(0.3)}},
			Devices: map[string]device.ControllableState{
				// Direct entry overrides the group entry for bulb-1.
				"hue/bulb-1":   {Power: true, Brightness: f(0.8)},
				"mqtt/strip-1": {Power: false},
			},
		},
	}

	s := newTestScenes(t, static, groupCfg, state)

	devs, err := s.FindSceneDevicesConfig(state, event.SceneDescriptor{SceneID: "evening"})
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 3 {
		t.Fatalf("resolved %d devices, want 3", len(devs))
	}
	// Sorted by key: hue/bulb-1, hue/bulb-2, mqtt/strip-1.
	if *devs[0].State.Brightness != 0.8 {
		t.Errorf("bulb-1 brightness = %v, want direct entry 0.8", *devs[0].State.Brightness)
	}
	if *devs[1].State.Brightness != 0.3 {
		t.Errorf("bulb-2 brightness = %v, want group entry 0.3", *devs[1].State.Brightness)
	}
	if devs[2].State.Power {
		t.Error("strip-1 power = true, want false")
	}
}

func TestFindSceneDevicesConfigResolvesByName(t *testing.T) {
	state := stateOf(light("hue", "bulb-1", "Corner Lamp", false))
	static := map[device.SceneID]Config{
		"evening": {Devices: map[string]device.ControllableState{
			"hue/Corner Lamp": {Power: true},
		}},
	}

	s := newTestScenes(t, static, nil, state)

	devs, err := s.FindSceneDevicesConfig(state, event.SceneDescriptor{SceneID: "evening"})
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].Key.DeviceID != "bulb-1" {
		t.Fatalf("resolved %v, want bulb-1 via name", devs)
	}
}

func TestFindSceneDevicesConfigDescriptorSubset(t *testing.T) {
	state := stateOf(
		light("hue", "bulb-1", "Ceiling", false),
		light("hue", "bulb-2", "Corner", false),
	)
	static := map[device.SceneID]Config{
		"evening": {Devices: map[string]device.ControllableState{
			"hue/bulb-1": {Power: true},
			"hue/bulb-2": {Power: true},
		}},
	}

	s := newTestScenes(t, static, nil, state)

	devs, err := s.FindSceneDevicesConfig(state, event.SceneDescriptor{
		SceneID:    "evening",
		DeviceKeys: []device.DeviceKey{{IntegrationID: "hue", DeviceID: "bulb-2"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].Key.DeviceID != "bulb-2" {
		t.Fatalf("resolved %v, want only bulb-2", devs)
	}
}

func TestFindSceneDevicesConfigWhenCondition(t *testing.T) {
	state := stateOf(light("hue", "bulb-1", "Ceiling", false))
	static := map[device.SceneID]Config{
		"evening": {
			When:    "[hue/bulb-1.power] == true",
			Devices: map[string]device.ControllableState{"hue/bulb-1": {Power: true}},
		},
	}

	s := newTestScenes(t, static, nil, state)

	devs, err := s.FindSceneDevicesConfig(state, event.SceneDescriptor{SceneID: "evening"})
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 0 {
		t.Fatalf("resolved %d devices, want none with false condition", len(devs))
	}
}

func TestFindSceneDevicesConfigUnknownScene(t *testing.T) {
	s := newTestScenes(t, nil, nil, device.DevicesState{})
	if _, err := s.FindSceneDevicesConfig(device.DevicesState{}, event.SceneDescriptor{SceneID: "nope"}); err == nil {
		t.Fatal("expected error for unknown scene")
	}
}

func TestFindSceneDeviceState(t *testing.T) {
	state := stateOf(light("hue", "bulb-1", "Ceiling", true))
	static := map[device.SceneID]Config{
		"evening": {Devices: map[string]device.ControllableState{
			"hue/bulb-1": {Power: true, Brightness: f(0.3)},
		}},
	}

	s := newTestScenes(t, static, nil, state)

	scene := device.SceneID("evening")
	d := state[device.DeviceKey{IntegrationID: "hue", DeviceID: "bulb-1"}]
	d.Scene = &scene

	st, ok := s.FindSceneDeviceState(d, state)
	if !ok {
		t.Fatal("expected scene state for covered device")
	}
	if *st.Brightness != 0.3 {
		t.Errorf("brightness = %v, want 0.3", *st.Brightness)
	}

	d.Scene = nil
	if _, ok := s.FindSceneDeviceState(d, state); ok {
		t.Error("device without scene must have no scene state")
	}
}

func TestStoredScenesShadowStatic(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg, _ := json.Marshal(Config{Name: "User Evening", Devices: map[string]device.ControllableState{
		"hue/bulb-1": {Power: false},
	}})
	if err := st.SaveScene(store.StoredScene{ID: "evening", Config: cfg}); err != nil {
		t.Fatal(err)
	}

	groups := group.New(nil)
	engine := expr.New(groups)
	s := New(map[device.SceneID]Config{
		"evening": {Name: "Static Evening"},
	}, groups, engine, st)

	if err := s.RefreshStoredScenes(); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Get("evening")
	if !ok {
		t.Fatal("scene missing")
	}
	if got.Name != "User Evening" {
		t.Errorf("name = %q, want stored scene to shadow static", got.Name)
	}
}

func TestInvalidate(t *testing.T) {
	state := stateOf(
		light("hue", "bulb-1", "Ceiling", true),
		light("hue", "bulb-2", "Corner", true),
		light("mqtt", "strip-1", "Desk", true),
	)
	groupCfg := map[device.GroupID]group.Config{
		"living_room": {Devices: []device.DeviceRef{
			{IntegrationID: "hue", DeviceID: "bulb-2"},
		}},
	}
	static := map[device.SceneID]Config{
		"direct": {Devices: map[string]device.ControllableState{"hue/bulb-1": {Power: true}}},
		"viagroup": {Groups: map[device.GroupID]device.ControllableState{
			"living_room": {Power: true},
		}},
		"other": {Devices: map[string]device.ControllableState{"mqtt/strip-1": {Power: true}}},
	}

	s := newTestScenes(t, static, groupCfg, state)

	d1 := state[device.DeviceKey{IntegrationID: "hue", DeviceID: "bulb-1"}]
	ids := s.Invalidate(d1, state)
	if len(ids) != 1 || ids[0] != "direct" {
		t.Errorf("bulb-1 affects %v, want [direct]", ids)
	}

	d2 := state[device.DeviceKey{IntegrationID: "hue", DeviceID: "bulb-2"}]
	ids = s.Invalidate(d2, state)
	if len(ids) != 1 || ids[0] != "viagroup" {
		t.Errorf("bulb-2 affects %v, want [viagroup]", ids)
	}

	uncovered := light("hue", "bulb-9", "Spare", true)
	if ids := s.Invalidate(uncovered, state); len(ids) != 0 {
		t.Errorf("uncovered device affects %v, want none", ids)
	}
}

func TestNextCycledScene(t *testing.T) {
	sceneA := device.SceneID("a")
	d := light("hue", "bulb-1", "Ceiling", true)
	d.Scene = &sceneA
	state := stateOf(d)

	static := map[device.SceneID]Config{
		"a": {Devices: map[string]device.ControllableState{"hue/bulb-1": {Power: true}}},
		"b": {Devices: map[string]device.ControllableState{"hue/bulb-1": {Power: true}}},
	}
	s := newTestScenes(t, static, nil, state)

	descs := []event.SceneDescriptor{{SceneID: "a"}, {SceneID: "b"}}

	next := s.NextCycledScene(state, descs, false)
	if next == nil || next.SceneID != "b" {
		t.Fatalf("next = %v, want b after active a", next)
	}

	// Active scene is the last one: wrap back to the first.
	sceneB := device.SceneID("b")
	d.Scene = &sceneB
	state[d.Key()] = d
	next = s.NextCycledScene(state, descs, false)
	if next == nil || next.SceneID != "a" {
		t.Fatalf("next = %v, want wrap to a", next)
	}

	// noWrap holds at the last descriptor.
	next = s.NextCycledScene(state, descs, true)
	if next == nil || next.SceneID != "b" {
		t.Fatalf("next = %v, want b with noWrap", next)
	}

	// No active scene starts the rotation.
	d.Scene = nil
	state[d.Key()] = d
	next = s.NextCycledScene(state, descs, false)
	if next == nil || next.SceneID != "a" {
		t.Fatalf("next = %v, want first descriptor", next)
	}
}
