package group

import (
	"testing"

	"lumehub/internal/color"
	"lumehub/internal/device"
)

func light(integration, id, name string, power bool, bri float64) device.Device {
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

func TestFindGroupDevicesByIDAndName(t *testing.T) {
	g := New(map[device.GroupID]Config{
		"living_room": {
			Name: "Living Room",
			Devices: []device.DeviceRef{
				{IntegrationID: "hue", DeviceID: "bulb-1"},
				{IntegrationID: "hue", Name: "Corner Lamp"},
			},
		},
	})
	state := stateOf(
		light("hue", "bulb-1", "Ceiling", true, 0.8),
		light("hue", "bulb-2", "Corner Lamp", false, 0.2),
		light("hue", "bulb-3", "Hallway", true, 1.0),
	)

	devs := g.FindGroupDevices(state, "living_room")
	if len(devs) != 2 {
		t.Fatalf("group size = %d, want 2", len(devs))
	}
	if devs[0].ID != "bulb-1" || devs[1].ID != "bulb-2" {
		t.Errorf("resolved %q, %q; want bulb-1, bulb-2", devs[0].ID, devs[1].ID)
	}
}

func TestFindGroupDevicesSkipsUnknown(t *testing.T) {
	g := New(map[device.GroupID]Config{
		"living_room": {
			Devices: []device.DeviceRef{
				{IntegrationID: "hue", DeviceID: "bulb-1"},
				{IntegrationID: "hue", DeviceID: "not-joined-yet"},
			},
		},
	})
	state := stateOf(light("hue", "bulb-1", "Ceiling", true, 0.8))

	devs := g.FindGroupDevices(state, "living_room")
	if len(devs) != 1 {
		t.Fatalf("group size = %d, want 1", len(devs))
	}
}

func TestGroupStateAggregation(t *testing.T) {
	g := New(map[device.GroupID]Config{
		"living_room": {
			Devices: []device.DeviceRef{
				{IntegrationID: "hue", DeviceID: "bulb-1"},
				{IntegrationID: "hue", DeviceID: "bulb-2"},
			},
		},
	})
	state := stateOf(
		light("hue", "bulb-1", "Ceiling", true, 0.8),
		light("hue", "bulb-2", "Corner", false, 0.2),
	)

	agg := g.GroupState(state, "living_room")
	if !agg.Power {
		t.Error("power = false, want true when any member is on")
	}
	if agg.Brightness == nil || *agg.Brightness != 0.5 {
		t.Errorf("brightness = %v, want 0.5", agg.Brightness)
	}
}

func TestGroupStateAllOff(t *testing.T) {
	g := New(map[device.GroupID]Config{
		"living_room": {
			Devices: []device.DeviceRef{{IntegrationID: "hue", DeviceID: "bulb-1"}},
		},
	})
	state := stateOf(light("hue", "bulb-1", "Ceiling", false, 0.4))

	agg := g.GroupState(state, "living_room")
	if agg.Power {
		t.Error("power = true, want false with all members off")
	}
}

func TestInvalidate(t *testing.T) {
	g := New(map[device.GroupID]Config{
		"living_room": {
			Devices: []device.DeviceRef{{IntegrationID: "hue", DeviceID: "bulb-1"}},
		},
		"kitchen": {
			Devices: []device.DeviceRef{{IntegrationID: "hue", Name: "Kitchen Spot"}},
		},
	})

	got := g.Invalidate(light("hue", "bulb-1", "Ceiling", true, 1))
	if len(got) != 1 || got[0] != "living_room" {
		t.Errorf("invalidated %v, want [living_room]", got)
	}

	got = g.Invalidate(light("hue", "spot-1", "Kitchen Spot", true, 1))
	if len(got) != 1 || got[0] != "kitchen" {
		t.Errorf("invalidated %v, want [kitchen]", got)
	}

	got = g.Invalidate(light("mqtt", "strip-1", "Desk", true, 1))
	if len(got) != 0 {
		t.Errorf("invalidated %v, want none", got)
	}
}
