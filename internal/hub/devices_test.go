package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"lumehub/internal/color"
	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/scene"
	"lumehub/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDB is an in-memory Persistence with recorded writes.
type fakeDB struct {
	mu      sync.Mutex
	devices map[device.DeviceKey]device.Device
	saves   int
}

func newFakeDB() *fakeDB {
	return &fakeDB{devices: map[device.DeviceKey]device.Device{}}
}

func (f *fakeDB) SaveDevice(d device.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.Key()] = d.Clone()
	f.saves++
	return nil
}

func (f *fakeDB) GetDevice(key device.DeviceKey) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[key]
	if !ok {
		return device.Device{}, store.ErrNotFound
	}
	return d.Clone(), nil
}

// fakeScenes serves scene states from a fixed table.
type fakeScenes struct {
	states map[device.SceneID]map[device.DeviceKey]device.ControllableState
}

func (f *fakeScenes) FindSceneDeviceState(d device.Device, _ device.DevicesState) (device.ControllableState, bool) {
	if d.Scene == nil {
		return device.ControllableState{}, false
	}
	st, ok := f.states[*d.Scene][d.Key()]
	if !ok {
		return device.ControllableState{}, false
	}
	return st.Clone(), true
}

func (f *fakeScenes) FindSceneDevicesConfig(_ device.DevicesState, desc event.SceneDescriptor) ([]scene.DeviceState, error) {
	byKey, ok := f.states[desc.SceneID]
	if !ok {
		return nil, errors.New("scene not found")
	}
	var out []scene.DeviceState
	for k, st := range byKey {
		out = append(out, scene.DeviceState{Key: k, State: st.Clone()})
	}
	return out, nil
}

func (f *fakeScenes) NextCycledScene(_ device.DevicesState, descs []event.SceneDescriptor, _ bool) *event.SceneDescriptor {
	if len(descs) == 0 {
		return nil
	}
	return &descs[0]
}

type fakeGroups struct{}

func (fakeGroups) FindGroupKeys(device.DevicesState, device.GroupID) []device.DeviceKey { return nil }

type devFixture struct {
	bus    *event.Bus
	db     *fakeDB
	scenes *fakeScenes
	devs   *Devices
}

func newDevFixture(t *testing.T) *devFixture {
	t.Helper()
	bus := event.NewBus()
	db := newFakeDB()
	scenes := &fakeScenes{states: map[device.SceneID]map[device.DeviceKey]device.ControllableState{}}
	return &devFixture{
		bus:    bus,
		db:     db,
		scenes: scenes,
		devs:   NewDevices(bus, scenes, fakeGroups{}, db, testLogger()),
	}
}

func (fx *devFixture) drain(t *testing.T) []event.Message {
	t.Helper()
	var out []event.Message
	for fx.bus.Len() > 0 {
		m, ok := fx.bus.Receive(context.Background())
		if !ok {
			t.Fatal("bus closed")
		}
		out = append(out, m)
	}
	return out
}

func sendsOf(msgs []event.Message) []event.SendDeviceState {
	var out []event.SendDeviceState
	for _, m := range msgs {
		if s, ok := m.(event.SendDeviceState); ok {
			out = append(out, s)
		}
	}
	return out
}

func updatesOf(msgs []event.Message) []event.InternalStateUpdate {
	var out []event.InternalStateUpdate
	for _, m := range msgs {
		if u, ok := m.(event.InternalStateUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func managedLight(integration, id, name string, power bool, bri float64, mode device.ManageMode) device.Device {
	hs := color.NewHs(120, 0.5)
	return device.Device{
		ID:            device.DeviceID(id),
		IntegrationID: device.IntegrationID(integration),
		Name:          name,
		Data: device.DeviceData{Controllable: &device.Controllable{
			State:        device.ControllableState{Power: power, Color: &hs, Brightness: &bri},
			Capabilities: color.Capabilities{Hs: true},
			Manage:       device.Manage{Mode: mode},
		}},
	}
}

func textSensor(integration, id, name, value string) device.Device {
	return device.Device{
		ID:            device.DeviceID(id),
		IntegrationID: device.IntegrationID(integration),
		Name:          name,
		Data: device.DeviceData{Sensor: &device.SensorValue{
			Kind: device.SensorText,
			Text: value,
		}},
	}
}

func TestDiscoveryCommitsUnknownDevice(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "bulb-1", "Ceiling", true, 0.8, device.ManageFull)
	if err := fx.devs.HandleObservedState(d); err != nil {
		t.Fatal(err)
	}

	got, ok := fx.devs.Get(d.Key())
	if !ok {
		t.Fatal("device not committed on discovery")
	}
	if got.Name != "Ceiling" {
		t.Errorf("name = %q", got.Name)
	}
	if len(updatesOf(fx.drain(t))) != 1 {
		t.Error("discovery must emit exactly one state update")
	}
}

func TestDiscoveryRestoresPersistedScene(t *testing.T) {
	fx := newDevFixture(t)

	sceneID := device.SceneID("evening")
	persisted := managedLight("hue", "bulb-1", "Ceiling", true, 0.3, device.ManageFull)
	persisted.Scene = &sceneID
	if err := fx.db.SaveDevice(persisted); err != nil {
		t.Fatal(err)
	}
	fx.db.mu.Lock()
	fx.db.saves = 0
	fx.db.mu.Unlock()

	bri := 0.3
	fx.scenes.states[sceneID] = map[device.DeviceKey]device.ControllableState{
		persisted.Key(): {Power: true, Brightness: &bri},
	}

	incoming := managedLight("hue", "bulb-1", "Ceiling", false, 1.0, device.ManageFull)
	if err := fx.devs.HandleObservedState(incoming); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.devs.Get(incoming.Key())
	if got.Scene == nil || *got.Scene != sceneID {
		t.Fatalf("scene = %v, want restored %q", got.Scene, sceneID)
	}
	cs, _ := got.ControllableState()
	if !cs.Power || *cs.Brightness != 0.3 {
		t.Errorf("state = %s, want scene state restored", cs)
	}
	// Managed devices get the restored intent pushed out.
	if len(sendsOf(fx.drain(t))) != 1 {
		t.Error("restored managed device must dispatch once")
	}
}

func TestSensorDedupe(t *testing.T) {
	fx := newDevFixture(t)

	s := textSensor("virtual", "temp-1", "Temp", "21.5")
	if err := fx.devs.HandleObservedState(s); err != nil {
		t.Fatal(err)
	}
	fx.drain(t)

	// Identical reading: discarded outright.
	if err := fx.devs.HandleObservedState(s.Clone()); err != nil {
		t.Fatal(err)
	}
	if msgs := fx.drain(t); len(msgs) != 0 {
		t.Fatalf("duplicate sensor reading emitted %d events, want 0", len(msgs))
	}

	// Changed reading: committed, no outbound dispatch for sensors.
	changed := textSensor("virtual", "temp-1", "Temp", "22.0")
	if err := fx.devs.HandleObservedState(changed); err != nil {
		t.Fatal(err)
	}
	msgs := fx.drain(t)
	if len(updatesOf(msgs)) != 1 {
		t.Error("changed sensor reading must emit one state update")
	}
	if len(sendsOf(msgs)) != 0 {
		t.Error("sensors must never trigger outbound dispatch")
	}
}

func TestVariantMismatchSurfaced(t *testing.T) {
	fx := newDevFixture(t)

	light := managedLight("hue", "bulb-1", "Ceiling", true, 1.0, device.ManageFull)
	if err := fx.devs.HandleObservedState(light); err != nil {
		t.Fatal(err)
	}
	fx.drain(t)

	imposter := textSensor("hue", "bulb-1", "Ceiling", "oops")
	err := fx.devs.HandleObservedState(imposter)
	if !errors.Is(err, device.ErrVariantMismatch) {
		t.Fatalf("err = %v, want ErrVariantMismatch", err)
	}
	if _, ok := fx.devs.Get(light.Key()); !ok {
		t.Fatal("stored record must survive the mismatch")
	}
	got, _ := fx.devs.Get(light.Key())
	if got.IsSensor() {
		t.Error("mismatched payload must not be committed")
	}
}

func TestCommitIdempotence(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "bulb-1", "Ceiling", true, 0.8, device.ManageFull)
	fx.devs.SetDeviceState(d, false, false, false)
	first := fx.drain(t)
	if len(updatesOf(first)) != 1 {
		t.Fatal("first commit must notify")
	}

	fx.devs.SetDeviceState(d, false, false, false)
	second := fx.drain(t)
	if len(updatesOf(second)) != 0 {
		t.Error("identical second commit must not notify")
	}
}

func TestSceneAssignmentIsSticky(t *testing.T) {
	fx := newDevFixture(t)

	sceneID := device.SceneID("evening")
	d := managedLight("hue", "bulb-1", "Ceiling", true, 0.8, device.ManageFull)
	d.Scene = &sceneID
	fx.devs.SetDeviceState(d, true, false, false)
	fx.drain(t)

	// Commit with no scene and set_scene=false: S must survive.
	bare := managedLight("hue", "bulb-1", "Ceiling", true, 0.5, device.ManageFull)
	fx.devs.SetDeviceState(bare, false, false, false)
	got, _ := fx.devs.Get(d.Key())
	if got.Scene == nil || *got.Scene != sceneID {
		t.Fatalf("scene = %v, want sticky %q", got.Scene, sceneID)
	}

	// Commit with a different scene and set_scene=false: still S.
	other := device.SceneID("other")
	withOther := bare.Clone()
	withOther.Scene = &other
	fx.devs.SetDeviceState(withOther, false, false, false)
	got, _ = fx.devs.Get(d.Key())
	if got.Scene == nil || *got.Scene != sceneID {
		t.Fatalf("scene = %v, want sticky %q over %q", got.Scene, sceneID, other)
	}

	// set_scene=true changes it.
	fx.devs.SetDeviceState(withOther, true, false, false)
	got, _ = fx.devs.Get(d.Key())
	if got.Scene == nil || *got.Scene != other {
		t.Fatalf("scene = %v, want explicit %q", got.Scene, other)
	}
}

func TestDriftCorrectionBypassesStore(t *testing.T) {
	fx := newDevFixture(t)

	full := managedLight("hue", "bulb-1", "Ceiling", true, 1.0, device.ManageFull)
	fx.devs.SetDeviceState(full, false, false, true)
	fx.drain(t)

	drifted := managedLight("hue", "bulb-1", "Ceiling", true, 0.5, device.ManageFull)
	if err := fx.devs.HandleObservedState(drifted); err != nil {
		t.Fatal(err)
	}

	msgs := fx.drain(t)
	sends := sendsOf(msgs)
	if len(sends) != 1 {
		t.Fatalf("drift must emit exactly one corrective dispatch, got %d", len(sends))
	}
	cs, _ := sends[0].Device.ControllableState()
	if cs.Brightness == nil || *cs.Brightness != 1.0 {
		t.Errorf("corrective payload brightness = %v, want expected 1.0", cs.Brightness)
	}
	if len(updatesOf(msgs)) != 0 {
		t.Error("drift must not mutate the store")
	}
	got, _ := fx.devs.Get(full.Key())
	gotCS, _ := got.ControllableState()
	if *gotCS.Brightness != 1.0 {
		t.Errorf("stored brightness = %v, want unchanged 1.0", *gotCS.Brightness)
	}
}

func TestDriftCorrectionClearsTransition(t *testing.T) {
	fx := newDevFixture(t)

	ms := uint64(2000)
	full := managedLight("hue", "bulb-1", "Ceiling", true, 1.0, device.ManageFull)
	full.Data.Controllable.State.TransitionMs = &ms
	fx.devs.SetDeviceState(full, false, false, true)
	fx.drain(t)

	drifted := managedLight("hue", "bulb-1", "Ceiling", true, 0.5, device.ManageFull)
	if err := fx.devs.HandleObservedState(drifted); err != nil {
		t.Fatal(err)
	}
	sends := sendsOf(fx.drain(t))
	if len(sends) != 1 {
		t.Fatal("expected one corrective dispatch")
	}
	cs, _ := sends[0].Device.ControllableState()
	if cs.TransitionMs != nil {
		t.Error("corrective push must not replay transition timing")
	}
}

func TestPartialManagementEcho(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "bulb-1", "Ceiling", true, 0.8, device.ManagePartial)
	fx.devs.SetDeviceState(d, false, false, false)
	fx.drain(t)

	stored, _ := fx.devs.Get(d.Key())
	if stored.Data.Controllable.Manage.PrevChangeCommitted {
		t.Fatal("outbound command must re-arm the echo")
	}

	// The device reports the commanded state back.
	echo := managedLight("hue", "bulb-1", "Ceiling", true, 0.8, device.ManagePartial)
	if err := fx.devs.HandleObservedState(echo); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.devs.Get(d.Key())
	if !got.Data.Controllable.Manage.PrevChangeCommitted {
		t.Fatal("echo must flip prev_change_committed to true")
	}
	if len(sendsOf(fx.drain(t))) != 0 {
		t.Error("echo commit must not re-trigger outbound dispatch")
	}

	// A second identical observation is now a clean no-op.
	if err := fx.devs.HandleObservedState(echo.Clone()); err != nil {
		t.Fatal(err)
	}
	if msgs := fx.drain(t); len(msgs) != 0 {
		t.Fatalf("settled partial device emitted %d events, want 0", len(msgs))
	}
}

func TestUnmanagedTrackedNeverCorrected(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "switch-1", "Wall Switch", false, 1.0, device.ManageUnmanaged)
	if err := fx.devs.HandleObservedState(d); err != nil {
		t.Fatal(err)
	}
	fx.drain(t)

	toggled := managedLight("hue", "switch-1", "Wall Switch", true, 1.0, device.ManageUnmanaged)
	if err := fx.devs.HandleObservedState(toggled); err != nil {
		t.Fatal(err)
	}

	msgs := fx.drain(t)
	if len(updatesOf(msgs)) != 1 {
		t.Error("unmanaged change must commit")
	}
	if len(sendsOf(msgs)) != 0 {
		t.Error("unmanaged devices must never be sent commands")
	}
	got, _ := fx.devs.Get(d.Key())
	cs, _ := got.ControllableState()
	if !cs.Power {
		t.Error("observed state must be committed verbatim")
	}
}

func TestExpectedStateSceneOverride(t *testing.T) {
	fx := newDevFixture(t)

	sceneID := device.SceneID("evening")
	bri := 0.3
	key := device.DeviceKey{IntegrationID: "hue", DeviceID: "bulb-1"}
	fx.scenes.states[sceneID] = map[device.DeviceKey]device.ControllableState{
		key: {Power: true, Brightness: &bri},
	}

	d := managedLight("hue", "bulb-1", "Ceiling", false, 1.0, device.ManageFull)
	d.Scene = &sceneID
	fx.devs.SetDeviceState(d, true, false, false)

	got, _ := fx.devs.Get(key)
	cs, _ := got.ControllableState()
	if !cs.Power || cs.Brightness == nil || *cs.Brightness != 0.3 {
		t.Errorf("state = %s, want scene override on bri=0.3", cs)
	}
}

func TestExpectedStateBrightnessDefaultsToFull(t *testing.T) {
	fx := newDevFixture(t)

	d := device.Device{
		ID:            "bulb-1",
		IntegrationID: "hue",
		Name:          "Ceiling",
		Data: device.DeviceData{Controllable: &device.Controllable{
			State:        device.ControllableState{Power: true},
			Capabilities: color.Capabilities{Hs: true},
			Manage:       device.Manage{Mode: device.ManageFull},
		}},
	}
	fx.devs.SetDeviceState(d, false, false, false)

	got, _ := fx.devs.Get(d.Key())
	cs, _ := got.ControllableState()
	if cs.Brightness == nil || *cs.Brightness != 1.0 {
		t.Errorf("brightness = %v, want default 1.0 for powered-on state", cs.Brightness)
	}
}

func TestActivateScene(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "bulb-1", "Ceiling", false, 1.0, device.ManageFull)
	fx.devs.SetDeviceState(d, false, false, true)
	fx.drain(t)

	sceneID := device.SceneID("evening")
	bri := 0.3
	fx.scenes.states[sceneID] = map[device.DeviceKey]device.ControllableState{
		d.Key(): {Power: true, Brightness: &bri},
	}

	if err := fx.devs.ActivateScene(event.SceneDescriptor{SceneID: sceneID}); err != nil {
		t.Fatal(err)
	}

	got, _ := fx.devs.Get(d.Key())
	if got.Scene == nil || *got.Scene != sceneID {
		t.Fatalf("scene = %v, want %q", got.Scene, sceneID)
	}
	cs, _ := got.ControllableState()
	if !cs.Power || *cs.Brightness != 0.3 {
		t.Errorf("state = %s, want scene state", cs)
	}
	if len(sendsOf(fx.drain(t))) != 1 {
		t.Error("activation must dispatch the new state")
	}
}

func TestDimStepsBrightnessAndKeepsScene(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "bulb-1", "Ceiling", true, 0.8, device.ManageFull)
	fx.devs.SetDeviceState(d, false, false, true)
	fx.drain(t)

	fx.devs.Dim(nil, nil, nil)

	got, _ := fx.devs.Get(d.Key())
	cs, _ := got.ControllableState()
	if cs.Brightness == nil || !almostEqual(*cs.Brightness, 0.7) {
		t.Errorf("brightness = %v, want 0.7 after default step", cs.Brightness)
	}
	if got.Scene != nil {
		t.Errorf("scene = %v, want the synthetic dim tag discarded", got.Scene)
	}
}

func TestDimSkipsSensorsAndOffDevices(t *testing.T) {
	fx := newDevFixture(t)

	s := textSensor("virtual", "temp-1", "Temp", "21")
	off := managedLight("hue", "bulb-2", "Corner", false, 0.8, device.ManageFull)
	fx.devs.SetDeviceState(s, false, false, true)
	fx.devs.SetDeviceState(off, false, false, true)
	fx.drain(t)

	fx.devs.Dim(nil, nil, nil)

	gotOff, _ := fx.devs.Get(off.Key())
	cs, _ := gotOff.ControllableState()
	if *cs.Brightness != 0.8 {
		t.Errorf("off device brightness = %v, want unchanged", *cs.Brightness)
	}
	gotSensor, _ := fx.devs.Get(s.Key())
	if !gotSensor.IsSensor() {
		t.Error("sensor must be untouched by dim")
	}
}

func TestGetDeviceByRef(t *testing.T) {
	fx := newDevFixture(t)

	d := managedLight("hue", "bulb-1", "Corner Lamp", true, 0.8, device.ManageFull)
	fx.devs.SetDeviceState(d, false, false, true)

	byID, ok := fx.devs.GetDeviceByRef(device.DeviceRef{IntegrationID: "hue", DeviceID: "bulb-1"})
	if !ok || byID.Name != "Corner Lamp" {
		t.Error("lookup by id failed")
	}
	byName, ok := fx.devs.GetDeviceByRef(device.DeviceRef{IntegrationID: "hue", Name: "Corner Lamp"})
	if !ok || byName.ID != "bulb-1" {
		t.Error("lookup by name failed")
	}
	if _, ok := fx.devs.GetDeviceByRef(device.DeviceRef{IntegrationID: "hue", Name: "Nope"}); ok {
		t.Error("unknown name must miss")
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
