// Package device holds the domain model shared across the hub: device
// identity, capability descriptions and the polymorphic state payload of
// controllable and sensor devices, plus the tolerance-aware state
// comparator used by the reconciliation engine.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"lumehub/internal/color"
)

// IntegrationID identifies a protocol integration instance.
type IntegrationID string

// DeviceID identifies a device within one integration.
type DeviceID string

// SceneID and GroupID are opaque identifiers owned by the scene and group
// subsystems; the device layer only stores and forwards them.
type SceneID string
type GroupID string

// DeviceKey is the globally unique composite key of a device. It is
// assigned on first observation and never changes.
type DeviceKey struct {
	IntegrationID IntegrationID `json:"integration_id"`
	DeviceID      DeviceID      `json:"device_id"`
}

func (k DeviceKey) String() string {
	return string(k.IntegrationID) + "/" + string(k.DeviceID)
}

// MarshalText renders the key as "integration/device", which also makes
// DeviceKey usable as a JSON map key.
func (k DeviceKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the "integration/device" form.
func (k *DeviceKey) UnmarshalText(b []byte) error {
	parsed, err := ParseDeviceKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseDeviceKey parses "integration/device" into a DeviceKey.
func ParseDeviceKey(s string) (DeviceKey, error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return DeviceKey{}, fmt.Errorf("device key %q: want integration/device", s)
	}
	return DeviceKey{
		IntegrationID: IntegrationID(s[:i]),
		DeviceID:      DeviceID(s[i+1:]),
	}, nil
}

// DeviceRef is a lookup handle for a device: either by id or, when DeviceID
// is empty, by human-readable name through the store's secondary index.
type DeviceRef struct {
	IntegrationID IntegrationID `json:"integration_id" yaml:"integration_id"`
	DeviceID      DeviceID      `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
}

// ManageMode tags whether the hub actively enforces expected state on a
// device.
type ManageMode string

const (
	// ManageUnmanaged: the hub tracks observed state but never corrects it.
	ManageUnmanaged ManageMode = "unmanaged"
	// ManageFull: the hub enforces expected state on every observation.
	ManageFull ManageMode = "full"
	// ManagePartial: the integration applies changes optimistically and
	// cannot confirm them synchronously; the hub owes the device one
	// idempotent echo of each commanded change before trusting
	// subsequent observations.
	ManagePartial ManageMode = "partial"
)

// Manage is the management mode of a controllable device. For
// ManagePartial, PrevChangeCommitted tracks whether the echo of the last
// commanded change has been recorded yet.
type Manage struct {
	Mode                ManageMode `json:"mode" yaml:"mode"`
	PrevChangeCommitted bool       `json:"prev_change_committed,omitempty" yaml:"-"`
}

// Managed reports whether the hub enforces expected state on this device.
func (m Manage) Managed() bool {
	return m.Mode == ManageFull || m.Mode == ManagePartial
}

// ControllableState is the controllable portion of a light or switch.
// Brightness is normalized to [0,1]. A nil color or brightness means the
// device did not report that field.
type ControllableState struct {
	Power        bool               `json:"power" yaml:"power"`
	Color        *color.DeviceColor `json:"color,omitempty" yaml:"color,omitempty"`
	Brightness   *float64           `json:"brightness,omitempty" yaml:"brightness,omitempty"`
	TransitionMs *uint64            `json:"transition_ms,omitempty" yaml:"transition_ms,omitempty"`
}

// Clone returns a deep copy of the state.
func (s ControllableState) Clone() ControllableState {
	out := ControllableState{Power: s.Power}
	if s.Color != nil {
		c := s.Color.Clone()
		out.Color = &c
	}
	if s.Brightness != nil {
		b := *s.Brightness
		out.Brightness = &b
	}
	if s.TransitionMs != nil {
		t := *s.TransitionMs
		out.TransitionMs = &t
	}
	return out
}

// Equal reports exact structural equality.
func (s ControllableState) Equal(other ControllableState) bool {
	if s.Power != other.Power {
		return false
	}
	if (s.Color == nil) != (other.Color == nil) {
		return false
	}
	if s.Color != nil && !s.Color.Equal(*other.Color) {
		return false
	}
	if !eqFloatPtr(s.Brightness, other.Brightness) {
		return false
	}
	return eqUintPtr(s.TransitionMs, other.TransitionMs)
}

func (s ControllableState) String() string {
	var b strings.Builder
	if s.Power {
		b.WriteString("on")
	} else {
		b.WriteString("off")
	}
	if s.Brightness != nil {
		fmt.Fprintf(&b, " bri=%.3f", *s.Brightness)
	}
	if s.Color != nil {
		switch {
		case s.Color.Xy != nil:
			fmt.Fprintf(&b, " xy=(%.4f,%.4f)", s.Color.Xy.X, s.Color.Xy.Y)
		case s.Color.Hs != nil:
			fmt.Fprintf(&b, " hs=(%d,%.3f)", s.Color.Hs.Hue, s.Color.Hs.Sat)
		case s.Color.Ct != nil:
			fmt.Fprintf(&b, " ct=%dK", s.Color.Ct.Ct)
		case s.Color.Hsv != nil:
			fmt.Fprintf(&b, " hsv=(%.1f,%.3f,%.3f)", s.Color.Hsv.Hue, s.Color.Hsv.Sat, s.Color.Hsv.Val)
		case s.Color.Rgb != nil:
			fmt.Fprintf(&b, " rgb=(%d,%d,%d)", s.Color.Rgb.R, s.Color.Rgb.G, s.Color.Rgb.B)
		}
	}
	return b.String()
}

func eqFloatPtr(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func eqUintPtr(a, b *uint64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// Controllable is the data payload of a light or switch.
type Controllable struct {
	State        ControllableState  `json:"state"`
	Capabilities color.Capabilities `json:"capabilities"`
	Manage       Manage             `json:"manage"`
}

// SensorKind discriminates sensor payload variants.
type SensorKind string

const (
	SensorBoolean SensorKind = "boolean"
	SensorText    SensorKind = "text"
	SensorColor   SensorKind = "color"
)

// SensorValue is the read-only payload of a sensor device. Kind selects
// which value field is meaningful. Sensors have no tolerance: any observed
// change is real.
type SensorValue struct {
	Kind  SensorKind         `json:"kind"`
	Bool  bool               `json:"bool,omitempty"`
	Text  string             `json:"text,omitempty"`
	Color *ControllableState `json:"color,omitempty"`
}

// Equal reports exact structural equality between sensor payloads.
func (v SensorValue) Equal(other SensorValue) bool {
	if v.Kind != other.Kind || v.Bool != other.Bool || v.Text != other.Text {
		return false
	}
	if (v.Color == nil) != (other.Color == nil) {
		return false
	}
	return v.Color == nil || v.Color.Equal(*other.Color)
}

// Clone returns a deep copy of the sensor payload.
func (v SensorValue) Clone() SensorValue {
	out := v
	if v.Color != nil {
		c := v.Color.Clone()
		out.Color = &c
	}
	return out
}

// DeviceData is the closed union of device payload variants: exactly one
// of Controllable or Sensor is non-nil, fixed at device creation. A device
// never changes category.
type DeviceData struct {
	Controllable *Controllable `json:"controllable,omitempty"`
	Sensor       *SensorValue  `json:"sensor,omitempty"`
}

// Device is the authoritative record of one physical device.
type Device struct {
	ID            DeviceID      `json:"id"`
	IntegrationID IntegrationID `json:"integration_id"`
	Name          string        `json:"name"`
	Scene         *SceneID      `json:"scene,omitempty"`
	Data          DeviceData    `json:"data"`
}

// Key returns the device's composite primary key.
func (d Device) Key() DeviceKey {
	return DeviceKey{IntegrationID: d.IntegrationID, DeviceID: d.ID}
}

// IsSensor reports whether the device is a read-only sensor.
func (d Device) IsSensor() bool {
	return d.Data.Sensor != nil
}

// Managed reports whether the hub enforces expected state on this device.
// Sensors are never managed.
func (d Device) Managed() bool {
	return d.Data.Controllable != nil && d.Data.Controllable.Manage.Managed()
}

// ControllableState returns the controllable state, or false for sensors.
func (d Device) ControllableState() (ControllableState, bool) {
	if d.Data.Controllable == nil {
		return ControllableState{}, false
	}
	return d.Data.Controllable.State, true
}

// SensorValue returns the sensor payload, or false for controllables.
func (d Device) SensorValue() (SensorValue, bool) {
	if d.Data.Sensor == nil {
		return SensorValue{}, false
	}
	return *d.Data.Sensor, true
}

// Capabilities returns the color capability set of a controllable device,
// or false for sensors.
func (d Device) Capabilities() (color.Capabilities, bool) {
	if d.Data.Controllable == nil {
		return color.Capabilities{}, false
	}
	return d.Data.Controllable.Capabilities, true
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	out := d
	if d.Scene != nil {
		s := *d.Scene
		out.Scene = &s
	}
	if d.Data.Controllable != nil {
		c := *d.Data.Controllable
		c.State = d.Data.Controllable.State.Clone()
		out.Data.Controllable = &c
	}
	if d.Data.Sensor != nil {
		s := d.Data.Sensor.Clone()
		out.Data.Sensor = &s
	}
	return out
}

// WithScene returns a copy of the device with the scene assignment
// replaced.
func (d Device) WithScene(scene *SceneID) Device {
	out := d.Clone()
	if scene == nil {
		out.Scene = nil
		return out
	}
	s := *scene
	out.Scene = &s
	return out
}

// WithControllableState returns a copy of the device with the controllable
// state replaced. Sensors are returned unchanged.
func (d Device) WithControllableState(state ControllableState) Device {
	out := d.Clone()
	if out.Data.Controllable != nil {
		out.Data.Controllable.State = state.Clone()
	}
	return out
}

// Dimmed returns a copy of a controllable device with brightness lowered
// by step (clamped to [0,1]; absent brightness reads as full). Sensors and
// powered-off devices are returned unchanged.
func (d Device) Dimmed(step float64) Device {
	out := d.Clone()
	c := out.Data.Controllable
	if c == nil || !c.State.Power {
		return out
	}
	bri := 1.0
	if c.State.Brightness != nil {
		bri = *c.State.Brightness
	}
	bri -= step
	if bri < 0 {
		bri = 0
	}
	if bri > 1 {
		bri = 1
	}
	c.State.Brightness = &bri
	return out
}

// Equal reports full structural equality between two device records.
func (d Device) Equal(other Device) bool {
	if d.ID != other.ID || d.IntegrationID != other.IntegrationID || d.Name != other.Name {
		return false
	}
	if (d.Scene == nil) != (other.Scene == nil) {
		return false
	}
	if d.Scene != nil && *d.Scene != *other.Scene {
		return false
	}
	a, b := d.Data, other.Data
	if (a.Controllable == nil) != (b.Controllable == nil) || (a.Sensor == nil) != (b.Sensor == nil) {
		return false
	}
	if a.Controllable != nil {
		if a.Controllable.Capabilities != b.Controllable.Capabilities {
			return false
		}
		if a.Controllable.Manage != b.Controllable.Manage {
			return false
		}
		if !a.Controllable.State.Equal(b.Controllable.State) {
			return false
		}
	}
	if a.Sensor != nil && !a.Sensor.Equal(*b.Sensor) {
		return false
	}
	return true
}

// ErrVariantMismatch is returned when an observation's payload variant does
// not match the stored record's variant for the same key. This indicates an
// id collision between two different devices and must not be papered over.
var ErrVariantMismatch = errors.New("device payload variant does not match stored record")

// DevicesState is the canonical runtime state: the full mapping from
// device key to device record.
type DevicesState map[DeviceKey]Device

// Clone returns a deep copy, used as an immutable snapshot for change
// notification.
func (s DevicesState) Clone() DevicesState {
	out := make(DevicesState, len(s))
	for k, d := range s {
		out[k] = d.Clone()
	}
	return out
}

// SortedKeys returns the device keys in stable lexicographic order.
func (s DevicesState) SortedKeys() []DeviceKey {
	keys := make([]DeviceKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
