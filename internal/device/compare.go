package device

import (
	"math"

	"lumehub/internal/color"
)

// Comparison tolerances. Protocols round colors and brightness on the way
// through, so observed values rarely match commanded values bit for bit.
const (
	briDelta = 0.01
	hueDelta = 1
	satDelta = 0.01
	xyDelta  = 0.01
	cctDelta = 10

	// Absorbs binary rounding at the tolerance boundary so that a
	// difference of exactly briDelta still counts as within tolerance.
	floatSlack = 1e-9
)

func withinDelta(a, b, delta float64) bool {
	return math.Abs(a-b) <= delta+floatSlack
}

// ColorsEqual compares light colors in the representation preferred by the
// device, allowing slight deltas to account for rounding errors. Absent
// brightness reads as full.
func ColorsEqual(caps color.Capabilities, incoming *color.DeviceColor, incomingBri *float64, expected *color.DeviceColor, expectedBri *float64) bool {
	if !withinDelta(briOrFull(incomingBri), briOrFull(expectedBri), briDelta) {
		return false
	}

	// Convert the expected color into a representation the device supports
	// before comparing.
	var expectedConverted *color.DeviceColor
	if expected != nil {
		expectedConverted = expected.ToDevicePreferredMode(caps)
	}

	if incoming == nil && expectedConverted == nil {
		return true
	}
	if incoming != nil && expectedConverted != nil && incoming.Equal(*expectedConverted) {
		return true
	}
	if incoming == nil || expectedConverted == nil {
		return false
	}

	// Component-wise comparison with per-representation tolerances. Any
	// other pairing means the conversion above could not normalize the
	// representations, and is conservatively unequal.
	switch {
	case incoming.Xy != nil && expectedConverted.Xy != nil:
		a, b := incoming.Xy, expectedConverted.Xy
		return withinDelta(a.X, b.X, xyDelta) && withinDelta(a.Y, b.Y, xyDelta)
	case incoming.Hs != nil && expectedConverted.Hs != nil:
		a, b := incoming.Hs, expectedConverted.Hs
		return absDiff(a.Hue, b.Hue) <= hueDelta && withinDelta(a.Sat, b.Sat, satDelta)
	case incoming.Ct != nil && expectedConverted.Ct != nil:
		return absDiff(incoming.Ct.Ct, expectedConverted.Ct.Ct) <= cctDelta
	}
	return false
}

// StatesEqual compares the observed state of a controllable device against
// an expected state. Power mismatch is always unequal; two powered-off
// states are always equal regardless of color.
func StatesEqual(c Controllable, expected ControllableState) bool {
	if c.State.Power != expected.Power {
		return false
	}
	if !c.State.Power && !expected.Power {
		return true
	}
	if c.State.Color != nil {
		return ColorsEqual(c.Capabilities, c.State.Color, c.State.Brightness, expected.Color, expected.Brightness)
	}
	return true
}

func briOrFull(b *float64) float64 {
	if b == nil {
		return 1.0
	}
	return *b
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
