// Package color models light colors across the representations used by
// different device protocols, and converts between them so that a state
// computed in one representation can be compared against or sent to a
// device that only understands another.
package color

import "math"

// Xy is a CIE 1931 xy chromaticity coordinate.
type Xy struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Hs is hue (integer degrees, 0-359) and saturation (0-1).
type Hs struct {
	Hue uint64  `json:"hue" yaml:"hue"`
	Sat float64 `json:"sat" yaml:"sat"`
}

// Ct is a correlated color temperature in kelvin.
type Ct struct {
	Ct uint64 `json:"ct" yaml:"ct"`
}

// Hsv is hue (degrees, 0-360), saturation and value, all but hue in 0-1.
type Hsv struct {
	Hue float64 `json:"hue" yaml:"hue"`
	Sat float64 `json:"sat" yaml:"sat"`
	Val float64 `json:"val" yaml:"val"`
}

// Rgb is an 8-bit sRGB triple.
type Rgb struct {
	R uint8 `json:"r" yaml:"r"`
	G uint8 `json:"g" yaml:"g"`
	B uint8 `json:"b" yaml:"b"`
}

// DeviceColor is a color in exactly one representation. Exactly one field
// is non-nil; which one determines the representation.
type DeviceColor struct {
	Xy  *Xy  `json:"xy,omitempty" yaml:"xy,omitempty"`
	Hs  *Hs  `json:"hs,omitempty" yaml:"hs,omitempty"`
	Ct  *Ct  `json:"ct,omitempty" yaml:"ct,omitempty"`
	Hsv *Hsv `json:"hsv,omitempty" yaml:"hsv,omitempty"`
	Rgb *Rgb `json:"rgb,omitempty" yaml:"rgb,omitempty"`
}

func NewXy(x, y float64) DeviceColor            { return DeviceColor{Xy: &Xy{X: x, Y: y}} }
func NewHs(hue uint64, sat float64) DeviceColor { return DeviceColor{Hs: &Hs{Hue: hue, Sat: sat}} }
func NewCt(ct uint64) DeviceColor               { return DeviceColor{Ct: &Ct{Ct: ct}} }
func NewHsv(hue, sat, val float64) DeviceColor {
	return DeviceColor{Hsv: &Hsv{Hue: hue, Sat: sat, Val: val}}
}
func NewRgb(r, g, b uint8) DeviceColor { return DeviceColor{Rgb: &Rgb{R: r, G: g, B: b}} }

// Equal reports exact structural equality between two colors.
func (c DeviceColor) Equal(other DeviceColor) bool {
	switch {
	case c.Xy != nil && other.Xy != nil:
		return *c.Xy == *other.Xy
	case c.Hs != nil && other.Hs != nil:
		return *c.Hs == *other.Hs
	case c.Ct != nil && other.Ct != nil:
		return *c.Ct == *other.Ct
	case c.Hsv != nil && other.Hsv != nil:
		return *c.Hsv == *other.Hsv
	case c.Rgb != nil && other.Rgb != nil:
		return *c.Rgb == *other.Rgb
	}
	return false
}

// Clone returns a deep copy of the color.
func (c DeviceColor) Clone() DeviceColor {
	out := DeviceColor{}
	if c.Xy != nil {
		v := *c.Xy
		out.Xy = &v
	}
	if c.Hs != nil {
		v := *c.Hs
		out.Hs = &v
	}
	if c.Ct != nil {
		v := *c.Ct
		out.Ct = &v
	}
	if c.Hsv != nil {
		v := *c.Hsv
		out.Hsv = &v
	}
	if c.Rgb != nil {
		v := *c.Rgb
		out.Rgb = &v
	}
	return out
}

// Capabilities describes which color representations a device accepts.
type Capabilities struct {
	Xy  bool `json:"xy,omitempty" yaml:"xy,omitempty"`
	Hs  bool `json:"hs,omitempty" yaml:"hs,omitempty"`
	Ct  bool `json:"ct,omitempty" yaml:"ct,omitempty"`
	Hsv bool `json:"hsv,omitempty" yaml:"hsv,omitempty"`
	Rgb bool `json:"rgb,omitempty" yaml:"rgb,omitempty"`
}

// Any reports whether the device accepts any color representation at all.
func (c Capabilities) Any() bool {
	return c.Xy || c.Hs || c.Ct || c.Hsv || c.Rgb
}

// ToDevicePreferredMode converts the color into the first representation the
// device supports, trying the device's preference order xy, hs, ct, hsv, rgb.
// Returns nil when no supported representation is reachable by conversion;
// callers treat that as "cannot compare" and fall back to conservative
// behavior.
func (c DeviceColor) ToDevicePreferredMode(caps Capabilities) *DeviceColor {
	// Already in a supported representation: no conversion needed.
	switch {
	case c.Xy != nil && caps.Xy,
		c.Hs != nil && caps.Hs,
		c.Ct != nil && caps.Ct,
		c.Hsv != nil && caps.Hsv,
		c.Rgb != nil && caps.Rgb:
		out := c.Clone()
		return &out
	}

	if caps.Xy {
		if xy := c.toXy(); xy != nil {
			return &DeviceColor{Xy: xy}
		}
	}
	if caps.Hs {
		if hs := c.toHs(); hs != nil {
			return &DeviceColor{Hs: hs}
		}
	}
	// Ct is only reachable from Ct itself, which the switch above already
	// handled. A gamut-aware RGB-to-CCT approximation would silently accept
	// colors far off the blackbody curve, so we refuse instead.
	if caps.Hsv {
		if hsv := c.toHsv(); hsv != nil {
			return &DeviceColor{Hsv: hsv}
		}
	}
	if caps.Rgb {
		if rgb := c.toRgb(); rgb != nil {
			return &DeviceColor{Rgb: rgb}
		}
	}
	return nil
}

func (c DeviceColor) toHsv() *Hsv {
	switch {
	case c.Hsv != nil:
		v := *c.Hsv
		return &v
	case c.Hs != nil:
		return &Hsv{Hue: float64(c.Hs.Hue), Sat: c.Hs.Sat, Val: 1.0}
	case c.Rgb != nil:
		h, s, v := rgbToHsv(c.Rgb.R, c.Rgb.G, c.Rgb.B)
		return &Hsv{Hue: h, Sat: s, Val: v}
	}
	return nil
}

func (c DeviceColor) toHs() *Hs {
	hsv := c.toHsv()
	if hsv == nil {
		return nil
	}
	hue := uint64(math.Round(hsv.Hue)) % 360
	return &Hs{Hue: hue, Sat: hsv.Sat}
}

func (c DeviceColor) toRgb() *Rgb {
	switch {
	case c.Rgb != nil:
		v := *c.Rgb
		return &v
	case c.Hsv != nil:
		r, g, b := hsvToRgb(c.Hsv.Hue, c.Hsv.Sat, c.Hsv.Val)
		return &Rgb{R: r, G: g, B: b}
	case c.Hs != nil:
		r, g, b := hsvToRgb(float64(c.Hs.Hue), c.Hs.Sat, 1.0)
		return &Rgb{R: r, G: g, B: b}
	}
	return nil
}

func (c DeviceColor) toXy() *Xy {
	if c.Xy != nil {
		v := *c.Xy
		return &v
	}
	rgb := c.toRgb()
	if rgb == nil {
		return nil
	}
	x, y := rgbToXy(rgb.R, rgb.G, rgb.B)
	return &Xy{X: x, Y: y}
}

func rgbToHsv(r8, g8, b8 uint8) (h, s, v float64) {
	r := float64(r8) / 255
	g := float64(g8) / 255
	b := float64(b8) / 255

	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	delta := max - min

	switch {
	case delta == 0:
		h = 0
	case max == r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case max == g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	if max > 0 {
		s = delta / max
	}
	return h, s, max
}

func hsvToRgb(h, s, v float64) (uint8, uint8, uint8) {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}

	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}

	to8 := func(f float64) uint8 {
		return uint8(math.Round(math.Min(1, math.Max(0, f+m)) * 255))
	}
	return to8(r), to8(g), to8(b)
}

// rgbToXy converts sRGB to CIE 1931 xy chromaticity (D65 white point).
func rgbToXy(r8, g8, b8 uint8) (x, y float64) {
	linearize := func(u8 uint8) float64 {
		u := float64(u8) / 255
		if u <= 0.04045 {
			return u / 12.92
		}
		return math.Pow((u+0.055)/1.055, 2.4)
	}

	r := linearize(r8)
	g := linearize(g8)
	b := linearize(b8)

	bigX := 0.4124*r + 0.3576*g + 0.1805*b
	bigY := 0.2126*r + 0.7152*g + 0.0722*b
	bigZ := 0.0193*r + 0.1192*g + 0.9505*b

	sum := bigX + bigY + bigZ
	if sum == 0 {
		// Black carries no chromaticity; report the D65 white point.
		return 0.3127, 0.3290
	}
	return bigX / sum, bigY / sum
}
