package mqttint

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"lumehub/internal/color"
	"lumehub/internal/device"
)

// deviceFromMQTT decodes a device state report. The id and name fields are
// required; a present sensor_value makes the device a sensor, anything
// else is a controllable. Colors arrive as {hue, saturation, value}
// objects or as a bare cct number.
func deviceFromMQTT(payload []byte, integrationID device.IntegrationID, cfg Config) (device.Device, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return device.Device{}, fmt.Errorf("decode mqtt payload: %w", err)
	}

	id, ok := pointerString(doc, cfg.IDField)
	if !ok {
		return device.Device{}, fmt.Errorf("missing %q field in mqtt message", cfg.IDField)
	}
	name, ok := pointerString(doc, cfg.NameField)
	if !ok {
		return device.Device{}, fmt.Errorf("missing %q field in mqtt message", cfg.NameField)
	}

	d := device.Device{
		ID:            device.DeviceID(id),
		IntegrationID: integrationID,
		Name:          name,
	}

	if raw, ok := pointerGet(doc, cfg.SensorValueField); ok && raw != nil {
		sv := decodeSensorValue(raw)
		d.Data.Sensor = &sv
		return d, nil
	}

	state := device.ControllableState{}
	if power, ok := pointerBool(doc, cfg.PowerField); ok {
		state.Power = power
	}
	if bri, ok := pointerFloat(doc, cfg.BrightnessField); ok {
		state.Brightness = &bri
	}
	if ms, ok := pointerFloat(doc, cfg.TransitionMsField); ok && ms >= 0 {
		v := uint64(ms)
		state.TransitionMs = &v
	}
	if col, ok := decodeColor(doc, cfg); ok {
		state.Color = &col
	}

	d.Data.Controllable = &device.Controllable{
		State:        state,
		Capabilities: *cfg.Capabilities,
		Manage:       device.Manage{Mode: cfg.Manage},
	}
	return d, nil
}

// deviceToMQTT encodes a commanded device state. Sensors cannot be
// commanded.
func deviceToMQTT(d device.Device, cfg Config) ([]byte, error) {
	cs, ok := d.ControllableState()
	if !ok {
		return nil, fmt.Errorf("device %s is a sensor", d.Key())
	}

	doc := map[string]any{}
	if err := pointerSet(doc, cfg.IDField, string(d.ID)); err != nil {
		return nil, err
	}
	if err := pointerSet(doc, cfg.NameField, d.Name); err != nil {
		return nil, err
	}
	if err := pointerSet(doc, cfg.PowerField, cs.Power); err != nil {
		return nil, err
	}
	if cs.Brightness != nil {
		if err := pointerSet(doc, cfg.BrightnessField, *cs.Brightness); err != nil {
			return nil, err
		}
	}
	if cs.TransitionMs != nil {
		if err := pointerSet(doc, cfg.TransitionMsField, float64(*cs.TransitionMs)); err != nil {
			return nil, err
		}
	}
	if cs.Color != nil {
		if err := encodeColor(doc, *cs.Color, cfg); err != nil {
			return nil, err
		}
	}
	return json.Marshal(doc)
}

func decodeSensorValue(raw any) device.SensorValue {
	switch v := raw.(type) {
	case bool:
		return device.SensorValue{Kind: device.SensorBoolean, Bool: v}
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return device.SensorValue{Kind: device.SensorBoolean, Bool: b}
		}
		return device.SensorValue{Kind: device.SensorText, Text: v}
	default:
		return device.SensorValue{Kind: device.SensorText, Text: fmt.Sprintf("%v", v)}
	}
}

func decodeColor(doc any, cfg Config) (color.DeviceColor, bool) {
	if raw, ok := pointerGet(doc, cfg.ColorField); ok {
		if m, ok := raw.(map[string]any); ok {
			hue, hok := m["hue"].(float64)
			sat, sok := m["saturation"].(float64)
			val, vok := m["value"].(float64)
			if hok && sok && vok {
				return color.NewHsv(hue, sat, val), true
			}
		}
	}
	if cct, ok := pointerFloat(doc, cfg.CctField); ok && cct > 0 {
		return color.NewCt(uint64(cct)), true
	}
	return color.DeviceColor{}, false
}

func encodeColor(doc map[string]any, c color.DeviceColor, cfg Config) error {
	if c.Ct != nil {
		return pointerSet(doc, cfg.CctField, float64(c.Ct.Ct))
	}
	// Anything else goes out as hsv; hs and rgb convert losslessly enough.
	conv := c.ToDevicePreferredMode(color.Capabilities{Hsv: true})
	if conv == nil || conv.Hsv == nil {
		return nil
	}
	return pointerSet(doc, cfg.ColorField, map[string]any{
		"hue":        conv.Hsv.Hue,
		"saturation": conv.Hsv.Sat,
		"value":      conv.Hsv.Val,
	})
}

// pointerGet resolves an RFC 6901 JSON pointer against a decoded document.
func pointerGet(doc any, ptr string) (any, bool) {
	if ptr == "" {
		return doc, true
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, false
	}
	cur := doc
	for _, tok := range strings.Split(ptr[1:], "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[tok]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// pointerSet writes a value at a JSON pointer path, creating intermediate
// objects as needed.
func pointerSet(doc map[string]any, ptr string, value any) error {
	if !strings.HasPrefix(ptr, "/") {
		return fmt.Errorf("json pointer %q must start with /", ptr)
	}
	toks := strings.Split(ptr[1:], "/")
	cur := doc
	for i, tok := range toks {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		if i == len(toks)-1 {
			cur[tok] = value
			return nil
		}
		next, ok := cur[tok].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[tok] = next
		}
		cur = next
	}
	return nil
}

func pointerString(doc any, ptr string) (string, bool) {
	v, ok := pointerGet(doc, ptr)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func pointerBool(doc any, ptr string) (bool, bool) {
	v, ok := pointerGet(doc, ptr)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func pointerFloat(doc any, ptr string) (float64, bool) {
	v, ok := pointerGet(doc, ptr)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
