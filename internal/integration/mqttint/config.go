package mqttint

import (
	"fmt"

	"lumehub/internal/color"
	"lumehub/internal/device"
)

// Config holds one MQTT integration instance. Topic carries device state
// reports, TopicSet carries commands; both use {id} as the device id
// placeholder. The *Field entries are JSON pointers into the message
// payload, so the integration adapts to foreign payload layouts without
// code changes.
type Config struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	Topic    string `yaml:"topic" json:"topic"`
	TopicSet string `yaml:"topic_set" json:"topic_set"`

	IDField           string `yaml:"id_field,omitempty" json:"id_field,omitempty"`
	NameField         string `yaml:"name_field,omitempty" json:"name_field,omitempty"`
	ColorField        string `yaml:"color_field,omitempty" json:"color_field,omitempty"`
	CctField          string `yaml:"cct_field,omitempty" json:"cct_field,omitempty"`
	PowerField        string `yaml:"power_field,omitempty" json:"power_field,omitempty"`
	BrightnessField   string `yaml:"brightness_field,omitempty" json:"brightness_field,omitempty"`
	SensorValueField  string `yaml:"sensor_value_field,omitempty" json:"sensor_value_field,omitempty"`
	TransitionMsField string `yaml:"transition_ms_field,omitempty" json:"transition_ms_field,omitempty"`

	// Manage selects how the hub treats devices on this integration.
	// Defaults to full management.
	Manage device.ManageMode `yaml:"manage,omitempty" json:"manage,omitempty"`

	// Capabilities advertised for controllable devices on this integration.
	// Defaults to hsv and ct, matching the wire format.
	Capabilities *color.Capabilities `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.Topic == "" {
		c.Topic = "lumehub/devices/{id}"
	}
	if c.TopicSet == "" {
		c.TopicSet = "lumehub/set/{id}"
	}
	if c.IDField == "" {
		c.IDField = "/id"
	}
	if c.NameField == "" {
		c.NameField = "/name"
	}
	if c.ColorField == "" {
		c.ColorField = "/color"
	}
	if c.CctField == "" {
		c.CctField = "/cct"
	}
	if c.PowerField == "" {
		c.PowerField = "/power"
	}
	if c.BrightnessField == "" {
		c.BrightnessField = "/brightness"
	}
	if c.SensorValueField == "" {
		c.SensorValueField = "/sensor_value"
	}
	if c.TransitionMsField == "" {
		c.TransitionMsField = "/transition_ms"
	}
	if c.Manage == "" {
		c.Manage = device.ManageFull
	}
	if c.Capabilities == nil {
		c.Capabilities = &color.Capabilities{Hsv: true, Ct: true}
	}
	return c
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("mqtt host is required")
	}
	switch c.Manage {
	case device.ManageUnmanaged, device.ManageFull, device.ManagePartial:
	default:
		return fmt.Errorf("mqtt manage mode %q is invalid", c.Manage)
	}
	return nil
}
