// Package virtual implements an in-process integration with synthetic
// devices: lights that confirm commanded states by echoing them back, and
// sensors that emit random color readings on a timer. Useful for testing
// scenes and routines without hardware.
package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"lumehub/internal/color"
	"lumehub/internal/device"
	"lumehub/internal/event"
)

// DeviceKind selects the synthetic device behavior.
type DeviceKind string

const (
	// KindLight is a controllable light that accepts any commanded state
	// and reports it back.
	KindLight DeviceKind = "light"
	// KindColorSensor emits a random color reading once per interval.
	KindColorSensor DeviceKind = "color_sensor"
)

// DeviceConfig describes one synthetic device.
type DeviceConfig struct {
	Name   string            `yaml:"name" json:"name"`
	Kind   DeviceKind        `yaml:"kind" json:"kind"`
	Manage device.ManageMode `yaml:"manage,omitempty" json:"manage,omitempty"`
}

// Config holds one virtual integration instance.
type Config struct {
	Devices map[device.DeviceID]DeviceConfig `yaml:"devices" json:"devices"`

	// SensorIntervalMs is the sensor emission period. Defaults to 1000.
	SensorIntervalMs uint64 `yaml:"sensor_interval_ms,omitempty" json:"sensor_interval_ms,omitempty"`
}

// Virtual is one virtual integration instance.
type Virtual struct {
	id     device.IntegrationID
	cfg    Config
	bus    *event.Bus
	logger *slog.Logger

	mu     sync.Mutex
	lights map[device.DeviceID]device.ControllableState
	cancel context.CancelFunc
}

// New creates a virtual integration from configuration.
func New(id device.IntegrationID, cfg Config, bus *event.Bus, logger *slog.Logger) (*Virtual, error) {
	if cfg.SensorIntervalMs == 0 {
		cfg.SensorIntervalMs = 1000
	}
	for did, dc := range cfg.Devices {
		switch dc.Kind {
		case KindLight, KindColorSensor:
		default:
			return nil, fmt.Errorf("virtual integration %q: device %q has unknown kind %q", id, did, dc.Kind)
		}
	}
	return &Virtual{
		id:     id,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "virtual", "integration", id),
		lights: map[device.DeviceID]device.ControllableState{},
	}, nil
}

func (v *Virtual) ID() device.IntegrationID { return v.id }

// Register announces every configured light in its initial powered-off
// state. Sensors announce themselves with their first reading.
func (v *Virtual) Register(ctx context.Context) error {
	for did, dc := range v.cfg.Devices {
		if dc.Kind != KindLight {
			continue
		}
		state := device.ControllableState{Power: false}
		v.mu.Lock()
		v.lights[did] = state
		v.mu.Unlock()
		v.bus.Send(event.ObservedState{Device: v.lightDevice(did, dc, state)})
	}
	return nil
}

// Start begins the sensor emission loop.
func (v *Virtual) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel

	go func() {
		ticker := time.NewTicker(time.Duration(v.cfg.SensorIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.emitSensorReadings()
			}
		}
	}()
	return nil
}

// SetDeviceState stores the commanded state and echoes it back as an
// observation, closing the confirmation loop a real protocol would
// provide.
func (v *Virtual) SetDeviceState(ctx context.Context, d device.Device) error {
	dc, ok := v.cfg.Devices[d.ID]
	if !ok {
		return fmt.Errorf("virtual device %q not configured", d.ID)
	}
	if dc.Kind != KindLight {
		return fmt.Errorf("virtual device %q is a sensor", d.ID)
	}
	cs, ok := d.ControllableState()
	if !ok {
		return fmt.Errorf("device %s carries no controllable state", d.Key())
	}

	v.mu.Lock()
	v.lights[d.ID] = cs.Clone()
	v.mu.Unlock()

	v.bus.Send(event.ObservedState{Device: v.lightDevice(d.ID, dc, cs)})
	return nil
}

// RunCustomAction is unsupported for virtual devices.
func (v *Virtual) RunCustomAction(ctx context.Context, payload string) error {
	return fmt.Errorf("virtual integration %q does not support custom actions", v.id)
}

// Stop halts the sensor loop.
func (v *Virtual) Stop() error {
	if v.cancel != nil {
		v.cancel()
	}
	return nil
}

func (v *Virtual) emitSensorReadings() {
	for did, dc := range v.cfg.Devices {
		if dc.Kind != KindColorSensor {
			continue
		}
		hue := rand.Float64() * 360
		col := color.NewHsv(hue, 1.0, 1.0)
		bri := 1.0
		reading := device.ControllableState{Power: true, Color: &col, Brightness: &bri}
		v.bus.Send(event.ObservedState{Device: device.Device{
			ID:            did,
			IntegrationID: v.id,
			Name:          dc.Name,
			Data: device.DeviceData{Sensor: &device.SensorValue{
				Kind:  device.SensorColor,
				Color: &reading,
			}},
		}})
	}
}

func (v *Virtual) lightDevice(did device.DeviceID, dc DeviceConfig, state device.ControllableState) device.Device {
	mode := dc.Manage
	if mode == "" {
		mode = device.ManageFull
	}
	return device.Device{
		ID:            did,
		IntegrationID: v.id,
		Name:          dc.Name,
		Data: device.DeviceData{Controllable: &device.Controllable{
			State:        state.Clone(),
			Capabilities: color.Capabilities{Hsv: true},
			Manage:       device.Manage{Mode: mode},
		}},
	}
}
