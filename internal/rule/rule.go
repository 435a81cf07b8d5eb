// Package rule runs user-defined routines: condition expressions that,
// on a false-to-true transition of device state, fire a list of actions.
package rule

import (
	"fmt"
	"log/slog"
	"sync"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/expr"
)

// SetDeviceStateAction overrides parts of a device's state. Power is
// always applied; color, brightness and transition only when present.
type SetDeviceStateAction struct {
	Device   device.DeviceRef         `json:"device" yaml:"device"`
	State    device.ControllableState `json:"state" yaml:"state"`
	SkipSend bool                     `json:"skip_send,omitempty" yaml:"skip_send,omitempty"`
}

// CycleScenesAction advances a scene rotation.
type CycleScenesAction struct {
	Scenes []event.SceneDescriptor `json:"scenes" yaml:"scenes"`
	NoWrap bool                    `json:"nowrap,omitempty" yaml:"nowrap,omitempty"`
}

// DimAction lowers brightness on a device or group set.
type DimAction struct {
	Devices []device.DeviceRef `json:"devices,omitempty" yaml:"devices,omitempty"`
	Groups  []device.GroupID   `json:"groups,omitempty" yaml:"groups,omitempty"`
	Step    *float64           `json:"step,omitempty" yaml:"step,omitempty"`
}

// CustomAction forwards an opaque payload to an integration.
type CustomAction struct {
	Integration device.IntegrationID `json:"integration" yaml:"integration"`
	Payload     string               `json:"payload" yaml:"payload"`
}

// ActionConfig is one routine action; exactly one field is set.
type ActionConfig struct {
	SetDeviceState *SetDeviceStateAction  `json:"set_device_state,omitempty" yaml:"set_device_state,omitempty"`
	ActivateScene  *event.SceneDescriptor `json:"activate_scene,omitempty" yaml:"activate_scene,omitempty"`
	CycleScenes    *CycleScenesAction     `json:"cycle_scenes,omitempty" yaml:"cycle_scenes,omitempty"`
	Dim            *DimAction             `json:"dim,omitempty" yaml:"dim,omitempty"`
	Custom         *CustomAction          `json:"custom,omitempty" yaml:"custom,omitempty"`
	EvalExpr       string                 `json:"eval_expr,omitempty" yaml:"eval_expr,omitempty"`
	Script         string                 `json:"script,omitempty" yaml:"script,omitempty"`
}

// RoutineConfig is one routine: a trigger condition and its actions.
type RoutineConfig struct {
	Name    string         `json:"name" yaml:"name"`
	When    string         `json:"when" yaml:"when"`
	Actions []ActionConfig `json:"actions" yaml:"actions"`
}

// Snapshot supplies the current device state for ref resolution inside
// actions and scripts.
type Snapshot func() device.DevicesState

// Engine evaluates routine conditions on every state update and fires
// actions on the rising edge.
type Engine struct {
	logger   *slog.Logger
	bus      *event.Bus
	expr     *expr.Engine
	snapshot Snapshot
	routines map[string]RoutineConfig

	mu   sync.Mutex
	prev map[string]bool
}

// New creates a routine engine.
func New(routines map[string]RoutineConfig, engine *expr.Engine, bus *event.Bus, snapshot Snapshot, logger *slog.Logger) *Engine {
	if routines == nil {
		routines = map[string]RoutineConfig{}
	}
	return &Engine{
		logger:   logger.With("component", "rules"),
		bus:      bus,
		expr:     engine,
		snapshot: snapshot,
		routines: routines,
		prev:     map[string]bool{},
	}
}

// HandleStateUpdate re-evaluates every routine condition against the
// refreshed expression snapshot. A condition that was false and is now
// true fires the routine; one that stays true does not fire again until
// it has dropped back to false.
func (e *Engine) HandleStateUpdate() {
	for id, r := range e.routines {
		result, err := e.expr.EvalBool(r.When)
		if err != nil {
			e.logger.Warn("routine condition failed", "routine", id, "err", err)
			result = false
		}

		e.mu.Lock()
		was := e.prev[id]
		e.prev[id] = result
		e.mu.Unlock()

		if result && !was {
			e.logger.Info("routine triggered", "routine", id, "name", r.Name)
			e.runActions(id, r)
		}
	}
}

// ForceTrigger runs a routine's actions regardless of its condition.
func (e *Engine) ForceTrigger(id string) error {
	r, ok := e.routines[id]
	if !ok {
		return fmt.Errorf("routine %q not found", id)
	}
	e.logger.Info("routine force-triggered", "routine", id, "name", r.Name)
	e.runActions(id, r)
	return nil
}

func (e *Engine) runActions(id string, r RoutineConfig) {
	for i, a := range r.Actions {
		if err := e.runAction(a); err != nil {
			e.logger.Error("routine action failed", "routine", id, "action", i, "err", err)
		}
	}
}

func (e *Engine) runAction(a ActionConfig) error {
	switch {
	case a.SetDeviceState != nil:
		return e.runSetDeviceState(*a.SetDeviceState)
	case a.ActivateScene != nil:
		e.bus.Send(event.ActivateScene{Descriptor: *a.ActivateScene})
	case a.CycleScenes != nil:
		e.bus.Send(event.CycleScenes{Scenes: a.CycleScenes.Scenes, NoWrap: a.CycleScenes.NoWrap})
	case a.Dim != nil:
		keys := e.resolveRefs(a.Dim.Devices)
		e.bus.Send(event.Dim{DeviceKeys: keys, GroupIDs: a.Dim.Groups, Step: a.Dim.Step})
	case a.Custom != nil:
		e.bus.Send(event.CustomAction{IntegrationID: a.Custom.Integration, Payload: a.Custom.Payload})
	case a.EvalExpr != "":
		e.bus.Send(event.EvalExpr{Expression: a.EvalExpr})
	case a.Script != "":
		return e.runScript(a.Script)
	default:
		return fmt.Errorf("empty action")
	}
	return nil
}

func (e *Engine) runSetDeviceState(a SetDeviceStateAction) error {
	d, ok := resolveRef(e.snapshot(), a.Device)
	if !ok {
		return fmt.Errorf("device %s/%s%s not found", a.Device.IntegrationID, a.Device.DeviceID, a.Device.Name)
	}
	cs, ok := d.ControllableState()
	if !ok {
		return fmt.Errorf("device %s is a sensor", d.Key())
	}

	next := cs.Clone()
	next.Power = a.State.Power
	if a.State.Color != nil {
		c := a.State.Color.Clone()
		next.Color = &c
	}
	if a.State.Brightness != nil {
		b := *a.State.Brightness
		next.Brightness = &b
	}
	if a.State.TransitionMs != nil {
		t := *a.State.TransitionMs
		next.TransitionMs = &t
	}

	e.bus.Send(event.SetExpectedState{
		Device:   d.WithControllableState(next),
		SetScene: false,
		SkipSend: a.SkipSend,
	})
	return nil
}

func (e *Engine) resolveRefs(refs []device.DeviceRef) []device.DeviceKey {
	state := e.snapshot()
	keys := make([]device.DeviceKey, 0, len(refs))
	for _, ref := range refs {
		if d, ok := resolveRef(state, ref); ok {
			keys = append(keys, d.Key())
		}
	}
	return keys
}

func resolveRef(state device.DevicesState, ref device.DeviceRef) (device.Device, bool) {
	if ref.DeviceID != "" {
		d, ok := state[device.DeviceKey{IntegrationID: ref.IntegrationID, DeviceID: ref.DeviceID}]
		return d, ok
	}
	for _, d := range state {
		if d.IntegrationID == ref.IntegrationID && d.Name == ref.Name {
			return d, true
		}
	}
	return device.Device{}, false
}
