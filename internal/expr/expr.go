// Package expr evaluates user-supplied condition expressions against live
// device and group state. Expressions reference devices with bracketed
// parameters like [hue/bulb-1.power] and groups like
// [group.living_room.brightness].
package expr

import (
	"fmt"
	"sync"

	"github.com/Knetic/govaluate"

	"lumehub/internal/device"
	"lumehub/internal/group"
)

// Engine compiles expressions once and re-evaluates them against a
// parameter snapshot refreshed on every state change.
type Engine struct {
	groups *group.Groups

	mu     sync.Mutex
	params map[string]any
	cache  map[string]*govaluate.EvaluableExpression
}

// New creates an expression engine. Call Refresh before evaluating.
func New(groups *group.Groups) *Engine {
	return &Engine{
		groups: groups,
		params: map[string]any{},
		cache:  map[string]*govaluate.EvaluableExpression{},
	}
}

// Refresh rebuilds the parameter snapshot from a full state snapshot.
// Device parameters: <integration/id>.power, .brightness, .scene, .value.
// Group parameters: group.<id>.power, .brightness.
func (e *Engine) Refresh(state device.DevicesState) {
	params := make(map[string]any, len(state)*3)

	for key, d := range state {
		prefix := key.String()
		if cs, ok := d.ControllableState(); ok {
			params[prefix+".power"] = cs.Power
			if cs.Brightness != nil {
				params[prefix+".brightness"] = *cs.Brightness
			} else {
				params[prefix+".brightness"] = 1.0
			}
		}
		if sv, ok := d.SensorValue(); ok {
			switch sv.Kind {
			case device.SensorBoolean:
				params[prefix+".value"] = sv.Bool
			case device.SensorText:
				params[prefix+".value"] = sv.Text
			}
		}
		if d.Scene != nil {
			params[prefix+".scene"] = string(*d.Scene)
		} else {
			params[prefix+".scene"] = ""
		}
	}

	for _, id := range e.groups.IDs() {
		gs := e.groups.GroupState(state, id)
		prefix := "group." + string(id)
		params[prefix+".power"] = gs.Power
		if gs.Brightness != nil {
			params[prefix+".brightness"] = *gs.Brightness
		} else {
			params[prefix+".brightness"] = 0.0
		}
	}

	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
}

// Eval evaluates an expression against the current parameter snapshot.
func (e *Engine) Eval(expression string) (any, error) {
	compiled, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	params := e.params
	e.mu.Unlock()

	result, err := compiled.Evaluate(params)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return result, nil
}

// EvalBool evaluates an expression expected to produce a boolean.
func (e *Engine) EvalBool(expression string) (bool, error) {
	result, err := e.Eval(expression)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q: result %v is not a boolean", expression, result)
	}
	return b, nil
}

func (e *Engine) compile(expression string) (*govaluate.EvaluableExpression, error) {
	e.mu.Lock()
	compiled, ok := e.cache[expression]
	e.mu.Unlock()
	if ok {
		return compiled, nil
	}

	compiled, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}
