package rule

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"lumehub/internal/device"
	"lumehub/internal/event"
)

const scriptTimeout = 5 * time.Second

// runScript executes a routine's Lua action in a fresh sandboxed VM. The
// script drives the hub through the "home" module; everything it does is
// enqueued as events, so a misbehaving script cannot corrupt state.
func (e *Engine) runScript(code string) error {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	L.SetContext(ctx)

	e.registerHomeModule(L)

	if err := L.DoString(code); err != nil {
		return fmt.Errorf("lua script: %w", err)
	}
	return nil
}

// registerHomeModule exposes the hub API to Lua scripts.
func (e *Engine) registerHomeModule(L *lua.LState) {
	mod := L.NewTable()

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	mod.RawSetString("get_power", L.NewFunction(func(L *lua.LState) int {
		d, ok := resolveRef(e.snapshot(), device.DeviceRef{
			IntegrationID: device.IntegrationID(L.CheckString(1)),
			DeviceID:      device.DeviceID(L.CheckString(2)),
		})
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		cs, ok := d.ControllableState()
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LBool(cs.Power))
		return 1
	}))

	mod.RawSetString("set_power", L.NewFunction(func(L *lua.LState) int {
		err := e.runSetDeviceState(SetDeviceStateAction{
			Device: device.DeviceRef{
				IntegrationID: device.IntegrationID(L.CheckString(1)),
				DeviceID:      device.DeviceID(L.CheckString(2)),
			},
			State: device.ControllableState{Power: L.CheckBool(3)},
		})
		if err != nil {
			L.RaiseError("set_power: %v", err)
		}
		return 0
	}))

	mod.RawSetString("set_brightness", L.NewFunction(func(L *lua.LState) int {
		bri := float64(L.CheckNumber(3))
		err := e.runSetDeviceState(SetDeviceStateAction{
			Device: device.DeviceRef{
				IntegrationID: device.IntegrationID(L.CheckString(1)),
				DeviceID:      device.DeviceID(L.CheckString(2)),
			},
			State: device.ControllableState{Power: true, Brightness: &bri},
		})
		if err != nil {
			L.RaiseError("set_brightness: %v", err)
		}
		return 0
	}))

	mod.RawSetString("activate_scene", L.NewFunction(func(L *lua.LState) int {
		e.bus.Send(event.ActivateScene{Descriptor: event.SceneDescriptor{
			SceneID: device.SceneID(L.CheckString(1)),
		}})
		return 0
	}))

	mod.RawSetString("custom", L.NewFunction(func(L *lua.LState) int {
		e.bus.Send(event.CustomAction{
			IntegrationID: device.IntegrationID(L.CheckString(1)),
			Payload:       L.CheckString(2),
		})
		return 0
	}))

	L.SetGlobal("home", mod)
}
