package lua

import (
	"context"
	"log"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"kraken-controller/internal/core"
	"kraken-controller/internal/kraken"
)

// registerGoFunctions exposes Go functions to the given Lua state. Blocking
// helpers observe ctx so that a stopped pattern returns promptly.
func (e *Engine) registerGoFunctions(L *lua.LState, ctx context.Context) {
	L.SetGlobal("set_effect", L.NewFunction(e.luaSetEffect))
	L.SetGlobal("set_pump", L.NewFunction(e.luaSetSpeed(kraken.Pump)))
	L.SetGlobal("set_fan", L.NewFunction(e.luaSetSpeed(kraken.Fan)))
	L.SetGlobal("stop_pump", L.NewFunction(e.luaStopSpeed(kraken.Pump)))
	L.SetGlobal("stop_fan", L.NewFunction(e.luaStopSpeed(kraken.Fan)))
	L.SetGlobal("liquid_temp", L.NewFunction(e.luaLiquidTemp))
	L.SetGlobal("pump_rpm", L.NewFunction(e.luaPumpRPM))
	L.SetGlobal("fan_rpm", L.NewFunction(e.luaFanRPM))
	L.SetGlobal("print", L.NewFunction(luaPrint))

	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		cancellableSleep(ctx, time.Duration(L.CheckInt(1))*time.Millisecond)
		return 0
	}))
	L.SetGlobal("should_stop", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(ctx.Err() != nil))
		return 1
	}))
}

func luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	log.Printf("[LUA] %s", strings.Join(parts, "\t"))
	return 0
}

// luaSetEffect is set_effect(channel, mode [, speed [, color...]]). Colors
// may be passed as extra arguments or as a single table.
func (e *Engine) luaSetEffect(L *lua.LState) int {
	p := core.EffectPayload{
		Channel: L.CheckString(1),
		Mode:    L.CheckString(2),
		Speed:   L.OptString(3, ""),
	}
	for i := 4; i <= L.GetTop(); i++ {
		switch v := L.Get(i).(type) {
		case *lua.LTable:
			v.ForEach(func(_, c lua.LValue) {
				p.Colors = append(p.Colors, c.String())
			})
		default:
			p.Colors = append(p.Colors, v.String())
		}
	}
	if err := e.ctrl.ApplyEffect(p); err != nil {
		L.RaiseError("set_effect: %v", err)
	}
	return 0
}

func (e *Engine) luaSetSpeed(a kraken.Actuator) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := e.ctrl.SetSpeed(a, L.CheckInt(1)); err != nil {
			L.RaiseError("set_%s: %v", a, err)
		}
		return 0
	}
}

func (e *Engine) luaStopSpeed(a kraken.Actuator) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := e.ctrl.StopSpeed(a); err != nil {
			L.RaiseError("stop_%s: %v", a, err)
		}
		return 0
	}
}

// luaLiquidTemp returns the coolant temperature, or nil before the first report.
func (e *Engine) luaLiquidTemp(L *lua.LState) int {
	t := e.ctrl.Telemetry()
	if !t.TempValid {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(t.LiquidTemp))
	return 1
}

func (e *Engine) luaPumpRPM(L *lua.LState) int {
	L.Push(lua.LNumber(e.ctrl.Telemetry().PumpRPM))
	return 1
}

func (e *Engine) luaFanRPM(L *lua.LState) int {
	L.Push(lua.LNumber(e.ctrl.Telemetry().FanRPM))
	return 1
}

// cancellableSleep sleeps for d, waking early if ctx is cancelled.
// It returns true if the context was cancelled during sleep.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
