//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/zigbee"
)

const maxHandlersPerScript = 100

// registerToolkitModule installs the `toolkit` global.
func registerToolkitModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"execute":  func(L *lua.LState) int { return toolkitExecute(L, vm, e) },
		"on":       func(L *lua.LState) int { return toolkitOn(L, vm) },
		"after":    func(L *lua.LState) int { return toolkitAfter(L, vm, e) },
		"log":      func(L *lua.LState) int { return toolkitLog(L, vm, e) },
		"devices":  func(L *lua.LState) int { return toolkitDevices(L, e) },
		"property": func(L *lua.LState) int { return toolkitProperty(L, e) },
		"commands": func(L *lua.LState) int { return toolkitCommands(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("toolkit", mod)
}

// toolkit.execute(command, ieee, data[, params]) -> result | nil, err, code
func toolkitExecute(L *lua.LState, vm *scriptVM, e *Engine) int {
	req := &toolkit.Request{
		Command: L.CheckString(1),
		IEEE:    L.OptString(2, ""),
		Data:    luaData(L.Get(3)),
		Origin:  "lua:" + vm.id,
	}
	if tbl, ok := L.Get(4).(*lua.LTable); ok {
		if m, ok := luaToGo(tbl).(map[string]interface{}); ok {
			req.Params = m
		}
	}

	ctx, cancel := context.WithTimeout(vm.ctx, e.timeout)
	defer cancel()
	res, err := e.dispatcher.Dispatch(ctx, req)
	if res != nil {
		vm.record(res.ID)
	}
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		L.Push(lua.LString(toolkit.ErrorCode(err)))
		return 3
	}

	out := L.NewTable()
	out.RawSetString("id", lua.LString(res.ID))
	out.RawSetString("command", lua.LString(res.Command))
	if res.IEEE != "" {
		out.RawSetString("ieee", lua.LString(res.IEEE))
	}
	out.RawSetString("duration_ms", lua.LNumber(res.DurationMS))
	out.RawSetString("data", goToLua(L, res.Data))
	L.Push(out)
	return 1
}

// luaData renders the data argument the way a service call would carry it.
func luaData(v lua.LValue) string {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return val.String()
	case lua.LBool:
		if val {
			return "true"
		}
		return "false"
	}
	return ""
}

// toolkit.on(type, filter, callback). type "*" matches every event.
func toolkitOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if filter, ok := L.Get(2).(*lua.LTable); ok {
		filter.ForEach(func(k, v lua.LValue) {
			if h.filter == nil {
				h.filter = make(map[string]string)
			}
			h.filter[k.String()] = v.String()
		})
	}
	h.fn = L.CheckFunction(3)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// toolkit.after(seconds, callback)
func toolkitAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full", "id", vm.id)
		}
	}()
	return 0
}

// toolkit.log(msg)
func toolkitLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	vm.log("info", L.CheckString(1), e)
	return 0
}

func (vm *scriptVM) log(level, msg string, e *Engine) {
	if vm.capture {
		vm.mu.Lock()
		if level == "info" {
			vm.logs = append(vm.logs, msg)
		} else {
			vm.logs = append(vm.logs, "["+level+"] "+msg)
		}
		vm.mu.Unlock()
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "id", vm.id, "msg", msg)
	case "warn":
		e.logger.Warn("script log", "id", vm.id, "msg", msg)
	case "error":
		e.logger.Error("script log", "id", vm.id, "msg", msg)
	default:
		e.logger.Info("script log", "id", vm.id, "msg", msg)
	}
}

// toolkit.devices() -> {{ieee, nwk, name, model, manufacturer}, ...}
func toolkitDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	if e.devices == nil {
		L.Push(tbl)
		return 1
	}
	devices, err := e.devices.Devices()
	if err != nil {
		e.logger.Warn("list devices for script", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("nwk", lua.LString(zigbee.NWK(dev.ShortAddress).String()))
		d.RawSetString("name", lua.LString(displayName(dev)))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

func displayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	return strings.TrimSpace(dev.Manufacturer + " " + dev.Model)
}

// toolkit.property(ieee_or_name, property) -> value | nil
func toolkitProperty(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	prop := L.CheckString(2)
	dev := resolveDevice(e, target)
	if dev == nil || dev.Properties == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, ok := dev.Properties[prop]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, v))
	return 1
}

// toolkit.commands() -> {"add_group", ...}
func toolkitCommands(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, c := range e.dispatcher.Commands() {
		tbl.RawSetInt(i+1, lua.LString(c.Name))
	}
	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by IEEE literal or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if e.devices == nil {
		return nil
	}
	devices, err := e.devices.Devices()
	if err != nil {
		return nil
	}
	if ieee, err := zigbee.ParseIEEE(target); err == nil {
		for _, dev := range devices {
			if parsed, err := zigbee.ParseIEEE(dev.IEEEAddress); err == nil && parsed == ieee {
				return dev
			}
		}
	}
	for _, dev := range devices {
		if dev.FriendlyName != "" && strings.EqualFold(dev.FriendlyName, target) {
			return dev
		}
	}
	return nil
}
