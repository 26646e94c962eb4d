//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
)

// Dispatcher runs toolkit commands. *toolkit.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *toolkit.Request) (*toolkit.Result, error)
	Commands() []toolkit.CommandInfo
}

// DeviceLister lists known devices. *coordinator.Coordinator satisfies it.
type DeviceLister interface {
	Devices() ([]*store.Device, error)
}

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Executed []string `json:"executed,omitempty"` // execution ids
	Duration string   `json:"duration"`
}

type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM is one Lua state. All access to state goes through commands.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler
	executed []string
	logs     []string
	capture  bool
}

func (vm *scriptVM) record(id string) {
	vm.mu.Lock()
	vm.executed = append(vm.executed, id)
	vm.mu.Unlock()
}

// Engine runs enabled scripts and feeds them coordinator events.
type Engine struct {
	dispatcher Dispatcher
	bus        *coordinator.EventBus
	devices    DeviceLister
	manager    *Manager
	timeout    time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine. timeout bounds every toolkit.execute call
// and every one-shot run.
func NewEngine(d Dispatcher, bus *coordinator.EventBus, devices DeviceLister, mgr *Manager, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		dispatcher: d,
		bus:        bus,
		devices:    devices,
		manager:    mgr,
		timeout:    timeout,
		logger:     logger.With("component", "automation"),
		vms:        make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and starts every enabled script.
func (e *Engine) Start() {
	if e.bus != nil {
		e.unsub = e.bus.OnAll(e.dispatchEvent)
	}
	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Stop cancels every VM and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// Running lists the IDs of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts id from disk; a disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript runs a stored script once. See RunCode.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.runCode(id, s.Code)
}

// RunCode executes code in a throwaway VM, then calls each handler it
// registered once with a synthetic event. Log output is captured.
func (e *Engine) RunCode(code string) *RunResult {
	return e.runCode("adhoc", code)
}

func (e *Engine) runCode(id, code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	vm := e.newVM(ctx, cancel, id)
	vm.capture = true
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		vm.mu.Lock()
		defer vm.mu.Unlock()
		r := &RunResult{OK: err == nil, Logs: vm.logs, Executed: vm.executed, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) || strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = fmt.Sprintf("timeout (%s)", e.timeout)
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		evt := L.NewTable()
		evt.RawSetString("type", lua.LString(h.eventType))
		for k, v := range h.filter {
			evt.RawSetString(k, lua.LString(v))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, evt); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newVM builds a sandboxed state with the toolkit and system modules.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerToolkitModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID)
	L := vm.state

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues event for every matching handler of every VM.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	fields := eventFields(event)
	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			if vm.ctx.Err() != nil {
				break
			}
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm, fn, event.Type, fields) }:
			default:
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

// eventFields flattens event data into a string-keyed map. Non-object
// payloads land under "value".
func eventFields(event coordinator.Event) map[string]interface{} {
	if m, ok := event.Data.(map[string]interface{}); ok {
		return m
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return map[string]interface{}{"value": fmt.Sprint(event.Data)}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		var v interface{}
		_ = json.Unmarshal(raw, &v)
		return map[string]interface{}{"value": v}
	}
	return m
}

// matchesHandler reports whether every filter key equals the event field
// of the same name.
func matchesHandler(h luaEventHandler, eventType string, fields map[string]interface{}) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	for k, want := range h.filter {
		got, ok := fields[k]
		if !ok || !strings.EqualFold(fmt.Sprint(got), want) {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, eventType string, fields map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", vm.id, "panic", r)
		}
	}()
	evt := L.NewTable()
	for k, v := range fields {
		evt.RawSetString(k, goToLua(L, v))
	}
	evt.RawSetString("type", lua.LString(eventType))
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, evt); err != nil {
		e.logger.Error("lua handler error", "id", vm.id, "err", err)
	}
}

func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return lua.LNumber(f)
		}
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, lua.LString(vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	}
	// Structs and typed slices go through JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	return goToLua(L, generic)
}

// luaToGo converts a Lua value to JSON-compatible Go. Tables with only
// positive integer keys become slices.
func luaToGo(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			out := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		m := make(map[string]interface{})
		val.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = luaToGo(vv)
		})
		return m
	}
	return nil
}
