//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func newSystemState(t *testing.T) (*lua.LState, *scriptVM) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	vm := &scriptVM{id: "test", state: L, capture: true}
	registerSystemModule(L, vm, &Engine{logger: testLogger()})
	return L, vm
}

func TestSystemDatetime(t *testing.T) {
	withClock(t, time.Date(2024, time.March, 9, 21, 5, 7, 0, time.Local))
	L, _ := newSystemState(t)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(5)},
		{"second", lua.LNumber(7)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(9)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2024)},
		{"time_str", lua.LString("21:05:07")},
		{"date_str", lua.LString("2024-03-09")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			if err := L.DoString(`result = system.datetime("` + tt.component + `")`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L, _ := newSystemState(t)
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		name     string
		hour     int
		from, to int
		want     bool
	}{
		{"inside", 12, 8, 22, true},
		{"at start", 8, 8, 22, true},
		{"at end", 22, 8, 22, false},
		{"before", 7, 8, 22, false},
		{"wrap late", 23, 22, 6, true},
		{"wrap early", 3, 22, 6, true},
		{"wrap outside", 12, 22, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withClock(t, time.Date(2024, 1, 1, tt.hour, 30, 0, 0, time.Local))
			L, _ := newSystemState(t)
			code := "result = system.time_between(" + lua.LNumber(tt.from).String() + ", " + lua.LNumber(tt.to).String() + ")"
			if err := L.DoString(code); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("result"); got != lua.LBool(tt.want) {
				t.Errorf("time_between(%d, %d) at %d:30 = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
			}
		})
	}
}

func TestSystemLogCaptured(t *testing.T) {
	L, vm := newSystemState(t)
	if err := L.DoString(`system.log("warn", "battery low")`); err != nil {
		t.Fatal(err)
	}
	if len(vm.logs) != 1 || vm.logs[0] != "[warn] battery low" {
		t.Errorf("logs = %v", vm.logs)
	}
}
