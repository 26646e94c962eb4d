//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/store"
	"zigbee-toolkit/internal/toolkit"
)

// ErrDisabled is returned by every operation in builds without scripting.
var ErrDisabled = errors.New("automation disabled in this build")

var ErrScriptNotFound = errors.New("script not found")

type Dispatcher interface {
	Dispatch(ctx context.Context, req *toolkit.Request) (*toolkit.Result, error)
	Commands() []toolkit.CommandInfo
}

type DeviceLister interface {
	Devices() ([]*store.Device, error)
}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	Code     string     `json:"code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Executed []string `json:"executed,omitempty"`
	Duration string   `json:"duration"`
}

type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return &Manager{}, nil }
func (m *Manager) Dir() string                         { return "" }
func (m *Manager) List() ([]*Script, error)            { return nil, nil }
func (m *Manager) Get(string) (*Script, error)         { return nil, ErrDisabled }
func (m *Manager) Save(*Script) (*Script, error)       { return nil, ErrDisabled }
func (m *Manager) Delete(string) error                 { return ErrDisabled }

type Engine struct{}

func NewEngine(Dispatcher, *coordinator.EventBus, DeviceLister, *Manager, time.Duration, *slog.Logger) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() []string         { return nil }
func (e *Engine) ReloadScript(string) error { return ErrDisabled }
func (e *Engine) StopScript(string)         {}
func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: ErrDisabled.Error(), Duration: "0s"}
}
func (e *Engine) RunCode(string) *RunResult {
	return &RunResult{Error: ErrDisabled.Error(), Duration: "0s"}
}
