//go:build !no_automation

package main

import (
	"log/slog"

	"zigbee-toolkit/internal/automation"
	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(router *toolkit.Router, coord *coordinator.Coordinator, cfg *config.Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(router, coord.Events(), coord, scriptMgr, cfg.Execute.Timeout, logger)
	engine.Start()
	logger.Info("automation started", "dir", scriptMgr.Dir(), "running", len(engine.Running()))

	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
