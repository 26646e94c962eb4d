//go:build no_automation

package main

import (
	"log/slog"

	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/toolkit"
	"zigbee-toolkit/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *toolkit.Router, _ *coordinator.Coordinator, _ *config.Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
