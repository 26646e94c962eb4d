//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/toolkit"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *toolkit.Router, _ *coordinator.Coordinator, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
