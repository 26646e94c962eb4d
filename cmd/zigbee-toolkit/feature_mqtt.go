//go:build !no_mqtt

package main

import (
	"log/slog"

	"zigbee-toolkit/internal/config"
	"zigbee-toolkit/internal/coordinator"
	mqttbridge "zigbee-toolkit/internal/mqtt"
	"zigbee-toolkit/internal/toolkit"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(router *toolkit.Router, coord *coordinator.Coordinator, cfg *config.Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(router, coord.Events(), coord.Store(), mqttbridge.Config{
		Broker:        cfg.MQTT.Broker,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		ClientID:      cfg.MQTT.ClientID,
		TopicPrefix:   cfg.MQTT.TopicPrefix,
		PublishEvents: cfg.MQTT.PublishEvents,
		Timeout:       cfg.Execute.Timeout,
		MaxInFlight:   cfg.MQTT.MaxInFlight,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
