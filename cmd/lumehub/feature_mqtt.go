//go:build !no_mqtt

package main

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/integration"
	"lumehub/internal/integration/mqttint"
)

func newMQTTIntegration(id device.IntegrationID, settings yaml.Node, bus *event.Bus, logger *slog.Logger) (integration.Integration, error) {
	var cfg mqttint.Config
	if err := settings.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode mqtt settings: %w", err)
	}
	return mqttint.New(id, cfg, bus, logger)
}
