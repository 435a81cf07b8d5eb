//go:build no_mqtt

package main

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"lumehub/internal/device"
	"lumehub/internal/event"
	"lumehub/internal/integration"
)

func newMQTTIntegration(id device.IntegrationID, settings yaml.Node, bus *event.Bus, logger *slog.Logger) (integration.Integration, error) {
	return nil, fmt.Errorf("integration %q: built without mqtt support", id)
}
