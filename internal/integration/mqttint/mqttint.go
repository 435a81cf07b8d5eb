// Package mqttint implements the MQTT protocol integration: devices
// report state on a configurable topic and receive commands on another,
// with JSON pointer field mapping for foreign payload layouts.
package mqttint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"lumehub/internal/device"
	"lumehub/internal/event"
)

// MQTT is one MQTT integration instance.
type MQTT struct {
	id     device.IntegrationID
	cfg    Config
	bus    *event.Bus
	logger *slog.Logger
	client pahomqtt.Client
}

// New creates an MQTT integration from configuration.
func New(id device.IntegrationID, cfg Config, bus *event.Bus, logger *slog.Logger) (*MQTT, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("mqtt integration %q: %w", id, err)
	}
	return &MQTT{
		id:     id,
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt", "integration", id),
	}, nil
}

func (m *MQTT) ID() device.IntegrationID { return m.id }

// Register connects to the broker. The state topic subscription lives in
// the on-connect handler so it survives reconnects.
func (m *MQTT) Register(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.cfg.Host, m.cfg.Port)).
		SetClientID("lumehub-" + string(m.id)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			m.logger.Info("MQTT connected")
			m.subscribeDeviceStates()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			m.logger.Warn("MQTT connection lost", "err", err)
		})

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	m.client = client
	return nil
}

// Start is a no-op: the subscription is installed on connect.
func (m *MQTT) Start(ctx context.Context) error {
	return nil
}

// SetDeviceState publishes a commanded state to the device's set topic.
func (m *MQTT) SetDeviceState(ctx context.Context, d device.Device) error {
	payload, err := deviceToMQTT(d, m.cfg)
	if err != nil {
		return err
	}
	topic := strings.ReplaceAll(m.cfg.TopicSet, "{id}", string(d.ID))
	m.publish(topic, payload, true)
	return nil
}

// customAction is the payload RunCustomAction accepts: publish arbitrary
// JSON to an arbitrary topic.
type customAction struct {
	Topic string          `json:"topic"`
	JSON  json.RawMessage `json:"json"`
}

// RunCustomAction publishes a caller-supplied JSON document to a
// caller-supplied topic.
func (m *MQTT) RunCustomAction(ctx context.Context, payload string) error {
	var act customAction
	if err := json.Unmarshal([]byte(payload), &act); err != nil {
		return fmt.Errorf("decode custom mqtt action: %w", err)
	}
	if act.Topic == "" {
		return fmt.Errorf("custom mqtt action: topic is required")
	}
	m.publish(act.Topic, act.JSON, false)
	return nil
}

// Stop disconnects from the broker.
func (m *MQTT) Stop() error {
	if m.client != nil {
		m.client.Disconnect(1000)
	}
	m.logger.Info("MQTT integration stopped")
	return nil
}

func (m *MQTT) subscribeDeviceStates() {
	topic := strings.ReplaceAll(m.cfg.Topic, "{id}", "+")
	m.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		m.handleDeviceState(msg.Topic(), msg.Payload())
	})
	m.logger.Info("subscribed to device states", "topic", topic)
}

func (m *MQTT) handleDeviceState(topic string, payload []byte) {
	d, err := deviceFromMQTT(payload, m.id, m.cfg)
	if err != nil {
		m.logger.Warn("invalid device state message", "topic", topic, "err", err)
		return
	}
	m.bus.Send(event.ObservedState{Device: d})
}

func (m *MQTT) publish(topic string, payload []byte, retained bool) {
	token := m.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			m.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			m.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
