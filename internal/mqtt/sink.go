package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/your-org/facelock/internal/config"
	"github.com/your-org/facelock/internal/session"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Sink publishes session updates to <topic>/<session_id>. With Retain set
// the broker keeps the latest state for late subscribers.
type Sink struct {
	client paho.Client
	topic  string
	qos    byte
	retain bool
}

// Connect dials the broker. The client reconnects on its own afterwards.
func Connect(cfg config.MQTTConfig) (*Sink, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(paho.Client) {
		slog.Info("connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to mqtt %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt %s: %w", cfg.Broker, err)
	}
	return newSink(client, cfg), nil
}

func newSink(client paho.Client, cfg config.MQTTConfig) *Sink {
	return &Sink{client: client, topic: cfg.Topic, qos: cfg.QoS, retain: cfg.Retain}
}

// Publish implements session.Publisher.
func (s *Sink) Publish(ctx context.Context, u session.Update) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("publish session update: not connected to MQTT broker")
	}
	payload, err := json.Marshal(u.DTO())
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}

	timeout := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	topic := s.topic + "/" + u.SessionID
	token := s.client.Publish(topic, s.qos, s.retain, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (s *Sink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
