package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTT subscription.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topic    string // e.g. beatmon/beat/+; the last level names the device
	QoS      byte
	Username string
	Password string
}

// MQTTSource subscribes to beat topics on an MQTT broker.
type MQTTSource struct {
	config  MQTTConfig
	handler *Handler
	logger  *slog.Logger
}

// NewMQTTSource creates a new MQTT source.
func NewMQTTSource(cfg MQTTConfig, h *Handler, logger *slog.Logger) *MQTTSource {
	return &MQTTSource{
		config:  cfg,
		handler: h,
		logger:  logger.With("component", "mqtt_source", "topic", cfg.Topic),
	}
}

// Run connects and consumes until ctx is cancelled. The subscription is
// renewed on every (re)connect.
func (s *MQTTSource) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.Broker)
	opts.SetClientID(s.config.ClientID)
	opts.SetUsername(s.config.Username)
	opts.SetPassword(s.config.Password)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(false)

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("connected to MQTT broker", "broker", s.config.Broker)
		token := c.Subscribe(s.config.Topic, s.config.QoS, s.onMessage)
		if token.Wait() && token.Error() != nil {
			s.logger.Error("MQTT subscribe failed", "error", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("MQTT connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	s.logger.Info("MQTT source stopping")
	client.Unsubscribe(s.config.Topic).WaitTimeout(time.Second)
	client.Disconnect(250)
	return nil
}

func (s *MQTTSource) onMessage(_ mqtt.Client, m mqtt.Message) {
	device := lastSegment(m.Topic(), "/")
	if _, err := s.handler.Handle("mqtt", device, m.Payload()); err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrMalformed) {
			level = slog.LevelWarn
		}
		s.logger.Log(context.Background(), level, "failed to handle MQTT beat",
			"mqtt_topic", m.Topic(),
			"error", err,
		)
	}
}
