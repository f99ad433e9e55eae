package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the optional MQTT event sink.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// MQTTSink mirrors broadcaster events to an MQTT broker so external
// observers can subscribe without holding an HTTP stream open. Publish
// failures are logged and dropped; the poll endpoint stays authoritative.
type MQTTSink struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "smsblast"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "smsblast/events"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	return &MQTTSink{
		client: client,
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		logger: logger,
	}, nil
}

// Emit publishes the event under <prefix>/<topic>, fire-and-forget.
func (s *MQTTSink) Emit(topic string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event for mqtt", "error", err)
		return
	}

	token := s.client.Publish(s.prefix+"/"+topic, s.qos, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
