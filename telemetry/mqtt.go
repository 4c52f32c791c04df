// Package telemetry publishes a summary of every finished run to an MQTT broker
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultTopic is used when no topic is configured
const DefaultTopic = "flowcal/runs"

// RunSummary is the message published for each run
type RunSummary struct {
	RunID    string    `json:"run_id"`
	Mode     string    `json:"mode"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Samples  int       `json:"samples"`

	MaxTime   float64 `json:"max_time"`
	MinFlow   float64 `json:"min_flow"`
	MaxFlow   float64 `json:"max_flow"`
	MinVolume float64 `json:"min_volume"`
	MaxVolume float64 `json:"max_volume"`

	Error string `json:"error,omitempty"`
}

// Config has the broker connection settings
type Config struct {
	// Broker address (e.g., "tcp://localhost:1883")
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	// ConnectTimeout bounds the initial connection
	ConnectTimeout time.Duration
}

// publishClient is the part of mqtt.Client used by the publisher
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

var _ publishClient = mqtt.Client(nil)

// MQTTPublisher sends RunSummary messages with QoS 1
type MQTTPublisher struct {
	client publishClient
	topic  string
	logger *zap.SugaredLogger
}

// Connect opens a connection to the broker
func Connect(cfg Config, logger *zap.SugaredLogger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "flowcal"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infow("connected to MQTT broker", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnw("MQTT connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("timeout connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("error connecting to MQTT broker: %w", err)
	}

	return newPublisher(client, cfg.Topic, logger), nil
}

func newPublisher(client publishClient, topic string, logger *zap.SugaredLogger) *MQTTPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MQTTPublisher{client: client, topic: topic, logger: logger}
}

// Topic returns the topic messages are published to
func (p *MQTTPublisher) Topic() string {
	return p.topic
}

// PublishRun sends one summary and waits for the broker to acknowledge it or ctx to end
func (p *MQTTPublisher) PublishRun(ctx context.Context, summary RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("error encoding summary: %w", err)
	}

	token := p.client.Publish(p.topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("error publishing run %s: %w", summary.RunID, ctx.Err())
	}

	err = token.Error()
	if err != nil {
		return fmt.Errorf("error publishing run %s: %w", summary.RunID, err)
	}

	p.logger.Debugw("published run summary", "topic", p.topic, "run", summary.RunID)
	return nil
}

// Close disconnects from the broker after pending messages are sent
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
