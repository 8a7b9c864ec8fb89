package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aarongabrielcy/codec-gateway/internal/dispatcher"
	"github.com/aarongabrielcy/codec-gateway/internal/events"
)

// MQTTConfig configures the broker connection and topic layout.
type MQTTConfig struct {
	Broker       string
	ClientID     string
	Username     string
	Password     string
	SendTimeout  time.Duration
}

type commandRequest struct {
	Text string `json:"text"`
}

// MQTT publishes AvlRecord telemetry and solicited CommandResponse events
// to a broker (unsolicited responses are not published), and subscribes to a per-IMEI request topic to drive the
// command dispatcher — the MQTT-sourced command path spec.md §1 calls
// out as an out-of-core collaborator. Grounded on the broker wiring in
// the pack's sms-gateway-daemon (opts.SetOnConnectHandler subscribing
// once connected, SetAutoReconnect for resilience).
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	disp   *dispatcher.Dispatcher
	logger *slog.Logger
}

// NewMQTT connects to cfg.Broker and subscribes to the wildcard command
// request topic. Returns nil, err if the initial connect fails.
func NewMQTT(cfg MQTTConfig, disp *dispatcher.Dispatcher, logger *slog.Logger) (*MQTT, error) {
	m := &MQTT{cfg: cfg, disp: disp, logger: logger}
	if cfg.SendTimeout <= 0 {
		m.cfg.SendTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := "commands/+/request"
		if token := c.Subscribe(topic, 0, m.onCommandRequest); token.Wait() && token.Error() != nil {
			logger.Error("mqtt subscribe failed", "topic", topic, "err", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("sink: mqtt connect failed: %w", err)
	}
	m.client = client
	return m, nil
}

// onCommandRequest parses "commands/<imei>/request" and forwards the text
// to the dispatcher, completing the round trip an operator can drive from
// an MQTT client instead of the gateway's own admin surface.
func (m *MQTT) onCommandRequest(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		return
	}
	imei := parts[1]

	var req commandRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil || req.Text == "" {
		m.logger.Warn("mqtt bad command request payload", "imei", imei, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout+time.Second)
	defer cancel()
	fut, err := m.disp.Send(ctx, imei, req.Text, m.cfg.SendTimeout)
	if err != nil {
		m.logger.Warn("mqtt-triggered command rejected", "imei", imei, "err", err)
		return
	}
	go func() {
		result, err := fut.Wait(ctx)
		if err != nil {
			return
		}
		m.publishResult(imei, result)
	}()
}

func (m *MQTT) publishResult(imei string, result dispatcher.Result) {
	payload, err := json.Marshal(map[string]any{
		"kind": result.Kind.String(),
		"text": result.Text,
	})
	if err != nil {
		return
	}
	topic := fmt.Sprintf("commands/%s/response", imei)
	m.client.Publish(topic, 0, false, payload)
}

func (m *MQTT) Handle(e events.Event) {
	switch e.Kind {
	case events.KindAvlRecord:
		if e.Record == nil {
			return
		}
		payload, err := json.Marshal(BuildTracking(e.IMEI, e.Record))
		if err != nil {
			m.logger.Error("mqtt marshal failed", "imei", e.IMEI, "err", err)
			return
		}
		topic := fmt.Sprintf("telemetry/%s", e.IMEI)
		m.client.Publish(topic, 0, false, payload)

	case events.KindCommandResponse:
		if !e.Solicited {
			return
		}
		payload, err := json.Marshal(map[string]any{
			"imei": e.IMEI,
			"text": e.ResponseText,
		})
		if err != nil {
			return
		}
		topic := fmt.Sprintf("commands/%s/response", e.IMEI)
		m.client.Publish(topic, 0, false, payload)
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.client != nil {
		m.client.Disconnect(500)
	}
}
