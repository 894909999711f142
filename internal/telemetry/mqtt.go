// Package telemetry publishes session telemetry to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconsole/internal/config"
	"github.com/energizer-project/rconsole/internal/events"
	"github.com/energizer-project/rconsole/internal/util"
)

// MQTT topic suffixes, published under the configured prefix.
const (
	TopicSessionState   = "session/state"
	TopicSessionCommand = "session/command"
	TopicSessionDropped = "session/dropped"
	TopicHeartbeat      = "heartbeat"
	TopicAdmin          = "admin"
)

// publisher is the part of mqtt.Client the handler needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to MQTT with host metadata attached.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: buildMetadata(sysInfo),
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("rconsole-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("component", "mqtt").Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Str("component", "mqtt").Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client
	return handler, nil
}

func buildMetadata(info util.SystemInfo) map[string]interface{} {
	return map[string]interface{}{
		"hostname":  info.Hostname,
		"os":        info.OS,
		"arch":      info.Architecture,
		"cpu_model": info.CPUModel,
		"cpu_cores": info.CPUCores,
		"memory_mb": info.TotalMemory,
	}
}

// Start connects to the broker, forwards events until ctx is done, then
// publishes a shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventSessionState, "mqtt.sessionState", h.onSessionState)
	h.eventBus.Subscribe(events.EventCommandCompleted, "mqtt.command", h.onCommand)
	h.eventBus.Subscribe(events.EventPacketDropped, "mqtt.dropped", h.onDropped)
	h.eventBus.Subscribe(events.EventHeartbeat, "mqtt.heartbeat", h.onHeartbeat)
	h.eventBus.Subscribe(events.EventReconnectGaveUp, "mqtt.gaveUp", h.onGaveUp)
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onSessionState(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicSessionState), event.Payload)
	return nil
}

func (h *MQTTHandler) onCommand(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.CommandPayload)
	if !ok {
		return nil
	}
	// Response bodies can be large and may hold player data; only the
	// command and its outcome leave the host.
	h.publish(h.topic(TopicSessionCommand), map[string]interface{}{
		"remote":      p.Remote,
		"request_id":  p.RequestID,
		"command":     p.Command,
		"outcome":     p.Outcome,
		"error":       p.Error,
		"duration_ms": p.Duration.Milliseconds(),
	})
	return nil
}

func (h *MQTTHandler) onDropped(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicSessionDropped), event.Payload)
	return nil
}

func (h *MQTTHandler) onHeartbeat(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicHeartbeat), event.Payload)
	return nil
}

func (h *MQTTHandler) onGaveUp(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event":  "reconnect_gave_up",
		"detail": event.Payload,
	})
	return nil
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
