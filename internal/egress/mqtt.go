package egress

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageKind identifies which topic an egress message belongs to.
type MessageKind int

const (
	KindJourney MessageKind = iota
	KindZoneEvent
	KindMetrics
	KindGateState
	KindTrackEvent
	KindAccEvent
)

// Message is a typed payload bound for one of the publisher's topics.
type Message struct {
	Kind    MessageKind
	Journey []byte // pre-serialized, for KindJourney
	Payload any    // marshaled on publish, for all other kinds
}

// MqttTopics names the topics the publisher writes to.
type MqttTopics struct {
	Journeys string
	Events   string
	Metrics  string
	Gate     string
	Tracks   string
	Acc      string
}

// DefaultTopics returns the gateway's conventional topic names.
func DefaultTopics() MqttTopics {
	return MqttTopics{
		Journeys: "gateway/journeys",
		Events:   "gateway/events",
		Metrics:  "gateway/metrics",
		Gate:     "gateway/gate",
		Tracks:   "gateway/tracks",
		Acc:      "gateway/acc",
	}
}

// MqttPublisher receives egress messages and publishes them to MQTT,
// using QoS 1 for journeys (at-least-once) and QoS 0 for everything else
// (fire-and-forget live telemetry).
type MqttPublisher struct {
	client mqtt.Client
	topics MqttTopics
	msgCh  chan Message
	log    *slog.Logger
}

// NewMqttPublisher builds a publisher for the broker at host:port. It does
// not dial; Connect must succeed before published messages reach the broker.
func NewMqttPublisher(host string, port int, username, password string, topics MqttTopics, bufferSize int, log *slog.Logger) *MqttPublisher {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(host, port)).
		SetClientID("gateway-egress").
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true)

	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) { log.Info("mqtt_egress_connected") })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt_egress_error", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)

	return &MqttPublisher{
		client: client,
		topics: topics,
		msgCh:  make(chan Message, bufferSize),
		log:    log,
	}
}

func brokerURL(host string, port int) string {
	return "tcp://" + host + ":" + strconv.Itoa(port)
}

// Connect dials the broker, blocking until the handshake completes or
// fails.
func (p *MqttPublisher) Connect() error {
	token := p.client.Connect()
	token.Wait()
	return token.Error()
}

// Enqueue submits msg for publication without blocking. If the buffer is
// saturated the message is dropped and a warning is logged.
func (p *MqttPublisher) Enqueue(msg Message) {
	select {
	case p.msgCh <- msg:
	default:
		p.log.Warn("mqtt_egress_dropped", slog.Any("kind", msg.Kind))
	}
}

// Run publishes queued messages until the channel closes.
func (p *MqttPublisher) Run() {
	p.log.Info("mqtt_egress_started",
		slog.String("journeys", p.topics.Journeys),
		slog.String("events", p.topics.Events),
		slog.String("metrics", p.topics.Metrics),
		slog.String("gate", p.topics.Gate),
		slog.String("acc", p.topics.Acc))

	for msg := range p.msgCh {
		p.publish(msg)
	}
}

// Drain publishes any messages still buffered, for use during shutdown.
func (p *MqttPublisher) Drain() {
	for {
		select {
		case msg := <-p.msgCh:
			p.publish(msg)
		default:
			return
		}
	}
}

// Close signals Run to drain and exit.
func (p *MqttPublisher) Close() {
	close(p.msgCh)
}

func (p *MqttPublisher) publish(msg Message) {
	switch msg.Kind {
	case KindJourney:
		token := p.client.Publish(p.topics.Journeys, 1, false, msg.Journey)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("mqtt_egress_journey_failed", slog.Any("error", err))
		}
	case KindZoneEvent:
		p.publishJSON(p.topics.Events, msg.Payload, "mqtt_egress_event_failed")
	case KindMetrics:
		p.publishJSON(p.topics.Metrics, msg.Payload, "mqtt_egress_metrics_failed")
	case KindGateState:
		p.publishJSON(p.topics.Gate, msg.Payload, "mqtt_egress_gate_failed")
	case KindTrackEvent:
		p.publishJSON(p.topics.Tracks, msg.Payload, "mqtt_egress_track_failed")
	case KindAccEvent:
		p.publishJSON(p.topics.Acc, msg.Payload, "mqtt_egress_acc_failed")
	}
}

func (p *MqttPublisher) publishJSON(topic string, payload any, errEvent string) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Debug(errEvent, slog.Any("error", err))
		return
	}
	token := p.client.Publish(topic, 0, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Debug(errEvent, slog.Any("error", err))
	}
}
