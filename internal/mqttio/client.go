package mqttio

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/timour/edge-gateway/internal/domain"
)

// Config configures the sensor feed subscription.
type Config struct {
	Host     string
	Port     int
	Topic    string
	Username string
	Password string
	ClientID string
}

// Client subscribes to the ceiling sensor's MQTT feed and forwards parsed
// events onto the fused event channel.
type Client struct {
	config Config
	client mqtt.Client
	log    *slog.Logger
}

// New creates a Client. Run dials the broker and subscribes.
func New(config Config, log *slog.Logger) *Client {
	return &Client{config: config, log: log}
}

// Run subscribes to config.Topic and forwards parsed events onto events
// until ctx is canceled.
func (c *Client) Run(ctx context.Context, events chan<- domain.ParsedEvent) error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURLFor(c.config.Host, c.config.Port)).
		SetClientID(c.config.ClientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.log.Info("mqtt_connected")
		token := client.Subscribe(c.config.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			c.handleMessage(msg, events)
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("mqtt_subscribe_failed", slog.Any("error", err))
			return
		}
		c.log.Info("mqtt_subscribed", slog.String("topic", c.config.Topic), slog.String("host", c.config.Host))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.Error("mqtt_error", slog.Any("error", err))
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}

	<-ctx.Done()
	c.log.Info("mqtt_shutdown")
	c.client.Disconnect(250)
	return nil
}

func (c *Client) handleMessage(msg mqtt.Message, events chan<- domain.ParsedEvent) {
	receivedAt := time.Now()
	parsed := ParseXovisMessage(msg.Payload(), receivedAt)
	if len(parsed) > 0 {
		c.log.Debug("mqtt_message_with_events", slog.String("topic", msg.Topic()), slog.Int("event_count", len(parsed)))
	}
	for _, event := range parsed {
		c.log.Debug("parsed_event", slog.Int64("track_id", event.TrackID), slog.String("event_type", event.Type.String()))
		select {
		case events <- event:
		default:
			c.log.Warn("event_channel_full")
		}
	}
}

func brokerURLFor(host string, port int) string {
	return "tcp://" + host + ":" + strconv.Itoa(port)
}
