package egress

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// journeysExchange is the fanout exchange completed journeys broadcast on,
// so any number of downstream consumers (fraud review, analytics, a local
// dashboard) can bind their own queue without the gateway knowing about them.
const journeysExchange = "gateway.journeys"

// RabbitBroadcaster publishes completed journeys to a fanout exchange.
// It is best-effort: a failed publish is logged and the journey is dropped,
// not retried.
type RabbitBroadcaster struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *slog.Logger
}

// ConnectRabbit dials user@host:port and declares the journeys fanout
// exchange, mirroring the connect-then-declare sequence used for the
// teacher's order-event exchanges.
func ConnectRabbit(user, pass, host, port string, log *slog.Logger) (*RabbitBroadcaster, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(journeysExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange: %w", err)
	}

	log.Info("rabbitmq_connected", slog.String("exchange", journeysExchange))
	return &RabbitBroadcaster{conn: conn, ch: ch, log: log}, nil
}

// Publish broadcasts a journey's JSON body to the fanout exchange. Errors
// are logged, not returned — a broker hiccup must not block journey
// completion on the tracker's behalf.
func (b *RabbitBroadcaster) Publish(ctx context.Context, jid string, body []byte) {
	err := b.ch.PublishWithContext(ctx, journeysExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		b.log.Warn("rabbitmq_publish_failed", slog.String("jid", jid), slog.Any("error", err))
		return
	}
	b.log.Debug("rabbitmq_journey_published", slog.String("jid", jid))
}

// Close shuts down the channel and connection.
func (b *RabbitBroadcaster) Close() error {
	if err := b.ch.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}
