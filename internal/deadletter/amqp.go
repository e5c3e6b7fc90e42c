package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes records to a durable topic exchange with routing key
// "deadletter.<kind>" so a recovery consumer can bind to what it handles.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPSink dials url and declares exchange.
func NewAMQPSink(url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("deadletter: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("deadletter: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("deadletter: declare %s: %w", exchange, err)
	}

	return &AMQPSink{conn: conn, exchange: exchange, logger: logger}, nil
}

// Record publishes rec as a persistent JSON message.
func (s *AMQPSink) Record(ctx context.Context, rec Record) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("deadletter: channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("deadletter: marshal: %w", err)
	}

	key := RoutingKey(rec.Kind)
	err = ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: rec.EventID,
		Timestamp:     rec.OccurredAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("deadletter: publish %s: %w", key, err)
	}
	s.logger.Info("dead letter published", slog.String("key", key), slog.String("exchange", s.exchange))
	return nil
}

// Close closes the connection.
func (s *AMQPSink) Close() error {
	return s.conn.Close()
}

// RoutingKey returns the topic key records of kind are published under.
func RoutingKey(kind string) string {
	return "deadletter." + kind
}
