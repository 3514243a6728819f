package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSink publishes order events to a durable topic exchange with the
// routing key "order.<kind>".
type RabbitMQSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func NewRabbitMQSink(url, exchange string) (*RabbitMQSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("notify: failed to declare exchange %s: %w", exchange, err)
	}

	return &RabbitMQSink{conn: conn, channel: ch, exchange: exchange}, nil
}

func RoutingKey(kind Kind) string {
	return "order." + string(kind)
}

func (s *RabbitMQSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: failed to encode event: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		ContentType:  "application/json",
		MessageId:    ev.ID.String(),
		Type:         string(ev.Kind),
		Body:         body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(ev.Kind), false, false, msg)
}

func (s *RabbitMQSink) Close() error {
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			return err
		}
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
