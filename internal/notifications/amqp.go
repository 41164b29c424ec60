package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange notification requests are published on.
const DefaultExchange = "postmaster.events"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPNotifier publishes requests as persistent JSON messages on a topic
// exchange, routed by RoutingKey.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  amqpChannel
	exchange string
}

// NewAMQPNotifier connects to url and declares the exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPNotifier{conn: conn, channel: ch, exchange: exchange}, nil
}

func newAMQPNotifier(ch amqpChannel, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPNotifier{channel: ch, exchange: exchange}
}

// Send implements Notifier.
func (n *AMQPNotifier) Send(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel == nil {
		return fmt.Errorf("amqp notifier closed")
	}
	err = n.channel.PublishWithContext(ctx, n.exchange, req.RoutingKey(), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    req.ID,
		Timestamp:    req.CreatedAt,
		Type:         string(req.Event),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish notification %s: %w", req.ID, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is still alive.
func (n *AMQPNotifier) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel == nil {
		return false
	}
	return n.conn == nil || !n.conn.IsClosed()
}

// Close releases the channel and the connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var err error
	if n.channel != nil {
		err = n.channel.Close()
		n.channel = nil
	}
	if n.conn != nil {
		if cerr := n.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		n.conn = nil
	}
	return err
}
