package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/geotrack/geotrack/pkg"
)

// LocationMessage is the fanout payload
type LocationMessage struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	Latitude  float64   `json:"latitude,omitempty"`
	Longitude float64   `json:"longitude,omitempty"`
	Accuracy  float64   `json:"accuracy_meters,omitempty"`
	IsOnline  bool      `json:"is_online"`
	Timestamp time.Time `json:"timestamp"`
}

// AMQPBroadcaster publishes position and status changes to a fanout exchange
// so other services see agents move without polling the store
type AMQPBroadcaster struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPBroadcaster dials the broker and declares the durable fanout exchange
func NewAMQPBroadcaster(url, exchange string) (*AMQPBroadcaster, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPBroadcaster{conn: conn, exchange: exchange, ch: ch}, nil
}

// Close closes the channel and connection
func (b *AMQPBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	return b.conn.Close()
}

func (b *AMQPBroadcaster) publish(ctx context.Context, msg LocationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ch == nil || b.ch.IsClosed() {
		ch, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to reopen channel: %v: %w", err, pkg.ErrNetwork)
		}
		b.ch = ch
	}

	err = b.ch.PublishWithContext(ctx,
		b.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   msg.Timestamp,
		})
	if err != nil {
		return fmt.Errorf("failed to publish: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// Upsert implements PositionSink
func (b *AMQPBroadcaster) Upsert(ctx context.Context, p pkg.AgentPosition) error {
	return b.publish(ctx, LocationMessage{
		Type:      "location_update",
		AgentID:   p.AgentID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		IsOnline:  p.IsOnline,
		Timestamp: p.LastPing,
	})
}

// SetOffline implements PositionSink
func (b *AMQPBroadcaster) SetOffline(ctx context.Context, agentID string) error {
	return b.publish(ctx, LocationMessage{
		Type:      "status_update",
		AgentID:   agentID,
		IsOnline:  false,
		Timestamp: time.Now(),
	})
}
