package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// notificationMessage is the JSON body published for every event
type notificationMessage struct {
	Room      string      `json:"room"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RabbitMQNotifier publishes events to a durable topic exchange. The routing
// key is the event name; the room travels in the body and in a header so
// consumers can bind per event and fan out per room.
type RabbitMQNotifier struct {
	url      string
	exchange string
	logger   *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitMQNotifier dials the broker and declares the exchange
func NewRabbitMQNotifier(url, exchange string, logger *logrus.Logger) (*RabbitMQNotifier, error) {
	n := &RabbitMQNotifier{
		url:      url,
		exchange: exchange,
		logger:   logger,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.connectLocked(); err != nil {
		return nil, err
	}
	return n, nil
}

// connectLocked (re)opens the connection and channel; n.mu must be held
func (n *RabbitMQNotifier) connectLocked() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}

	if err := ch.ExchangeDeclare(
		n.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: exchange declare failed: %w", err)
	}

	n.conn = conn
	n.channel = ch
	return nil
}

// Publish sends one persistent JSON message. A closed connection is
// re-dialled once before giving up.
func (n *RabbitMQNotifier) Publish(ctx context.Context, room, event string, payload interface{}) error {
	body, err := json.Marshal(notificationMessage{
		Room:      room,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event failed: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil || n.conn.IsClosed() || n.channel == nil || n.channel.IsClosed() {
		n.logger.WithField("exchange", n.exchange).Warn("RabbitMQ connection closed, reconnecting")
		if err := n.connectLocked(); err != nil {
			return err
		}
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"room": room},
		Body:         body,
	}

	if err := n.channel.PublishWithContext(ctx,
		n.exchange, // exchange
		event,      // routing key
		false,      // mandatory
		false,      // immediate
		pub,
	); err != nil {
		return fmt.Errorf("rabbitmq: publish failed: %w", err)
	}

	return nil
}

// Close closes the channel and connection
func (n *RabbitMQNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
