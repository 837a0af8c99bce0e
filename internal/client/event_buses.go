package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// ── NATS JetStream ────────────────────────────────────────────────────────────

// JetStreamBus publishes to a JetStream stream covering quotes.events.>.
type JetStreamBus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewJetStreamBus connects to NATS and makes sure the stream exists.
func NewJetStreamBus(url, stream string) (*JetStreamBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("be-sales-quotes"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if err != nats.ErrStreamNotFound {
			conn.Close()
			return nil, fmt.Errorf("failed to look up stream %s: %w", stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{Subject(">")},
			Storage:  nats.FileStorage,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
		}
	}

	return &JetStreamBus{conn: conn, js: js}, nil
}

func (b *JetStreamBus) Name() string { return "nats" }

func (b *JetStreamBus) Publish(ctx context.Context, subject, key, msgID string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)
	msg.Header.Set("Quote-Id", key)
	_, err := b.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

func (b *JetStreamBus) Close() error {
	return b.conn.Drain()
}

// ── Kafka ─────────────────────────────────────────────────────────────────────

// KafkaBus writes each event to a topic named after its subject.
type KafkaBus struct {
	writer *kafka.Writer
}

// NewKafkaBus creates a writer for brokers. Topics are auto-created.
func NewKafkaBus(brokers []string) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           10 * time.Second,
		},
	}
}

func (b *KafkaBus) Name() string { return "kafka" }

func (b *KafkaBus) Publish(ctx context.Context, subject, key, msgID string, data []byte) error {
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   subject,
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "message-id", Value: []byte(msgID)}},
	})
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

// ── RabbitMQ ──────────────────────────────────────────────────────────────────

// RabbitMQBus publishes persistent messages to a topic exchange with the
// subject as routing key.
type RabbitMQBus struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitMQBus dials url and declares a durable topic exchange.
func NewRabbitMQBus(url, exchange string) (*RabbitMQBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &RabbitMQBus{conn: conn, channel: ch, exchange: exchange}, nil
}

func (b *RabbitMQBus) Name() string { return "rabbitmq" }

// Publish is serialized; an AMQP channel is not safe for concurrent publishers.
func (b *RabbitMQBus) Publish(ctx context.Context, subject, key, msgID string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.channel.PublishWithContext(ctx, b.exchange, subject, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msgID,
		Headers:      amqp.Table{"quote_id": key},
		Timestamp:    time.Now().UTC(),
		Body:         data,
	})
}

func (b *RabbitMQBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.channel.Close(); err != nil {
		return fmt.Errorf("error closing channel: %w", err)
	}
	return b.conn.Close()
}
