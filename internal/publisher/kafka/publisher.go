// Package kafka publishes ingestion events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/harvester/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Keyed payloads choose their partition key. Other payloads are written without a key.
type Keyed interface {
	PartitionKey() string
}

// Publisher writes JSON payloads with a message id header.
type Publisher struct {
	writer messageWriter
	ids    crawler.IDGenerator
}

// New builds a Publisher writing to brokers. The topic is chosen per message.
func New(brokers []string, ids crawler.IDGenerator) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newWithWriter(w, ids), nil
}

func newWithWriter(w messageWriter, ids crawler.IDGenerator) *Publisher {
	return &Publisher{writer: w, ids: ids}
}

// Publish writes payload to topic and returns the generated message id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("message id: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Value: data,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(id)},
			{Key: "content_type", Value: []byte("application/json")},
		},
	}
	if k, ok := payload.(Keyed); ok {
		msg.Key = []byte(k.PartitionKey())
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return id, nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
