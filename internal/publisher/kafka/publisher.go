// Package kafka publishes crawl events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON events to Kafka. The topic is chosen per message,
// so one writer serves both capture and dead-letter topics.
type Publisher struct {
	writer messageWriter
	clock  crawler.Clock
}

// New creates a Publisher for the given brokers.
func New(brokers []string, clock crawler.Clock) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		},
		clock: clock,
	}, nil
}

// NewWithWriter builds a publisher over a custom writer (tests).
func NewWithWriter(writer messageWriter, clock crawler.Clock) *Publisher {
	return &Publisher{writer: writer, clock: clock}
}

// Publish writes payload to topic. Messages are keyed by URL so every event
// for one page lands on the same partition. The returned id is the key.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", errors.New("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafka.Header, 0, len(carrier))
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}

	key := messageKey(payload)
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}
	if p.clock != nil {
		msg.Time = p.clock.Now()
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write to %s: %w", topic, err)
	}
	return key, nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func messageKey(payload any) string {
	switch ev := payload.(type) {
	case crawler.CaptureEvent:
		return ev.URL
	case *crawler.CaptureEvent:
		return ev.URL
	case crawler.DeadLetterEvent:
		return ev.URL
	case *crawler.DeadLetterEvent:
		return ev.URL
	default:
		return ""
	}
}

var _ crawler.Publisher = (*Publisher)(nil)
