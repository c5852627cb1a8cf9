// Package stream publishes applied transitions to a Kafka topic for
// downstream consumers. Publishing is best-effort: a broker outage is
// logged by the caller, never failed into the transition.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"mao/internal/model"
)

// Applied is the record emitted after a transition commits.
type Applied struct {
	OrderID string          `json:"orderId"`
	EventID string          `json:"eventId,omitempty"`
	Type    model.EventType `json:"type"`
	State   model.State     `json:"state"`
	TS      int64           `json:"ts"`
}

type Publisher interface {
	Publish(ctx context.Context, a Applied) error
}

// Nop discards every record; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Applied) error { return nil }

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes applied records keyed by order id so per-order
// ordering survives partitioning.
type KafkaPublisher struct {
	writer kafkaMessageWriter
}

// NewKafkaPublisher creates a publisher. bootstrap can be a comma-separated
// list of host:port.
func NewKafkaPublisher(bootstrap string, topic string) *KafkaPublisher {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, a Applied) error {
	b, err := json.Marshal(&a)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.OrderID), Value: b})
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}
