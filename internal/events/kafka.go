package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/dealroom/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes events to a Kafka topic, keyed by the event key so
// that one room or user stays ordered within a partition.
type KafkaEmitter struct {
	writer messageWriter
	topic  string
}

// NewKafkaEmitter creates an emitter writing to topic on brokers.
func NewKafkaEmitter(brokers []string, topic string) (*KafkaEmitter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka emitter requires at least one broker")
	}
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		topic: topic,
	}, nil
}

func (k *KafkaEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(ev.Key),
		Value: payload,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Name)},
		},
	})
	if err != nil {
		metrics.EventsEmittedTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("publish event %s: %w", ev.Name, err)
	}
	metrics.EventsEmittedTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}

// Close flushes pending messages.
func (k *KafkaEmitter) Close() error {
	return k.writer.Close()
}
