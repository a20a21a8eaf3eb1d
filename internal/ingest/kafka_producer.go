package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/freight-marketplace/internal/models"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes operator positions and user notifications to
// separate topics, keyed by operator and user id respectively.
type KafkaProducer struct {
	positions     MessageWriter
	notifications MessageWriter
	timeout       time.Duration
}

func NewKafkaProducer(brokers []string, positionsTopic, notificationsTopic string) *KafkaProducer {
	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	}
	return NewKafkaProducerWithWriters(newWriter(positionsTopic), newWriter(notificationsTopic))
}

// NewKafkaProducerWithWriters is used by tests to inject fake writers.
func NewKafkaProducerWithWriters(positions, notifications MessageWriter) *KafkaProducer {
	return &KafkaProducer{positions: positions, notifications: notifications, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, ev models.PositionEvent) error {
	return k.publish(ctx, k.positions, strconv.FormatInt(ev.OperatorID, 10), ev)
}

func (k *KafkaProducer) PublishNotification(ctx context.Context, n models.Notification) error {
	return k.publish(ctx, k.notifications, strconv.FormatInt(n.UserID, 10), n)
}

func (k *KafkaProducer) publish(ctx context.Context, w MessageWriter, key string, v any) error {
	if w == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest.KafkaProducer: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("ingest.KafkaProducer: write: %w", err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []MessageWriter{k.positions, k.notifications} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
