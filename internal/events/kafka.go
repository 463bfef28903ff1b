package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/meridianpay/settlecore/internal/metrics"
)

// KafkaBus publishes events to a Kafka topic. Messages are keyed by event
// type so per-type ordering is preserved within a partition.
type KafkaBus struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaBus creates a Kafka-backed event bus.
// brokers is a comma-separated list, e.g. "kafka-1:9092,kafka-2:9092".
func NewKafkaBus(brokers, topic string, logger *slog.Logger) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, event Event) {
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "kafka").Inc()

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("event marshal failed", "event_type", event.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Type),
		Value: payload,
	}); err != nil {
		b.logger.Warn("event publish failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
