package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes outbox messages to Kafka keyed by partition key so
// all events of one escrow land on one partition in order.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("outbox: kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		topicPrefix: topicPrefix,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	msg := kafka.Message{
		Topic: p.topicPrefix + topic,
		Value: payload,
		Time:  time.Now().UTC(),
	}
	if partitionKey != "" {
		msg.Key = []byte(partitionKey)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("outbox: kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher emits messages to the structured log. Used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	p.logger.InfoContext(ctx, "event published",
		"module", "outbox.log_publisher",
		"operation", "publish_event",
		"outcome", "success",
		"topic", topic,
		"partition_key", partitionKey,
		"payload", string(payload),
	)
	return nil
}
