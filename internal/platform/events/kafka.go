package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a single Kafka topic. Messages are
// keyed by resource id so events for one cycle stay on one partition.
// Writes are asynchronous: Publish returns once the message is queued and
// delivery failures are logged by the writer's completion callback.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

// kafkaBatchTimeout bounds how long a queued event waits for batch mates.
// kafka-go waits a full second when this is zero.
const kafkaBatchTimeout = 10 * time.Millisecond

// NewKafkaPublisher creates an asynchronous writer for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           kafkaBatchTimeout,
			Async:                  true,
			Completion:             deliveryLogger(logger, topic),
		},
		timeout: 10 * time.Second,
	}
}

// deliveryLogger reports asynchronous write failures.
func deliveryLogger(logger zerolog.Logger, topic string) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Error().Err(err).
				Str("topic", topic).
				Str("key", string(m.Key)).
				Msg("kafka event delivery failed")
		}
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.ResourceType + "/" + event.ResourceID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if event.ClinicID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "clinic-id", Value: []byte(event.ClinicID)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s to kafka: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
