package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// writer is the subset of kafka.Writer the publisher needs. Tests substitute
// an in-memory fake.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events through a single kafka.Writer; the topic is set per
// message so one writer covers all three topics.
type Kafka struct {
	w      writer
	logger *slog.Logger
}

var _ Publisher = (*Kafka)(nil)

// NewKafka creates a publisher writing to the given brokers.
func NewKafka(brokers []string, logger *slog.Logger) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (k *Kafka) PublishModelActivated(ctx context.Context, e ModelActivated) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	return k.publish(ctx, TopicModelActivated, e.ModelID, e.EventID, e)
}

func (k *Kafka) PublishAlertRaised(ctx context.Context, e AlertRaised) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	return k.publish(ctx, TopicAlertRaised, e.AlertID, e.EventID, e)
}

func (k *Kafka) PublishJobStateChanged(ctx context.Context, e JobStateChanged) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	return k.publish(ctx, TopicJobStateChanged, e.JobID, e.EventID, e)
}

// publish marshals the event and writes it keyed by the entity id, so all
// events for one entity land on one partition and are consumed in order.
func (k *Kafka) publish(ctx context.Context, topic, key, eventID string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fault.Internal(err, "marshaling %s event", topic)
	}

	err = k.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(eventID)},
		},
	})
	if err != nil {
		return fault.Unavailable(err, "publishing to %s", topic)
	}

	k.logger.Debug("event published",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.String("event_id", eventID))

	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
