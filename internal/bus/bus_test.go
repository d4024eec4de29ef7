package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane-io/modelplane/internal/fault"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.messages = append(f.messages, msgs...)

	return nil
}

func (f *fakeWriter) Close() error { return nil }

func newTestPublisher(w writer) *Kafka {
	return &Kafka{w: w, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestKafkaPublishModelActivated(t *testing.T) {
	fake := &fakeWriter{}
	pub := newTestPublisher(fake)

	err := pub.PublishModelActivated(context.Background(), ModelActivated{
		EventID:     "evt-1",
		ModelID:     "model-1",
		SchemaHash:  "abc123",
		PortableRef: "model_portable/xyz",
		PromotedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, fake.messages, 1)

	msg := fake.messages[0]
	assert.Equal(t, TopicModelActivated, msg.Topic)
	assert.Equal(t, "model-1", string(msg.Key))

	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "event-id", msg.Headers[0].Key)
	assert.Equal(t, "evt-1", string(msg.Headers[0].Value))

	var decoded ModelActivated
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "model-1", decoded.ModelID)
	assert.Equal(t, "abc123", decoded.SchemaHash)
}

func TestKafkaPublishAssignsEventID(t *testing.T) {
	fake := &fakeWriter{}
	pub := newTestPublisher(fake)

	err := pub.PublishJobStateChanged(context.Background(), JobStateChanged{
		JobID: "job-1",
		Kind:  "train",
		State: "COMPLETED",
	})
	require.NoError(t, err)
	require.Len(t, fake.messages, 1)
	assert.NotEmpty(t, string(fake.messages[0].Headers[0].Value))
}

func TestKafkaPublishBrokerDownIsUnavailable(t *testing.T) {
	fake := &fakeWriter{err: errors.New("broker unreachable")}
	pub := newTestPublisher(fake)

	err := pub.PublishAlertRaised(context.Background(), AlertRaised{AlertID: "a-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrUpstreamUnavailable))
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = Noop{}

	assert.NoError(t, pub.PublishModelActivated(context.Background(), ModelActivated{}))
	assert.NoError(t, pub.PublishAlertRaised(context.Background(), AlertRaised{}))
	assert.NoError(t, pub.PublishJobStateChanged(context.Background(), JobStateChanged{}))
	assert.NoError(t, pub.Close())
}

func TestDedupSeen(t *testing.T) {
	d := NewDedup(time.Minute)

	assert.False(t, d.Seen("evt-1"), "first delivery must not be deduped")
	assert.True(t, d.Seen("evt-1"), "redelivery must be deduped")
	assert.False(t, d.Seen("evt-2"))
}

func TestDedupExpiry(t *testing.T) {
	d := NewDedup(time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("evt-1"))

	now = now.Add(2 * time.Minute)

	assert.False(t, d.Seen("evt-1"), "expired entry must be forgotten")
}

func TestLoadConfigDisabledByDefault(t *testing.T) {
	t.Setenv("BUS_ENABLED", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	pub := NewPublisher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, ok := pub.(Noop)
	assert.True(t, ok)
}

func TestLoadConfigBrokerList(t *testing.T) {
	t.Setenv("BUS_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers)
}
