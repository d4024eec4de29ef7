// Package bus publishes control-plane events to Kafka. Delivery is
// at-least-once; every event carries a unique id so consumers can deduplicate.
//
// The bus is optional: when disabled the Noop publisher is wired in and every
// publish is a cheap no-op. Nothing in the control plane depends on the bus
// for correctness: the metadata catalog is the source of truth, the bus only
// fans events out to external consumers.
package bus

import (
	"context"
	"time"
)

// Topic names.
const (
	TopicModelActivated  = "model.activated"
	TopicAlertRaised     = "alert.raised"
	TopicJobStateChanged = "job.state_changed"
)

// ModelActivated announces a new PRODUCTION model. Carries everything an
// inference consumer needs to bind to the model without a catalog read.
type ModelActivated struct {
	EventID     string    `json:"eventId"`
	ModelID     string    `json:"modelId"`
	SchemaHash  string    `json:"schemaHash"`
	PortableRef string    `json:"portableRef"`
	PromotedAt  time.Time `json:"promotedAt"`
}

// AlertRaised announces a new or merged alert.
type AlertRaised struct {
	EventID  string    `json:"eventId"`
	AlertID  string    `json:"alertId"`
	Severity string    `json:"severity"`
	Title    string    `json:"title"`
	DedupKey string    `json:"dedupKey"`
	RaisedAt time.Time `json:"raisedAt"`
}

// JobStateChanged announces a job lifecycle transition.
type JobStateChanged struct {
	EventID   string    `json:"eventId"`
	JobID     string    `json:"jobId"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changedAt"`
}

// Publisher is the event emission contract. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishModelActivated(ctx context.Context, e ModelActivated) error
	PublishAlertRaised(ctx context.Context, e AlertRaised) error
	PublishJobStateChanged(ctx context.Context, e JobStateChanged) error
	Close() error
}

// Noop is the Publisher used when the bus is disabled.
type Noop struct{}

var _ Publisher = Noop{}

func (Noop) PublishModelActivated(context.Context, ModelActivated) error   { return nil }
func (Noop) PublishAlertRaised(context.Context, AlertRaised) error         { return nil }
func (Noop) PublishJobStateChanged(context.Context, JobStateChanged) error { return nil }
func (Noop) Close() error                                                  { return nil }
