// Package alerting is the alert manager: a deduplicating funnel between the
// components that detect problems (monitoring, training, the scheduler) and
// the humans or systems that act on them.
//
// Alerts dedup on DedupKey: raising one whose key already has an ACTIVE alert
// merges into it instead of creating a new record. Sinks fan new alerts out
// to external channels; sink failures are logged and never block persistence.
package alerting

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/bus"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/metrics"
)

// resolveScanLimit caps how many ACTIVE alerts one ResolveActive call
// inspects.
const resolveScanLimit = 1000

// Sink delivers a newly raised alert to an external channel. Merges into an
// existing alert are not redelivered.
type Sink interface {
	Deliver(ctx context.Context, a *catalog.Alert) error
}

// SlogSink writes alerts to the structured log.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Deliver(_ context.Context, a *catalog.Alert) error {
	s.Logger.Warn("alert raised",
		slog.String("alert_id", a.ID),
		slog.String("severity", string(a.Severity)),
		slog.String("source", a.SourceKind),
		slog.String("title", a.Title),
		slog.String("dedup_key", a.DedupKey))

	return nil
}

// BusSink publishes alerts to the event bus.
type BusSink struct {
	Pub bus.Publisher
}

func (s BusSink) Deliver(ctx context.Context, a *catalog.Alert) error {
	return s.Pub.PublishAlertRaised(ctx, bus.AlertRaised{
		EventID:  uuid.NewString(),
		AlertID:  a.ID,
		Severity: string(a.Severity),
		Title:    a.Title,
		DedupKey: a.DedupKey,
		RaisedAt: a.CreatedAt,
	})
}

// Manager owns the alert lifecycle.
type Manager struct {
	cat    catalog.Catalog
	met    *metrics.Set
	logger *slog.Logger
	sinks  []Sink
	now    func() time.Time
}

// New wires the alert manager with zero or more delivery sinks.
func New(cat catalog.Catalog, met *metrics.Set, logger *slog.Logger, sinks ...Sink) *Manager {
	return &Manager{
		cat:    cat,
		met:    met,
		logger: logger,
		sinks:  sinks,
		now:    time.Now,
	}
}

// Raise creates an alert, or merges into the ACTIVE alert that already holds
// its dedup key. Returns the stored alert either way.
func (m *Manager) Raise(ctx context.Context, a *catalog.Alert) (*catalog.Alert, error) {
	if a.Title == "" {
		return nil, fault.Validation("alert title is required")
	}

	if a.DedupKey == "" {
		return nil, fault.Validation("alert dedup key is required")
	}

	if err := catalog.ValidateSeverity(a.Severity); err != nil {
		return nil, err
	}

	existing, err := m.cat.Alerts().FindActiveByDedupKey(ctx, a.DedupKey)
	if err == nil {
		if err := m.cat.Alerts().Merge(ctx, existing.ID, a.Details, m.now().UTC()); err != nil {
			return nil, err
		}

		m.logger.Debug("alert merged",
			slog.String("alert_id", existing.ID),
			slog.String("dedup_key", a.DedupKey))

		return m.cat.Alerts().Get(ctx, existing.ID)
	}

	if !errors.Is(err, fault.ErrNotFound) {
		return nil, err
	}

	cp := *a
	cp.ID = uuid.NewString()

	if err := m.cat.Alerts().Create(ctx, &cp); err != nil {
		return nil, err
	}

	created, err := m.cat.Alerts().Get(ctx, cp.ID)
	if err != nil {
		return nil, err
	}

	m.met.AlertsTotal.WithLabelValues(string(created.Severity)).Inc()

	for _, sink := range m.sinks {
		if err := sink.Deliver(ctx, created); err != nil {
			m.logger.Error("alert sink delivery failed",
				slog.String("alert_id", created.ID),
				slog.String("error", err.Error()))
		}
	}

	return created, nil
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (m *Manager) Acknowledge(ctx context.Context, id string) error {
	return m.cat.Alerts().PatchState(ctx, id, catalog.AlertActive, catalog.AlertAcknowledged)
}

// Resolve closes an alert from ACTIVE or ACKNOWLEDGED.
func (m *Manager) Resolve(ctx context.Context, id string) error {
	return m.transition(ctx, id, catalog.AlertResolved)
}

// Dismiss closes an alert as not actionable.
func (m *Manager) Dismiss(ctx context.Context, id string) error {
	return m.transition(ctx, id, catalog.AlertDismissed)
}

func (m *Manager) transition(ctx context.Context, id string, to catalog.AlertStatus) error {
	a, err := m.cat.Alerts().Get(ctx, id)
	if err != nil {
		return err
	}

	return m.cat.Alerts().PatchState(ctx, id, a.Status, to)
}

// ResolveActive resolves every ACTIVE alert whose dedup key starts with the
// prefix. Monitoring uses it to auto-close alerts once a metric recovers.
func (m *Manager) ResolveActive(ctx context.Context, dedupPrefix string) (int, error) {
	active, err := m.cat.Alerts().List(ctx,
		catalog.AlertFilter{Status: catalog.AlertActive},
		catalog.Page{Limit: resolveScanLimit})
	if err != nil {
		return 0, err
	}

	resolved := 0

	for _, a := range active {
		if !strings.HasPrefix(a.DedupKey, dedupPrefix) {
			continue
		}

		if err := m.cat.Alerts().PatchState(ctx, a.ID, catalog.AlertActive, catalog.AlertResolved); err != nil {
			m.logger.Error("auto-resolving alert",
				slog.String("alert_id", a.ID),
				slog.String("error", err.Error()))

			continue
		}

		resolved++
	}

	if resolved > 0 {
		m.logger.Info("alerts auto-resolved",
			slog.String("dedup_prefix", dedupPrefix),
			slog.Int("count", resolved))
	}

	return resolved, nil
}
