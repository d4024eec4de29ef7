package storage

import (
	"context"
	"time"

	"github.com/modelplane-io/modelplane/internal/catalog"
)

// pgMetrics is the PostgreSQL catalog.MetricStore. Drift and bias rows live
// in separate tables; RecentStatuses unions them because hysteresis does not
// care which family the identity belongs to.
type pgMetrics struct {
	p *Postgres
}

func (s *pgMetrics) InsertDrift(ctx context.Context, m *catalog.DriftMetric) error {
	_, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO drift_metrics (
			id, model_id, kind, feature, metric_name, value, status,
			window_start, window_end, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		m.ID, m.ModelID, m.Kind, m.Feature, m.MetricName, m.Value, m.Status,
		m.WindowStart, m.WindowEnd, m.ComputedAt,
	)

	return classify(err, "inserting drift metric")
}

func (s *pgMetrics) InsertBias(ctx context.Context, m *catalog.BiasMetric) error {
	_, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO bias_metrics (
			id, model_id, attribute, metric_name, value, status,
			window_start, window_end, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		m.ID, m.ModelID, m.Attribute, m.MetricName, m.Value, m.Status,
		m.WindowStart, m.WindowEnd, m.ComputedAt,
	)

	return classify(err, "inserting bias metric")
}

func (s *pgMetrics) ListDrift(ctx context.Context, w catalog.MetricWindow, page catalog.Page) ([]*catalog.DriftMetric, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT id, model_id, kind, feature, metric_name, value, status,
		       window_start, window_end, computed_at
		FROM drift_metrics
		WHERE ($1 = '' OR model_id = $1)
		  AND ($2::timestamptz IS NULL OR computed_at >= $2)
		  AND ($3::timestamptz IS NULL OR computed_at < $3)
		ORDER BY computed_at
		OFFSET $4 LIMIT $5
	`, w.ModelID, nullZeroTime(w.From), nullZeroTime(w.To), page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing drift metrics")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.DriftMetric

	for rows.Next() {
		var m catalog.DriftMetric

		err := rows.Scan(
			&m.ID, &m.ModelID, &m.Kind, &m.Feature, &m.MetricName, &m.Value,
			&m.Status, &m.WindowStart, &m.WindowEnd, &m.ComputedAt,
		)
		if err != nil {
			return nil, classify(err, "scanning drift metric")
		}

		out = append(out, &m)
	}

	return out, classify(rows.Err(), "listing drift metrics")
}

func (s *pgMetrics) ListBias(ctx context.Context, w catalog.MetricWindow, page catalog.Page) ([]*catalog.BiasMetric, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT id, model_id, attribute, metric_name, value, status,
		       window_start, window_end, computed_at
		FROM bias_metrics
		WHERE ($1 = '' OR model_id = $1)
		  AND ($2::timestamptz IS NULL OR computed_at >= $2)
		  AND ($3::timestamptz IS NULL OR computed_at < $3)
		ORDER BY computed_at
		OFFSET $4 LIMIT $5
	`, w.ModelID, nullZeroTime(w.From), nullZeroTime(w.To), page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing bias metrics")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.BiasMetric

	for rows.Next() {
		var m catalog.BiasMetric

		err := rows.Scan(
			&m.ID, &m.ModelID, &m.Attribute, &m.MetricName, &m.Value,
			&m.Status, &m.WindowStart, &m.WindowEnd, &m.ComputedAt,
		)
		if err != nil {
			return nil, classify(err, "scanning bias metric")
		}

		out = append(out, &m)
	}

	return out, classify(rows.Err(), "listing bias metrics")
}

// RecentStatuses returns the newest-first status history for one metric
// identity across both metric families. The identity is "<feature>:<metric>"
// for drift rows and "<attribute>:<metric>" for bias rows.
func (s *pgMetrics) RecentStatuses(ctx context.Context, modelID, identity string, n int) ([]catalog.MetricStatus, error) {
	if n <= 0 {
		n = 1
	}

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT status, computed_at FROM drift_metrics
		WHERE model_id = $1 AND feature || ':' || metric_name = $2
		UNION ALL
		SELECT status, computed_at FROM bias_metrics
		WHERE model_id = $1 AND attribute || ':' || metric_name = $2
		ORDER BY computed_at DESC
		LIMIT $3
	`, modelID, identity, n)
	if err != nil {
		return nil, classify(err, "listing recent statuses")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []catalog.MetricStatus

	for rows.Next() {
		var (
			status catalog.MetricStatus
			at     time.Time
		)

		if err := rows.Scan(&status, &at); err != nil {
			return nil, classify(err, "scanning recent status")
		}

		out = append(out, status)
	}

	return out, classify(rows.Err(), "listing recent statuses")
}
