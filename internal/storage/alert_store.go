package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgAlerts is the PostgreSQL catalog.AlertStore. The partial unique index
// uq_alerts_active_dedup on alerts(dedup_key) WHERE status = 'ACTIVE' makes
// the find-or-merge race safe: a concurrent duplicate insert fails with a
// constraint violation and the caller retries the merge path.
type pgAlerts struct {
	p *Postgres
}

const alertColumns = `
	id, source_kind, source_ref, severity, title, details, dedup_key,
	status, occurrences, created_at, last_seen_at, acknowledged_at, resolved_at
`

func (s *pgAlerts) Create(ctx context.Context, a *catalog.Alert) error {
	_, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO alerts (
			id, source_kind, source_ref, severity, title, details, dedup_key,
			status, occurrences, created_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'ACTIVE', 1, NOW(), NOW())
	`, a.ID, a.SourceKind, a.SourceRef, a.Severity, a.Title, a.Details, a.DedupKey)
	if err != nil {
		return classify(err, "creating alert")
	}

	s.p.publish(catalog.ChangeAlert, a.ID, string(catalog.AlertActive))

	return nil
}

func (s *pgAlerts) scan(row interface{ Scan(...any) error }) (*catalog.Alert, error) {
	var (
		a            catalog.Alert
		ackAt, resAt sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.SourceKind, &a.SourceRef, &a.Severity, &a.Title, &a.Details,
		&a.DedupKey, &a.Status, &a.Occurrences, &a.CreatedAt, &a.LastSeenAt,
		&ackAt, &resAt,
	)
	if err != nil {
		return nil, err
	}

	a.AcknowledgedAt = timePtr(ackAt)
	a.ResolvedAt = timePtr(resAt)

	return &a, nil
}

func (s *pgAlerts) Get(ctx context.Context, id string) (*catalog.Alert, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)

	a, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "getting alert")
	}

	return a, nil
}

func (s *pgAlerts) FindActiveByDedupKey(ctx context.Context, key string) (*catalog.Alert, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE dedup_key = $1 AND status = 'ACTIVE'`, key)

	a, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "finding active alert")
	}

	return a, nil
}

func (s *pgAlerts) Merge(ctx context.Context, id string, details string, seenAt time.Time) error {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE alerts SET
			details = $1, last_seen_at = $2, occurrences = occurrences + 1
		WHERE id = $3 AND status = 'ACTIVE'
	`, details, seenAt, id)
	if err != nil {
		return classify(err, "merging alert")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "merging alert")
	}

	if affected == 0 {
		return fault.Conflict("alert %s is not ACTIVE", id)
	}

	return nil
}

func (s *pgAlerts) List(ctx context.Context, filter catalog.AlertFilter, page catalog.Page) ([]*catalog.Alert, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR severity = $2)
		  AND ($3 = '' OR source_ref = $3)
		ORDER BY created_at
		OFFSET $4 LIMIT $5
	`, string(filter.Status), string(filter.Severity), filter.SourceRef,
		page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing alerts")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Alert

	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning alert")
		}

		out = append(out, a)
	}

	return out, classify(rows.Err(), "listing alerts")
}

func (s *pgAlerts) PatchState(ctx context.Context, id string, from, to catalog.AlertStatus) error {
	if err := catalog.ValidateAlertTransition(from, to); err != nil {
		return err
	}

	if from == to {
		return nil
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE alerts SET
			status = $1,
			acknowledged_at = CASE WHEN $1 = 'ACKNOWLEDGED' THEN NOW() ELSE acknowledged_at END,
			resolved_at = CASE WHEN $1 IN ('RESOLVED', 'DISMISSED') THEN NOW() ELSE resolved_at END
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return classify(err, "patching alert state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching alert state")
	}

	if affected == 0 {
		return fault.Conflict("alert %s was not in state %s", id, from)
	}

	s.p.publish(catalog.ChangeAlert, id, string(to))

	return nil
}
