package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgModels is the PostgreSQL catalog.ModelStore. The promotion transaction
// is the critical section of the whole control plane: it demotes the current
// PRODUCTION model and promotes the target under a single transaction with
// row locks, and the partial unique index uq_models_one_production backs it
// up at the storage level.
type pgModels struct {
	p *Postgres
}

func (s *pgModels) Create(ctx context.Context, m *catalog.Model) error {
	query := `
		INSERT INTO models (
			id, algorithm, hyperparams, feature_set_id, schema_hash,
			metrics, importance, feature_names, native_ref, portable_ref,
			checksum, status, archived_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'TRAINED', '', NOW(), NOW())
	`

	_, err := s.p.conn.ExecContext(ctx, query,
		m.ID, m.Algorithm, mustJSON(m.Hyperparams), m.FeatureSetID, m.SchemaHash,
		mustJSON(m.Metrics), mustJSON(m.Importance), mustJSON(m.FeatureNames),
		m.NativeRef, m.PortableRef, m.Checksum,
	)
	if err != nil {
		return classify(err, "registering model")
	}

	s.p.publish(catalog.ChangeModel, m.ID, string(catalog.ModelTrained))

	return nil
}

const modelColumns = `
	id, algorithm, hyperparams, feature_set_id, schema_hash,
	metrics, importance, feature_names, native_ref, portable_ref,
	checksum, status, archived_reason, promoted_at, created_at, updated_at
`

func scanModel(row interface{ Scan(...any) error }) (*catalog.Model, error) {
	var (
		m                                       catalog.Model
		hyperRaw, metricsRaw, impRaw, namesRaw []byte
		promotedAt                             sql.NullTime
	)

	err := row.Scan(
		&m.ID, &m.Algorithm, &hyperRaw, &m.FeatureSetID, &m.SchemaHash,
		&metricsRaw, &impRaw, &namesRaw, &m.NativeRef, &m.PortableRef,
		&m.Checksum, &m.Status, &m.ArchivedReason, &promotedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.PromotedAt = timePtr(promotedAt)

	if m.Hyperparams, err = fromJSON[map[string]float64](hyperRaw); err != nil {
		return nil, fault.Internal(err, "decoding hyperparams")
	}

	if m.Metrics, err = fromJSON[map[string]float64](metricsRaw); err != nil {
		return nil, fault.Internal(err, "decoding metrics")
	}

	if m.Importance, err = fromJSON[map[string]float64](impRaw); err != nil {
		return nil, fault.Internal(err, "decoding importance")
	}

	if m.FeatureNames, err = fromJSON[[]string](namesRaw); err != nil {
		return nil, fault.Internal(err, "decoding feature names")
	}

	return &m, nil
}

func (s *pgModels) Get(ctx context.Context, id string) (*catalog.Model, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = $1`, id)

	m, err := scanModel(row)
	if err != nil {
		return nil, classify(err, "getting model")
	}

	return m, nil
}

func (s *pgModels) List(ctx context.Context, filter catalog.ModelFilter, page catalog.Page) ([]*catalog.Model, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+modelColumns+`
		FROM models
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR algorithm = $2)
		ORDER BY created_at
		OFFSET $3 LIMIT $4
	`, string(filter.Status), filter.Algorithm, page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing models")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Model

	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, classify(err, "scanning model")
		}

		out = append(out, m)
	}

	return out, classify(rows.Err(), "listing models")
}

func (s *pgModels) PatchState(ctx context.Context, id string, from, to catalog.ModelStatus, reason string) error {
	if err := catalog.ValidateModelTransition(from, to); err != nil {
		return err
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE models SET
			status = $1,
			archived_reason = CASE WHEN $1 = 'ARCHIVED' THEN $2 ELSE archived_reason END,
			promoted_at = CASE WHEN $1 = 'PRODUCTION' THEN NOW() ELSE promoted_at END,
			updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, to, reason, id, from)
	if err != nil {
		return classify(err, "patching model state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching model state")
	}

	if affected == 0 {
		return fault.Conflict("model %s was not in state %s", id, from)
	}

	s.p.publish(catalog.ChangeModel, id, string(to))

	return nil
}

// PromoteToProduction performs the promotion transaction: verify the target
// is STAGING (or ARCHIVED, for re-promotion), archive the current PRODUCTION
// model (if any) with reason "superseded", promote the target, stamp
// promoted_at. All writes commit together or not at all.
func (s *pgModels) PromoteToProduction(ctx context.Context, id string) (string, error) {
	tx, err := s.p.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", classify(err, "starting promotion transaction")
	}

	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	var status catalog.ModelStatus

	err = tx.QueryRowContext(ctx,
		`SELECT status FROM models WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fault.NotFound("model %s", id)
	}

	if err != nil {
		return "", classify(err, "locking promotion target")
	}

	if status != catalog.ModelStaging && status != catalog.ModelArchived {
		return "", fault.Conflict("model %s is %s, promotion requires STAGING", id, status)
	}

	var demoted sql.NullString

	err = tx.QueryRowContext(ctx, `
		UPDATE models SET status = 'ARCHIVED', archived_reason = 'superseded', updated_at = NOW()
		WHERE status = 'PRODUCTION' AND id <> $1
		RETURNING id
	`, id).Scan(&demoted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", classify(err, "demoting production model")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE models SET status = 'PRODUCTION', promoted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, status)
	if err != nil {
		return "", classify(err, "promoting model")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", classify(err, "promoting model")
	}

	if affected == 0 {
		return "", fault.Conflict("model %s changed state during promotion", id)
	}

	if err := tx.Commit(); err != nil {
		return "", classify(err, "committing promotion")
	}

	if demoted.Valid {
		s.p.publish(catalog.ChangeModel, demoted.String, string(catalog.ModelArchived))
	}

	s.p.publish(catalog.ChangeModel, id, string(catalog.ModelProduction))

	s.p.logger.Info("model promoted to production",
		slog.String("model_id", id),
		slog.String("demoted", demoted.String),
	)

	return demoted.String, nil
}

func (s *pgModels) CurrentProduction(ctx context.Context) (*catalog.Model, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE status = 'PRODUCTION'`)

	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFound("no model in production")
		}

		return nil, classify(err, "getting production model")
	}

	return m, nil
}

func (s *pgModels) SetBaseline(ctx context.Context, b *catalog.Baseline) error {
	if err := catalog.ValidateOperator(b.Operator); err != nil {
		return err
	}

	// Unique on (model_id, metric_name): upsert replaces the threshold.
	_, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO baselines (id, model_id, metric_name, threshold, operator, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (model_id, metric_name)
		DO UPDATE SET threshold = EXCLUDED.threshold, operator = EXCLUDED.operator
	`, b.ID, b.ModelID, b.MetricName, b.Threshold, b.Operator)

	return classify(err, "setting baseline")
}

func (s *pgModels) Baselines(ctx context.Context, modelID string) ([]*catalog.Baseline, error) {
	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT id, model_id, metric_name, threshold, operator, created_at
		FROM baselines WHERE model_id = $1
		ORDER BY metric_name
	`, modelID)
	if err != nil {
		return nil, classify(err, "listing baselines")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Baseline

	for rows.Next() {
		var b catalog.Baseline

		err := rows.Scan(&b.ID, &b.ModelID, &b.MetricName, &b.Threshold, &b.Operator, &b.CreatedAt)
		if err != nil {
			return nil, classify(err, "scanning baseline")
		}

		out = append(out, &b)
	}

	return out, classify(rows.Err(), "listing baselines")
}
