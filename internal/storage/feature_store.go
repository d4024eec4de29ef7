package storage

import (
	"context"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgFeatureSets is the PostgreSQL catalog.FeatureSetStore. A foreign key
// with ON DELETE CASCADE ties feature sets to their dataset; a RESTRICT
// foreign key from models blocks deletion while referenced.
type pgFeatureSets struct {
	p *Postgres
}

func (s *pgFeatureSets) Create(ctx context.Context, fs *catalog.FeatureSet) error {
	query := `
		INSERT INTO feature_sets (
			id, dataset_id, config, all_features, selected_features, scores,
			schema_hash, artifact_ref, status, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`

	_, err := s.p.conn.ExecContext(ctx, query,
		fs.ID, fs.DatasetID, mustJSON(fs.Config), mustJSON(fs.AllFeatures),
		mustJSON(fs.SelectedFeatures), mustJSON(fs.Scores),
		fs.SchemaHash, fs.ArtifactRef, fs.Status, fs.Error,
	)

	return classify(err, "creating feature set")
}

const featureSetColumns = `
	id, dataset_id, config, all_features, selected_features, scores,
	schema_hash, artifact_ref, status, error, created_at, updated_at
`

func (s *pgFeatureSets) scan(row interface{ Scan(...any) error }) (*catalog.FeatureSet, error) {
	var (
		fs                                      catalog.FeatureSet
		configRaw, allRaw, selectedRaw, scoreRaw []byte
	)

	err := row.Scan(
		&fs.ID, &fs.DatasetID, &configRaw, &allRaw, &selectedRaw, &scoreRaw,
		&fs.SchemaHash, &fs.ArtifactRef, &fs.Status, &fs.Error, &fs.CreatedAt, &fs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if fs.Config, err = fromJSON[catalog.FeatureConfig](configRaw); err != nil {
		return nil, fault.Internal(err, "decoding feature config")
	}

	if fs.AllFeatures, err = fromJSON[[]string](allRaw); err != nil {
		return nil, fault.Internal(err, "decoding feature list")
	}

	if fs.SelectedFeatures, err = fromJSON[[]string](selectedRaw); err != nil {
		return nil, fault.Internal(err, "decoding selected features")
	}

	if fs.Scores, err = fromJSON[[]catalog.FeatureScore](scoreRaw); err != nil {
		return nil, fault.Internal(err, "decoding feature scores")
	}

	return &fs, nil
}

func (s *pgFeatureSets) Get(ctx context.Context, id string) (*catalog.FeatureSet, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+featureSetColumns+` FROM feature_sets WHERE id = $1`, id)

	fs, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "getting feature set")
	}

	return fs, nil
}

func (s *pgFeatureSets) List(ctx context.Context, datasetID string, page catalog.Page) ([]*catalog.FeatureSet, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+featureSetColumns+`
		FROM feature_sets
		WHERE ($1 = '' OR dataset_id = $1)
		ORDER BY created_at
		OFFSET $2 LIMIT $3
	`, datasetID, page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing feature sets")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.FeatureSet

	for rows.Next() {
		fs, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning feature set")
		}

		out = append(out, fs)
	}

	return out, classify(rows.Err(), "listing feature sets")
}

func (s *pgFeatureSets) PatchState(ctx context.Context, id string, from, to catalog.FeatureSetStatus, errMsg string) error {
	if err := catalog.ValidateFeatureSetTransition(from, to); err != nil {
		return err
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE feature_sets SET status = $1, error = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, to, errMsg, id, from)
	if err != nil {
		return classify(err, "patching feature set state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching feature set state")
	}

	if affected == 0 {
		return fault.Conflict("feature set %s was not in state %s", id, from)
	}

	return nil
}

// SetResult publishes the selection output and flips RUNNING → COMPLETED in
// one statement so no partially-written result is ever visible.
func (s *pgFeatureSets) SetResult(ctx context.Context, fs *catalog.FeatureSet) error {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE feature_sets SET
			all_features = $1, selected_features = $2, scores = $3,
			schema_hash = $4, artifact_ref = $5,
			status = 'COMPLETED', error = '', updated_at = NOW()
		WHERE id = $6 AND status = 'RUNNING'
	`,
		mustJSON(fs.AllFeatures), mustJSON(fs.SelectedFeatures), mustJSON(fs.Scores),
		fs.SchemaHash, fs.ArtifactRef, fs.ID,
	)
	if err != nil {
		return classify(err, "publishing feature set result")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "publishing feature set result")
	}

	if affected == 0 {
		return fault.Conflict("feature set %s was not RUNNING", fs.ID)
	}

	return nil
}

func (s *pgFeatureSets) Delete(ctx context.Context, id string) error {
	res, err := s.p.conn.ExecContext(ctx, `DELETE FROM feature_sets WHERE id = $1`, id)
	if err != nil {
		// The models.feature_set_id RESTRICT foreign key surfaces as a
		// constraint violation here.
		return classify(err, "deleting feature set")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "deleting feature set")
	}

	if affected == 0 {
		return fault.NotFound("feature set %s", id)
	}

	return nil
}
