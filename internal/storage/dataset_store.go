package storage

import (
	"context"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgDatasets is the PostgreSQL catalog.DatasetStore.
type pgDatasets struct {
	p *Postgres
}

func (s *pgDatasets) Create(ctx context.Context, d *catalog.Dataset) error {
	query := `
		INSERT INTO datasets (
			id, name, version, row_count, column_count, schema,
			checksum, blob_ref, status, parent_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NOW(), NOW())
	`

	_, err := s.p.conn.ExecContext(ctx, query,
		d.ID, d.Name, d.Version, d.RowCount, d.ColumnCount, mustJSON(d.Schema),
		d.Checksum, d.BlobRef, d.Status, d.ParentID,
	)

	return classify(err, "creating dataset")
}

const datasetColumns = `
	id, name, version, row_count, column_count, schema,
	checksum, blob_ref, status, COALESCE(parent_id, ''), created_at, updated_at
`

func (s *pgDatasets) scan(row interface{ Scan(...any) error }) (*catalog.Dataset, error) {
	var (
		d         catalog.Dataset
		schemaRaw []byte
	)

	err := row.Scan(
		&d.ID, &d.Name, &d.Version, &d.RowCount, &d.ColumnCount, &schemaRaw,
		&d.Checksum, &d.BlobRef, &d.Status, &d.ParentID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Schema, err = fromJSON[[]catalog.Column](schemaRaw)
	if err != nil {
		return nil, fault.Internal(err, "decoding dataset schema")
	}

	return &d, nil
}

func (s *pgDatasets) Get(ctx context.Context, id string) (*catalog.Dataset, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, id)

	d, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "getting dataset")
	}

	return d, nil
}

func (s *pgDatasets) List(ctx context.Context, filter catalog.DatasetFilter, page catalog.Page) ([]*catalog.Dataset, error) {
	page = page.Norm()

	query := `
		SELECT ` + datasetColumns + `
		FROM datasets
		WHERE ($1 = '' OR name = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at
		OFFSET $3 LIMIT $4
	`

	rows, err := s.p.conn.QueryContext(ctx, query,
		filter.Name, string(filter.Status), page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing datasets")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Dataset

	for rows.Next() {
		d, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning dataset")
		}

		out = append(out, d)
	}

	return out, classify(rows.Err(), "listing datasets")
}

func (s *pgDatasets) PatchState(ctx context.Context, id string, from, to catalog.DatasetStatus) error {
	if err := catalog.ValidateDatasetTransition(from, to); err != nil {
		return err
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE datasets SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return classify(err, "patching dataset state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching dataset state")
	}

	if affected == 0 {
		return fault.Conflict("dataset %s was not in state %s", id, from)
	}

	return nil
}
