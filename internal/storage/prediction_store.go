package storage

import (
	"context"
	"database/sql"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgPredictions is the PostgreSQL catalog.PredictionStore. The predictions
// table is declaratively partitioned by created_at (monthly); inserts land
// in the right partition transparently.
type pgPredictions struct {
	p *Postgres
}

const insertPrediction = `
	INSERT INTO predictions (
		id, model_id, input, score, label, confidence, explanation,
		latency_ms, degraded, created_at, actual_label
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

func (s *pgPredictions) Append(ctx context.Context, p *catalog.Prediction) error {
	var explanation []byte
	if p.Explanation != nil {
		explanation = mustJSON(p.Explanation)
	}

	_, err := s.p.conn.ExecContext(ctx, insertPrediction,
		p.ID, p.ModelID, mustJSON(p.Input), p.Score, p.Label, p.Confidence,
		explanation, p.LatencyMS, p.Degraded, p.CreatedAt, nullBool(p.ActualLabel),
	)

	return classify(err, "appending prediction")
}

// AppendBatch writes the batch in one transaction. The prediction log is
// append-only; there is no conflict to resolve, so a whole-batch transaction
// keeps the spill-queue drain simple.
func (s *pgPredictions) AppendBatch(ctx context.Context, ps []*catalog.Prediction) error {
	if len(ps) == 0 {
		return nil
	}

	tx, err := s.p.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "starting prediction batch")
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, insertPrediction)
	if err != nil {
		return classify(err, "preparing prediction batch")
	}

	defer func() {
		_ = stmt.Close()
	}()

	for _, p := range ps {
		var explanation []byte
		if p.Explanation != nil {
			explanation = mustJSON(p.Explanation)
		}

		_, err := stmt.ExecContext(ctx,
			p.ID, p.ModelID, mustJSON(p.Input), p.Score, p.Label, p.Confidence,
			explanation, p.LatencyMS, p.Degraded, p.CreatedAt, nullBool(p.ActualLabel),
		)
		if err != nil {
			return classify(err, "appending prediction batch")
		}
	}

	return classify(tx.Commit(), "committing prediction batch")
}

func (s *pgPredictions) List(ctx context.Context, filter catalog.PredictionFilter, page catalog.Page) ([]*catalog.Prediction, error) {
	page = page.Norm()

	var labeled sql.NullBool
	if filter.Labeled != nil {
		labeled = sql.NullBool{Bool: *filter.Labeled, Valid: true}
	}

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT id, model_id, input, score, label, confidence, explanation,
		       latency_ms, degraded, created_at, actual_label
		FROM predictions
		WHERE ($1 = '' OR model_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		  AND ($4::boolean IS NULL OR (actual_label IS NOT NULL) = $4)
		ORDER BY created_at
		OFFSET $5 LIMIT $6
	`,
		filter.ModelID,
		nullZeroTime(filter.From), nullZeroTime(filter.To),
		labeled, page.Offset, page.Limit,
	)
	if err != nil {
		return nil, classify(err, "listing predictions")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Prediction

	for rows.Next() {
		var (
			p              catalog.Prediction
			inputRaw       []byte
			explanationRaw []byte
			actual         sql.NullBool
		)

		err := rows.Scan(
			&p.ID, &p.ModelID, &inputRaw, &p.Score, &p.Label, &p.Confidence,
			&explanationRaw, &p.LatencyMS, &p.Degraded, &p.CreatedAt, &actual,
		)
		if err != nil {
			return nil, classify(err, "scanning prediction")
		}

		if p.Input, err = fromJSON[map[string]float64](inputRaw); err != nil {
			return nil, fault.Internal(err, "decoding prediction input")
		}

		if len(explanationRaw) > 0 {
			expl, err := fromJSON[catalog.Explanation](explanationRaw)
			if err != nil {
				return nil, fault.Internal(err, "decoding explanation")
			}

			p.Explanation = &expl
		}

		p.ActualLabel = boolPtr(actual)
		out = append(out, &p)
	}

	return out, classify(rows.Err(), "listing predictions")
}

func (s *pgPredictions) SetActualLabel(ctx context.Context, id string, actual bool) error {
	res, err := s.p.conn.ExecContext(ctx,
		`UPDATE predictions SET actual_label = $1 WHERE id = $2`, actual, id)
	if err != nil {
		return classify(err, "labeling prediction")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "labeling prediction")
	}

	if affected == 0 {
		return fault.NotFound("prediction %s", id)
	}

	return nil
}
