package storage

import (
	"context"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgRetrains is the PostgreSQL catalog.RetrainStore.
type pgRetrains struct {
	p *Postgres
}

const retrainColumns = `
	id, base_model_id, candidate_model_id, reason, strategy, primary_metric,
	min_improvement, auto_promote, state, failure_reason, created_at, updated_at
`

// Create inserts the job in PENDING regardless of the state on the struct.
func (s *pgRetrains) Create(ctx context.Context, r *catalog.RetrainJob) error {
	_, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO retrain_jobs (
			id, base_model_id, candidate_model_id, reason, strategy,
			primary_metric, min_improvement, auto_promote, state,
			failure_reason, created_at, updated_at
		) VALUES ($1, $2, '', $3, $4, $5, $6, $7, 'PENDING', '', NOW(), NOW())
	`, r.ID, r.BaseModelID, r.Reason, mustJSON(r.Strategy),
		r.PrimaryMetric, r.MinImprovement, r.AutoPromote)

	return classify(err, "creating retrain job")
}

func (s *pgRetrains) scan(row interface{ Scan(...any) error }) (*catalog.RetrainJob, error) {
	var (
		r           catalog.RetrainJob
		strategyRaw []byte
	)

	err := row.Scan(
		&r.ID, &r.BaseModelID, &r.CandidateModelID, &r.Reason, &strategyRaw,
		&r.PrimaryMetric, &r.MinImprovement, &r.AutoPromote, &r.State,
		&r.FailureReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if r.Strategy, err = fromJSON[catalog.MergeStrategy](strategyRaw); err != nil {
		return nil, fault.Internal(err, "decoding merge strategy")
	}

	return &r, nil
}

func (s *pgRetrains) Get(ctx context.Context, id string) (*catalog.RetrainJob, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+retrainColumns+` FROM retrain_jobs WHERE id = $1`, id)

	r, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "getting retrain job")
	}

	return r, nil
}

func (s *pgRetrains) List(ctx context.Context, page catalog.Page) ([]*catalog.RetrainJob, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+retrainColumns+` FROM retrain_jobs
		ORDER BY created_at
		OFFSET $1 LIMIT $2
	`, page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing retrain jobs")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.RetrainJob

	for rows.Next() {
		r, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning retrain job")
		}

		out = append(out, r)
	}

	return out, classify(rows.Err(), "listing retrain jobs")
}

func (s *pgRetrains) PatchState(ctx context.Context, id string, from, to catalog.RetrainState, failureReason string) error {
	if err := catalog.ValidateRetrainTransition(from, to); err != nil {
		return err
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE retrain_jobs SET
			state = $1,
			failure_reason = CASE WHEN $1 IN ('REJECTED', 'FAILED') THEN $2 ELSE failure_reason END,
			updated_at = NOW()
		WHERE id = $3 AND state = $4
	`, to, failureReason, id, from)
	if err != nil {
		return classify(err, "patching retrain state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching retrain state")
	}

	if affected == 0 {
		return fault.Conflict("retrain job %s was not in state %s", id, from)
	}

	return nil
}

func (s *pgRetrains) SetCandidate(ctx context.Context, id, candidateModelID string) error {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE retrain_jobs SET candidate_model_id = $1, updated_at = NOW()
		WHERE id = $2
	`, candidateModelID, id)
	if err != nil {
		return classify(err, "setting retrain candidate")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "setting retrain candidate")
	}

	if affected == 0 {
		return fault.NotFound("retrain job %s", id)
	}

	return nil
}
