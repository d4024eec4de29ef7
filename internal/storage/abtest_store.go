package storage

import (
	"context"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgABTests is the PostgreSQL catalog.ABTestStore.
type pgABTests struct {
	p *Postgres
}

const abTestColumns = `
	id, champion_model_id, challenger_model_id, traffic_split, min_samples,
	primary_metric, mirror_mode, auto_promote, champion_samples,
	challenger_samples, state, result, created_at, updated_at
`

// Create inserts the test in DRAFT regardless of the state on the struct.
func (s *pgABTests) Create(ctx context.Context, t *catalog.ABTest) error {
	_, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO ab_tests (
			id, champion_model_id, challenger_model_id, traffic_split,
			min_samples, primary_metric, mirror_mode, auto_promote,
			champion_samples, challenger_samples, state, result,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, 'DRAFT', '', NOW(), NOW())
	`, t.ID, t.ChampionModelID, t.ChallengerModelID, t.TrafficSplit,
		t.MinSamples, t.PrimaryMetric, t.MirrorMode, t.AutoPromote)

	return classify(err, "creating ab test")
}

func (s *pgABTests) scan(row interface{ Scan(...any) error }) (*catalog.ABTest, error) {
	var t catalog.ABTest

	err := row.Scan(
		&t.ID, &t.ChampionModelID, &t.ChallengerModelID, &t.TrafficSplit,
		&t.MinSamples, &t.PrimaryMetric, &t.MirrorMode, &t.AutoPromote,
		&t.ChampionSamples, &t.ChallengerSamples, &t.State, &t.Result,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *pgABTests) Get(ctx context.Context, id string) (*catalog.ABTest, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+abTestColumns+` FROM ab_tests WHERE id = $1`, id)

	t, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "getting ab test")
	}

	return t, nil
}

func (s *pgABTests) List(ctx context.Context, page catalog.Page) ([]*catalog.ABTest, error) {
	page = page.Norm()

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+abTestColumns+` FROM ab_tests
		ORDER BY created_at
		OFFSET $1 LIMIT $2
	`, page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing ab tests")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.ABTest

	for rows.Next() {
		t, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning ab test")
		}

		out = append(out, t)
	}

	return out, classify(rows.Err(), "listing ab tests")
}

func (s *pgABTests) PatchState(ctx context.Context, id string, from, to catalog.ABState) error {
	if err := catalog.ValidateABTransition(from, to); err != nil {
		return err
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE ab_tests SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
	`, to, id, from)
	if err != nil {
		return classify(err, "patching ab test state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching ab test state")
	}

	if affected == 0 {
		return fault.Conflict("ab test %s was not in state %s", id, from)
	}

	return nil
}

// AddSamples increments both arm counters in one statement so concurrent
// routers never lose a count.
func (s *pgABTests) AddSamples(ctx context.Context, id string, champion, challenger int) error {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE ab_tests SET
			champion_samples = champion_samples + $1,
			challenger_samples = challenger_samples + $2,
			updated_at = NOW()
		WHERE id = $3 AND state = 'RUNNING'
	`, champion, challenger, id)
	if err != nil {
		return classify(err, "adding ab samples")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "adding ab samples")
	}

	if affected == 0 {
		return fault.Conflict("ab test %s is not RUNNING", id)
	}

	return nil
}

func (s *pgABTests) SetResult(ctx context.Context, id string, result catalog.ABRecommendation) error {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE ab_tests SET result = $1, updated_at = NOW()
		WHERE id = $2 AND state = 'EVALUATING'
	`, result, id)
	if err != nil {
		return classify(err, "setting ab result")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "setting ab result")
	}

	if affected == 0 {
		return fault.Conflict("ab test %s is not EVALUATING", id)
	}

	return nil
}
