package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// pgJobs is the PostgreSQL catalog.JobStore. Enqueue idempotency rides on a
// partial unique index over jobs(idempotency_key) for non-terminal states;
// the claim protocol is a bare compare-and-set on the state column.
type pgJobs struct {
	p *Postgres
}

const jobColumns = `
	id, kind, state, progress, stage, COALESCE(idempotency_key, ''), payload,
	schedule, recurring, enabled, next_run_at, retries, error,
	cancel_requested, started_at, completed_at, created_at, updated_at
`

func (s *pgJobs) Enqueue(ctx context.Context, j *catalog.Job) (bool, error) {
	res, err := s.p.conn.ExecContext(ctx, `
		INSERT INTO jobs (
			id, kind, state, progress, stage, idempotency_key, payload,
			schedule, recurring, enabled, next_run_at, retries, error,
			cancel_requested, created_at, updated_at
		) VALUES ($1, $2, 'QUEUED', 0, '', NULLIF($3, ''), $4, $5, $6, $7, $8, 0, '', FALSE, NOW(), NOW())
		ON CONFLICT (idempotency_key) WHERE state IN ('QUEUED', 'RUNNING')
		DO NOTHING
	`, j.ID, j.Kind, j.IdempotencyKey, j.Payload,
		j.Schedule, j.Recurring, j.Enabled, nullTime(j.NextRunAt))
	if err != nil {
		return false, classify(err, "enqueuing job")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "enqueuing job")
	}

	if affected == 0 {
		return true, nil
	}

	s.p.publish(catalog.ChangeJob, j.ID, string(catalog.JobQueued))

	return false, nil
}

func (s *pgJobs) scan(row interface{ Scan(...any) error }) (*catalog.Job, error) {
	var (
		j                               catalog.Job
		nextRun, startedAt, completedAt sql.NullTime
		cancelRequested                 bool
	)

	err := row.Scan(
		&j.ID, &j.Kind, &j.State, &j.Progress, &j.Stage, &j.IdempotencyKey,
		&j.Payload, &j.Schedule, &j.Recurring, &j.Enabled, &nextRun,
		&j.Retries, &j.Error, &cancelRequested, &startedAt, &completedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.NextRunAt = timePtr(nextRun)
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)

	return &j, nil
}

func (s *pgJobs) Get(ctx context.Context, id string) (*catalog.Job, error) {
	row := s.p.conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	j, err := s.scan(row)
	if err != nil {
		return nil, classify(err, "getting job")
	}

	return j, nil
}

func (s *pgJobs) List(ctx context.Context, filter catalog.JobFilter, page catalog.Page) ([]*catalog.Job, error) {
	page = page.Norm()

	var recurring sql.NullBool
	if filter.Recurring != nil {
		recurring = sql.NullBool{Bool: *filter.Recurring, Valid: true}
	}

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR state = $2)
		  AND ($3::boolean IS NULL OR recurring = $3)
		ORDER BY created_at
		OFFSET $4 LIMIT $5
	`, string(filter.Kind), string(filter.State), recurring, page.Offset, page.Limit)
	if err != nil {
		return nil, classify(err, "listing jobs")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Job

	for rows.Next() {
		j, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning job")
		}

		out = append(out, j)
	}

	return out, classify(rows.Err(), "listing jobs")
}

func (s *pgJobs) PatchState(ctx context.Context, id string, from, to catalog.JobState) error {
	if err := catalog.ValidateJobTransition(from, to); err != nil {
		return err
	}

	if from == to {
		return nil
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE jobs SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
	`, to, id, from)
	if err != nil {
		return classify(err, "patching job state")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "patching job state")
	}

	if affected == 0 {
		return fault.Conflict("job %s was not in state %s", id, from)
	}

	s.p.publish(catalog.ChangeJob, id, string(to))

	return nil
}

func (s *pgJobs) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE jobs SET state = 'RUNNING', started_at = $1, updated_at = NOW()
		WHERE id = $2 AND state = 'QUEUED'
	`, now, id)
	if err != nil {
		return false, classify(err, "claiming job")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "claiming job")
	}

	if affected == 0 {
		return false, nil
	}

	s.p.publish(catalog.ChangeJob, id, string(catalog.JobRunning))

	return true, nil
}

func (s *pgJobs) Due(ctx context.Context, now time.Time, limit int) ([]*catalog.Job, error) {
	if limit <= 0 {
		limit = catalog.DefaultPageLimit
	}

	rows, err := s.p.conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 'QUEUED'
		  AND (NOT recurring OR (enabled AND next_run_at IS NOT NULL AND next_run_at <= $1))
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, classify(err, "listing due jobs")
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*catalog.Job

	for rows.Next() {
		j, err := s.scan(rows)
		if err != nil {
			return nil, classify(err, "scanning due job")
		}

		out = append(out, j)
	}

	return out, classify(rows.Err(), "listing due jobs")
}

// SetNextRun re-queues a recurring job for its next fire time. Recurring
// jobs cycle back to QUEUED rather than resting in a terminal state.
func (s *pgJobs) SetNextRun(ctx context.Context, id string, next time.Time) error {
	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE jobs SET
			state = 'QUEUED', next_run_at = $1, progress = 0, stage = '',
			started_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND recurring
	`, next, id)
	if err != nil {
		return classify(err, "setting next run")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "setting next run")
	}

	if affected == 0 {
		return fault.NotFound("recurring job %s", id)
	}

	s.p.publish(catalog.ChangeJob, id, string(catalog.JobQueued))

	return nil
}

func (s *pgJobs) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.p.conn.ExecContext(ctx,
		`UPDATE jobs SET enabled = $1, updated_at = NOW() WHERE id = $2`, enabled, id)
	if err != nil {
		return classify(err, "toggling job")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "toggling job")
	}

	if affected == 0 {
		return fault.NotFound("job %s", id)
	}

	return nil
}

// UpdateProgress advances progress monotonically: a stale write with a lower
// fraction is dropped, not an error.
func (s *pgJobs) UpdateProgress(ctx context.Context, id string, progress float64, stage string) error {
	if progress < 0 || progress > 1 {
		return fault.Validation("progress %v outside [0,1]", progress)
	}

	_, err := s.p.conn.ExecContext(ctx, `
		UPDATE jobs SET
			progress = GREATEST(progress, $1), stage = $2, updated_at = NOW()
		WHERE id = $3 AND state = 'RUNNING'
	`, progress, stage, id)

	return classify(err, "updating job progress")
}

func (s *pgJobs) Complete(ctx context.Context, id string, state catalog.JobState, errMsg string) error {
	if !state.IsTerminal() {
		return fault.Validation("job completion state %s is not terminal", state)
	}

	res, err := s.p.conn.ExecContext(ctx, `
		UPDATE jobs SET
			state = $1, error = $2, completed_at = NOW(),
			progress = CASE WHEN $1 = 'COMPLETED' THEN 1 ELSE progress END,
			updated_at = NOW()
		WHERE id = $3 AND state = 'RUNNING'
	`, state, errMsg, id)
	if err != nil {
		return classify(err, "completing job")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "completing job")
	}

	if affected == 0 {
		return fault.Conflict("job %s was not RUNNING", id)
	}

	s.p.publish(catalog.ChangeJob, id, string(state))

	return nil
}

// SweepStale reclaims jobs whose worker died mid-run. Expired leases below
// the retry budget go back to QUEUED with the counter bumped; the rest fail
// with a lease-expired error.
func (s *pgJobs) SweepStale(ctx context.Context, olderThan time.Time, maxRetries int) (int, int, error) {
	tx, err := s.p.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, classify(err, "starting stale sweep")
	}

	defer func() {
		_ = tx.Rollback()
	}()

	requeued, err := sweepExec(ctx, tx, `
		UPDATE jobs SET
			state = 'QUEUED', retries = retries + 1, started_at = NULL,
			progress = 0, stage = '', updated_at = NOW()
		WHERE state = 'RUNNING' AND started_at < $1 AND retries < $2
	`, olderThan, maxRetries)
	if err != nil {
		return 0, 0, classify(err, "requeuing stale jobs")
	}

	failed, err := sweepExec(ctx, tx, `
		UPDATE jobs SET
			state = 'FAILED', error = 'lease expired, retries exhausted', completed_at = NOW(),
			updated_at = NOW()
		WHERE state = 'RUNNING' AND started_at < $1 AND retries >= $2
	`, olderThan, maxRetries)
	if err != nil {
		return 0, 0, classify(err, "failing stale jobs")
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, classify(err, "committing stale sweep")
	}

	return requeued, failed, nil
}

func sweepExec(ctx context.Context, tx *sql.Tx, query string, olderThan time.Time, maxRetries int) (int, error) {
	res, err := tx.ExecContext(ctx, query, olderThan, maxRetries)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(affected), nil
}

func (s *pgJobs) Cancelled(ctx context.Context, id string) (bool, error) {
	var requested bool

	err := s.p.conn.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fault.NotFound("job %s", id)
	}

	if err != nil {
		return false, classify(err, "checking cancel flag")
	}

	return requested, nil
}

func (s *pgJobs) RequestCancel(ctx context.Context, id string) error {
	res, err := s.p.conn.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return classify(err, "requesting cancel")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(err, "requesting cancel")
	}

	if affected == 0 {
		return fault.NotFound("job %s", id)
	}

	return nil
}
