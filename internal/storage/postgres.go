package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/config"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Postgres implements catalog.Catalog with a PostgreSQL backend.
//
// Semantics mirrored from the schema:
//   - State transitions are compare-and-set: UPDATE ... WHERE state = $from;
//     zero rows affected means the caller lost the race (ConflictingState).
//   - The at-most-one-PRODUCTION invariant is enforced twice: by the
//     promotion transaction and by a partial unique index on
//     models(status) WHERE status = 'PRODUCTION'.
//   - Alert dedup is enforced by a partial unique index on
//     alerts(dedup_key) WHERE status = 'ACTIVE'.
//   - Job idempotency is enforced by a partial unique index on
//     jobs(idempotency_key) for non-terminal states.
type Postgres struct {
	conn   *Connection
	logger *slog.Logger
	feed   *catalog.Feed
}

// Compile-time interface assertion.
var _ catalog.Catalog = (*Postgres)(nil)

// NewPostgres creates a PostgreSQL-backed catalog over an existing
// connection. The connection is managed externally via dependency injection;
// the caller is responsible for closing it.
func NewPostgres(conn *Connection) (*Postgres, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Postgres{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		feed: catalog.NewFeed(),
	}, nil
}

// Datasets implements catalog.Catalog.
func (p *Postgres) Datasets() catalog.DatasetStore { return &pgDatasets{p} }

// FeatureSets implements catalog.Catalog.
func (p *Postgres) FeatureSets() catalog.FeatureSetStore { return &pgFeatureSets{p} }

// Models implements catalog.Catalog.
func (p *Postgres) Models() catalog.ModelStore { return &pgModels{p} }

// Predictions implements catalog.Catalog.
func (p *Postgres) Predictions() catalog.PredictionStore { return &pgPredictions{p} }

// Metrics implements catalog.Catalog.
func (p *Postgres) Metrics() catalog.MetricStore { return &pgMetrics{p} }

// Alerts implements catalog.Catalog.
func (p *Postgres) Alerts() catalog.AlertStore { return &pgAlerts{p} }

// Jobs implements catalog.Catalog.
func (p *Postgres) Jobs() catalog.JobStore { return &pgJobs{p} }

// ABTests implements catalog.Catalog.
func (p *Postgres) ABTests() catalog.ABTestStore { return &pgABTests{p} }

// RetrainJobs implements catalog.Catalog.
func (p *Postgres) RetrainJobs() catalog.RetrainStore { return &pgRetrains{p} }

// Feed implements catalog.Catalog.
func (p *Postgres) Feed() *catalog.Feed { return p.feed }

// HealthCheck implements catalog.Catalog.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.conn.HealthCheck(ctx)
}

// publish emits a change feed event after a successful commit.
func (p *Postgres) publish(kind catalog.ChangeKind, id, state string) {
	p.feed.Publish(catalog.Change{Kind: kind, ID: id, State: state, At: time.Now().UTC()})
}

// classify translates driver errors into the fault taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fault.NotFound("%s: no matching row", op)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Cancelled("%s interrupted", op)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return fault.Wrap(fault.KindConflictingState, err, "%s violates a uniqueness constraint", op)
		case "08", "57": // connection exception, operator intervention
			return fault.Unavailable(err, "%s: database unavailable", op)
		}
	}

	return fault.Unavailable(err, "%s failed", op)
}

// mustJSON marshals a value that cannot legitimately fail (maps and slices
// of plain types). A failure here is a programming error.
func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return raw
}

func fromJSON[T any](raw []byte) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}

	err := json.Unmarshal(raw, &v)

	return v, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

// nullZeroTime maps the zero time to SQL NULL so open-ended windows skip
// the bound entirely.
func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}

	t := nt.Time

	return &t
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}

	return sql.NullBool{Bool: *b, Valid: true}
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}

	b := nb.Bool

	return &b
}
