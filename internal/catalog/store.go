package catalog

import (
	"context"
	"time"
)

// Page bounds a list query. A zero Limit means the store default (100).
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit applies when Page.Limit is zero.
const DefaultPageLimit = 100

// Norm returns the page with defaults applied.
func (p Page) Norm() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}

	if p.Offset < 0 {
		p.Offset = 0
	}

	return p
}

// DatasetFilter narrows dataset lists.
type DatasetFilter struct {
	Name   string
	Status DatasetStatus
}

// ModelFilter narrows model lists.
type ModelFilter struct {
	Status    ModelStatus
	Algorithm string
}

// AlertFilter narrows alert lists.
type AlertFilter struct {
	Status    AlertStatus
	Severity  AlertSeverity
	SourceRef string
}

// JobFilter narrows job lists.
type JobFilter struct {
	Kind      JobKind
	State     JobState
	Recurring *bool
}

// PredictionFilter narrows prediction queries to a model and time window.
type PredictionFilter struct {
	ModelID string
	From    time.Time
	To      time.Time
	// Labeled restricts to predictions with (true) or without (false) an
	// actual label when non-nil.
	Labeled *bool
}

// MetricWindow addresses monitoring metric rows by model and time range.
type MetricWindow struct {
	ModelID string
	From    time.Time
	To      time.Time
}

// DatasetStore persists Dataset entities.
type DatasetStore interface {
	Create(ctx context.Context, d *Dataset) error
	Get(ctx context.Context, id string) (*Dataset, error)
	List(ctx context.Context, filter DatasetFilter, page Page) ([]*Dataset, error)
	// PatchState is an optimistic compare-and-set on Status.
	PatchState(ctx context.Context, id string, from, to DatasetStatus) error
}

// FeatureSetStore persists FeatureSet entities. Deleting a feature set that
// a model references fails with ConflictingState; deleting a dataset
// cascades to its feature sets.
type FeatureSetStore interface {
	Create(ctx context.Context, fs *FeatureSet) error
	Get(ctx context.Context, id string) (*FeatureSet, error)
	List(ctx context.Context, datasetID string, page Page) ([]*FeatureSet, error)
	PatchState(ctx context.Context, id string, from, to FeatureSetStatus, errMsg string) error
	// SetResult publishes the selection output in the same write that moves
	// the set to COMPLETED. No partial output is ever visible.
	SetResult(ctx context.Context, fs *FeatureSet) error
	Delete(ctx context.Context, id string) error
}

// ModelStore persists Model entities and their baselines.
type ModelStore interface {
	Create(ctx context.Context, m *Model) error
	Get(ctx context.Context, id string) (*Model, error)
	List(ctx context.Context, filter ModelFilter, page Page) ([]*Model, error)
	// PatchState is an optimistic compare-and-set on Status. reason is
	// recorded as ArchivedReason when to == ARCHIVED.
	PatchState(ctx context.Context, id string, from, to ModelStatus, reason string) error
	// PromoteToProduction atomically verifies the target is STAGING,
	// archives the current PRODUCTION model (if any) with reason
	// "superseded", promotes the target and stamps PromotedAt. Returns the
	// id of the demoted model, or empty if none was in production.
	PromoteToProduction(ctx context.Context, id string) (demoted string, err error)
	// CurrentProduction returns the PRODUCTION model or NotFound.
	CurrentProduction(ctx context.Context) (*Model, error)
	SetBaseline(ctx context.Context, b *Baseline) error
	Baselines(ctx context.Context, modelID string) ([]*Baseline, error)
}

// PredictionStore persists the append-only prediction log.
type PredictionStore interface {
	Append(ctx context.Context, p *Prediction) error
	AppendBatch(ctx context.Context, ps []*Prediction) error
	List(ctx context.Context, filter PredictionFilter, page Page) ([]*Prediction, error)
	// SetActualLabel backfills the ground-truth label once it arrives.
	SetActualLabel(ctx context.Context, id string, actual bool) error
}

// MetricStore persists monitoring metric rows.
type MetricStore interface {
	InsertDrift(ctx context.Context, m *DriftMetric) error
	InsertBias(ctx context.Context, m *BiasMetric) error
	ListDrift(ctx context.Context, w MetricWindow, page Page) ([]*DriftMetric, error)
	ListBias(ctx context.Context, w MetricWindow, page Page) ([]*BiasMetric, error)
	// RecentStatuses returns the newest-first status history for one metric
	// identity (feature or attribute + metric name), at most n entries.
	// Drives hysteresis and auto-resolution.
	RecentStatuses(ctx context.Context, modelID, identity string, n int) ([]MetricStatus, error)
}

// AlertStore persists Alert entities.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	// FindActiveByDedupKey returns the ACTIVE alert with this dedup key, or
	// NotFound.
	FindActiveByDedupKey(ctx context.Context, key string) (*Alert, error)
	// Merge bumps last_seen and the occurrence counter and replaces details
	// on an existing ACTIVE alert.
	Merge(ctx context.Context, id string, details string, seenAt time.Time) error
	List(ctx context.Context, filter AlertFilter, page Page) ([]*Alert, error)
	PatchState(ctx context.Context, id string, from, to AlertStatus) error
}

// JobStore persists Job entities and implements the claim protocol.
type JobStore interface {
	// Enqueue inserts the job unless another job with the same idempotency
	// key already exists; duplicates return (true, nil) and do no work.
	Enqueue(ctx context.Context, j *Job) (duplicate bool, err error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter JobFilter, page Page) ([]*Job, error)
	PatchState(ctx context.Context, id string, from, to JobState) error
	// Claim moves a due job QUEUED → RUNNING via CAS, stamping StartedAt.
	// Exactly one concurrent claimant wins; the rest observe claimed=false.
	Claim(ctx context.Context, id string, now time.Time) (claimed bool, err error)
	// Due returns enabled jobs whose NextRunAt ≤ now (recurring) plus
	// queued one-shot jobs, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// SetNextRun returns a recurring job to QUEUED for its next fire time,
	// clearing progress and the lease in the same write.
	SetNextRun(ctx context.Context, id string, next time.Time) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateProgress(ctx context.Context, id string, progress float64, stage string) error
	// Complete records the terminal state and error message.
	Complete(ctx context.Context, id string, state JobState, errMsg string) error
	// SweepStale resets RUNNING jobs whose StartedAt is older than the
	// lease back to QUEUED with Retries+1, or FAILED once retries exceed
	// maxRetries. Returns (requeued, failed) counts.
	SweepStale(ctx context.Context, olderThan time.Time, maxRetries int) (requeued, failed int, err error)
	// Cancelled reports whether a cancel was requested for the job. Long
	// jobs poll this at stage boundaries.
	Cancelled(ctx context.Context, id string) (bool, error)
	// RequestCancel marks the job for cooperative cancellation. Idempotent.
	RequestCancel(ctx context.Context, id string) error
}

// ABTestStore persists ABTest entities.
type ABTestStore interface {
	Create(ctx context.Context, t *ABTest) error
	Get(ctx context.Context, id string) (*ABTest, error)
	List(ctx context.Context, page Page) ([]*ABTest, error)
	PatchState(ctx context.Context, id string, from, to ABState) error
	// AddSamples atomically increments the per-arm sample counters.
	AddSamples(ctx context.Context, id string, champion, challenger int) error
	SetResult(ctx context.Context, id string, result ABRecommendation) error
}

// RetrainStore persists RetrainJob entities.
type RetrainStore interface {
	Create(ctx context.Context, r *RetrainJob) error
	Get(ctx context.Context, id string) (*RetrainJob, error)
	List(ctx context.Context, page Page) ([]*RetrainJob, error)
	PatchState(ctx context.Context, id string, from, to RetrainState, failureReason string) error
	SetCandidate(ctx context.Context, id, candidateModelID string) error
}

// Catalog aggregates every entity store plus the typed change feed. It is
// the only source of truth for lifecycle state; components that cache state
// must invalidate on the relevant feed event.
type Catalog interface {
	Datasets() DatasetStore
	FeatureSets() FeatureSetStore
	Models() ModelStore
	Predictions() PredictionStore
	Metrics() MetricStore
	Alerts() AlertStore
	Jobs() JobStore
	ABTests() ABTestStore
	RetrainJobs() RetrainStore
	// Feed returns the change broadcaster for Model, Alert and Job rows.
	Feed() *Feed
	HealthCheck(ctx context.Context) error
}
