package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

func seedDataset(t *testing.T, m *Memory) *catalog.Dataset {
	t.Helper()

	d := &catalog.Dataset{
		ID:          uuid.NewString(),
		Name:        "transactions",
		Version:     1,
		RowCount:    1000,
		ColumnCount: 5,
		Schema: []catalog.Column{
			{Name: "transaction_id", Type: catalog.ColumnString},
			{Name: "amount", Type: catalog.ColumnFloat},
		},
		Checksum: "abc",
		BlobRef:  "dataset/ab/ref",
		Status:   catalog.DatasetActive,
	}

	require.NoError(t, m.Datasets().Create(context.Background(), d))

	return d
}

func seedFeatureSet(t *testing.T, m *Memory, datasetID string) *catalog.FeatureSet {
	t.Helper()

	fs := &catalog.FeatureSet{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Config:    catalog.DefaultFeatureConfig(),
		Status:    catalog.FeatureSetCompleted,
	}

	require.NoError(t, m.FeatureSets().Create(context.Background(), fs))

	return fs
}

func seedModel(t *testing.T, m *Memory, featureSetID string) *catalog.Model {
	t.Helper()

	model := &catalog.Model{
		ID:           uuid.NewString(),
		Algorithm:    "xgboost_like",
		FeatureSetID: featureSetID,
		Metrics:      map[string]float64{"auc": 0.91, "f1": 0.72},
		FeatureNames: []string{"amount", "tx_count_24h"},
	}

	require.NoError(t, m.Models().Create(context.Background(), model))

	return model
}

func TestMemoryDatasetUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)

	dup := *d
	dup.ID = uuid.NewString()

	err := m.Datasets().Create(ctx, &dup)
	assert.ErrorIs(t, err, fault.ErrConflictingState)

	v2 := *d
	v2.ID = uuid.NewString()
	v2.Version = 2
	assert.NoError(t, m.Datasets().Create(ctx, &v2))
}

func TestMemoryDatasetPatchStateCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := &catalog.Dataset{ID: uuid.NewString(), Name: "raw", Version: 1, Status: catalog.DatasetProcessing}
	require.NoError(t, m.Datasets().Create(ctx, d))

	require.NoError(t, m.Datasets().PatchState(ctx, d.ID, catalog.DatasetProcessing, catalog.DatasetActive))

	// Losing the CAS race surfaces as ConflictingState.
	err := m.Datasets().PatchState(ctx, d.ID, catalog.DatasetProcessing, catalog.DatasetActive)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestMemoryPromotionDemotesIncumbent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)

	first := seedModel(t, m, fs.ID)
	second := seedModel(t, m, fs.ID)

	require.NoError(t, m.Models().PatchState(ctx, first.ID, catalog.ModelTrained, catalog.ModelStaging, ""))

	demoted, err := m.Models().PromoteToProduction(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, demoted)

	require.NoError(t, m.Models().PatchState(ctx, second.ID, catalog.ModelTrained, catalog.ModelStaging, ""))

	demoted, err = m.Models().PromoteToProduction(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, demoted)

	got, err := m.Models().Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ModelArchived, got.Status)
	assert.Equal(t, "superseded", got.ArchivedReason)

	prod, err := m.Models().CurrentProduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, prod.ID)
	assert.NotNil(t, prod.PromotedAt)
}

func TestMemoryPromotionRequiresStaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)
	model := seedModel(t, m, fs.ID)

	_, err := m.Models().PromoteToProduction(ctx, model.ID)
	assert.ErrorIs(t, err, fault.ErrConflictingState)

	_, err = m.Models().PromoteToProduction(ctx, uuid.NewString())
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestMemoryArchivedRollback(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)

	old := seedModel(t, m, fs.ID)
	next := seedModel(t, m, fs.ID)

	require.NoError(t, m.Models().PatchState(ctx, old.ID, catalog.ModelTrained, catalog.ModelStaging, ""))
	_, err := m.Models().PromoteToProduction(ctx, old.ID)
	require.NoError(t, err)

	require.NoError(t, m.Models().PatchState(ctx, next.ID, catalog.ModelTrained, catalog.ModelStaging, ""))
	_, err = m.Models().PromoteToProduction(ctx, next.ID)
	require.NoError(t, err)

	// Rollback: the superseded model goes straight back to production.
	demoted, err := m.Models().PromoteToProduction(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, demoted)

	prod, err := m.Models().CurrentProduction(ctx)
	require.NoError(t, err)
	assert.Equal(t, old.ID, prod.ID)
}

func TestMemoryBaselineUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)
	model := seedModel(t, m, fs.ID)

	require.NoError(t, m.Models().SetBaseline(ctx, &catalog.Baseline{
		ID: uuid.NewString(), ModelID: model.ID, MetricName: "auc",
		Threshold: 0.85, Operator: catalog.OpGTE,
	}))

	// Same metric name replaces the threshold instead of adding a row.
	require.NoError(t, m.Models().SetBaseline(ctx, &catalog.Baseline{
		ID: uuid.NewString(), ModelID: model.ID, MetricName: "auc",
		Threshold: 0.90, Operator: catalog.OpGTE,
	}))

	baselines, err := m.Models().Baselines(ctx, model.ID)
	require.NoError(t, err)
	require.Len(t, baselines, 1)
	assert.Equal(t, 0.90, baselines[0].Threshold)
}

func TestMemoryFeatureSetResult(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)

	fs := &catalog.FeatureSet{
		ID:        uuid.NewString(),
		DatasetID: d.ID,
		Config:    catalog.DefaultFeatureConfig(),
		Status:    catalog.FeatureSetRunning,
	}
	require.NoError(t, m.FeatureSets().Create(ctx, fs))

	result := *fs
	result.SelectedFeatures = []string{"amount", "tx_count_24h"}
	result.SchemaHash = "deadbeef"

	require.NoError(t, m.FeatureSets().SetResult(ctx, &result))

	got, err := m.FeatureSets().Get(ctx, fs.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.FeatureSetCompleted, got.Status)
	assert.Equal(t, []string{"amount", "tx_count_24h"}, got.SelectedFeatures)

	// A second publish finds the set COMPLETED, not RUNNING.
	err = m.FeatureSets().SetResult(ctx, &result)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestMemoryFeatureSetDeleteRestrictedByModel(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)
	seedModel(t, m, fs.ID)

	err := m.FeatureSets().Delete(ctx, fs.ID)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestMemoryJobIdempotency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := &catalog.Job{
		ID:             uuid.NewString(),
		Kind:           catalog.JobTrain,
		IdempotencyKey: "train:ds-1:fs-1",
	}

	duplicate, err := m.Jobs().Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, duplicate)

	// Same key while the first job is live: duplicate, no error, no work.
	again := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobTrain, IdempotencyKey: "train:ds-1:fs-1"}
	duplicate, err = m.Jobs().Enqueue(ctx, again)
	require.NoError(t, err)
	assert.True(t, duplicate)

	// Terminal jobs release the key.
	claimed, err := m.Jobs().Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, m.Jobs().Complete(ctx, job.ID, catalog.JobCompleted, ""))

	duplicate, err = m.Jobs().Enqueue(ctx, again)
	require.NoError(t, err)
	assert.False(t, duplicate)
}

func TestMemoryJobClaimIsExclusive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobDataDrift}
	_, err := m.Jobs().Enqueue(ctx, job)
	require.NoError(t, err)

	now := time.Now()

	claimed, err := m.Jobs().Claim(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = m.Jobs().Claim(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "second claimant must lose")
}

func TestMemoryJobProgressMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobTrain}
	_, err := m.Jobs().Enqueue(ctx, job)
	require.NoError(t, err)

	_, err = m.Jobs().Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, m.Jobs().UpdateProgress(ctx, job.ID, 0.6, "training"))
	require.NoError(t, m.Jobs().UpdateProgress(ctx, job.ID, 0.4, "training"))

	got, err := m.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Progress, "regressing progress reports are dropped")
}

func TestMemoryJobSweepStale(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	fresh := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobBias}
	stale := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobBias}
	exhausted := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobBias}

	for _, j := range []*catalog.Job{fresh, stale, exhausted} {
		_, err := m.Jobs().Enqueue(ctx, j)
		require.NoError(t, err)
	}

	staleStart := time.Now().Add(-time.Hour)

	// Burn through the retry budget: each expired lease requeues the job
	// and bumps its counter.
	for i := 0; i < 3; i++ {
		claimed, err := m.Jobs().Claim(ctx, exhausted.ID, staleStart)
		require.NoError(t, err)
		require.True(t, claimed)

		_, _, err = m.Jobs().SweepStale(ctx, time.Now().Add(-30*time.Minute), 3)
		require.NoError(t, err)
	}

	_, err := m.Jobs().Claim(ctx, fresh.ID, time.Now())
	require.NoError(t, err)
	_, err = m.Jobs().Claim(ctx, stale.ID, staleStart)
	require.NoError(t, err)
	_, err = m.Jobs().Claim(ctx, exhausted.ID, staleStart)
	require.NoError(t, err)

	requeued, failed, err := m.Jobs().SweepStale(ctx, time.Now().Add(-30*time.Minute), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	got, err := m.Jobs().Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.JobQueued, got.State)
	assert.Equal(t, 1, got.Retries)

	got, err = m.Jobs().Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.JobFailed, got.State)

	got, err = m.Jobs().Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.JobRunning, got.State, "live leases survive the sweep")
}

func TestMemoryJobCancelFlag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobTrain}
	_, err := m.Jobs().Enqueue(ctx, job)
	require.NoError(t, err)

	cancelled, err := m.Jobs().Cancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, m.Jobs().RequestCancel(ctx, job.ID))
	require.NoError(t, m.Jobs().RequestCancel(ctx, job.ID)) // idempotent

	cancelled, err = m.Jobs().Cancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestMemoryJobDue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	oneShot := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobDataDrift}
	dueRecurring := &catalog.Job{
		ID: uuid.NewString(), Kind: catalog.JobConceptDrift,
		Recurring: true, Enabled: true, NextRunAt: &past, Schedule: "0 * * * *",
	}
	notDue := &catalog.Job{
		ID: uuid.NewString(), Kind: catalog.JobConceptDrift,
		Recurring: true, Enabled: true, NextRunAt: &future, Schedule: "0 * * * *",
	}
	disabled := &catalog.Job{
		ID: uuid.NewString(), Kind: catalog.JobBias,
		Recurring: true, Enabled: false, NextRunAt: &past, Schedule: "0 * * * *",
	}

	for _, j := range []*catalog.Job{oneShot, dueRecurring, notDue, disabled} {
		_, err := m.Jobs().Enqueue(ctx, j)
		require.NoError(t, err)
	}

	due, err := m.Jobs().Due(ctx, now, 10)
	require.NoError(t, err)

	ids := make(map[string]bool, len(due))
	for _, j := range due {
		ids[j.ID] = true
	}

	assert.True(t, ids[oneShot.ID])
	assert.True(t, ids[dueRecurring.ID])
	assert.False(t, ids[notDue.ID])
	assert.False(t, ids[disabled.ID])
}

func TestMemoryAlertDedup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	alert := &catalog.Alert{
		ID:         uuid.NewString(),
		SourceKind: "monitoring",
		SourceRef:  "model-1",
		Severity:   catalog.SeverityWarning,
		Title:      "psi drift on amount",
		DedupKey:   "model-1:data:amount:psi",
	}

	require.NoError(t, m.Alerts().Create(ctx, alert))

	// A second ACTIVE alert with the same key violates the dedup guard.
	dup := *alert
	dup.ID = uuid.NewString()
	err := m.Alerts().Create(ctx, &dup)
	assert.ErrorIs(t, err, fault.ErrConflictingState)

	// The raise path merges instead: occurrences and last_seen move.
	found, err := m.Alerts().FindActiveByDedupKey(ctx, alert.DedupKey)
	require.NoError(t, err)

	seenAt := time.Now().Add(time.Minute)
	require.NoError(t, m.Alerts().Merge(ctx, found.ID, "psi=0.31", seenAt))

	got, err := m.Alerts().Get(ctx, found.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Occurrences)
	assert.Equal(t, "psi=0.31", got.Details)

	// Resolving frees the key for a fresh alert.
	require.NoError(t, m.Alerts().PatchState(ctx, found.ID, catalog.AlertActive, catalog.AlertResolved))
	assert.NoError(t, m.Alerts().Create(ctx, &dup))
}

func TestMemoryAlertLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	alert := &catalog.Alert{
		ID: uuid.NewString(), SourceKind: "training", Severity: catalog.SeverityCritical,
		Title: "training failed", DedupKey: "job-9:failed",
	}
	require.NoError(t, m.Alerts().Create(ctx, alert))

	require.NoError(t, m.Alerts().PatchState(ctx, alert.ID, catalog.AlertActive, catalog.AlertAcknowledged))

	got, err := m.Alerts().Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.AcknowledgedAt)

	require.NoError(t, m.Alerts().PatchState(ctx, alert.ID, catalog.AlertAcknowledged, catalog.AlertResolved))

	// Resolved is terminal: no edges out except re-assertion.
	err = m.Alerts().PatchState(ctx, alert.ID, catalog.AlertResolved, catalog.AlertActive)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestMemoryRetrainLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)
	model := seedModel(t, m, fs.ID)

	r := &catalog.RetrainJob{
		ID:            uuid.NewString(),
		BaseModelID:   model.ID,
		Reason:        catalog.ReasonDataDrift,
		PrimaryMetric: "auc",
	}
	require.NoError(t, m.RetrainJobs().Create(ctx, r))

	steps := []catalog.RetrainState{
		catalog.RetrainDataPrep, catalog.RetrainTraining,
		catalog.RetrainValidation, catalog.RetrainComparison, catalog.RetrainPromoted,
	}

	from := catalog.RetrainPending
	for _, to := range steps {
		require.NoError(t, m.RetrainJobs().PatchState(ctx, r.ID, from, to, ""))
		from = to
	}

	err := m.RetrainJobs().PatchState(ctx, r.ID, catalog.RetrainPromoted, catalog.RetrainFailed, "late failure")
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestMemoryABTestSampleCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)
	champion := seedModel(t, m, fs.ID)
	challenger := seedModel(t, m, fs.ID)

	test := &catalog.ABTest{
		ID:                uuid.NewString(),
		ChampionModelID:   champion.ID,
		ChallengerModelID: challenger.ID,
		TrafficSplit:      0.1,
		MinSamples:        100,
		PrimaryMetric:     "auc",
	}
	require.NoError(t, m.ABTests().Create(ctx, test))
	require.NoError(t, m.ABTests().PatchState(ctx, test.ID, catalog.ABDraft, catalog.ABRunning))

	require.NoError(t, m.ABTests().AddSamples(ctx, test.ID, 9, 1))
	require.NoError(t, m.ABTests().AddSamples(ctx, test.ID, 90, 10))

	got, err := m.ABTests().Get(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.ChampionSamples)
	assert.Equal(t, 11, got.ChallengerSamples)

	require.NoError(t, m.ABTests().PatchState(ctx, test.ID, catalog.ABRunning, catalog.ABEvaluating))

	err = m.ABTests().AddSamples(ctx, test.ID, 1, 0)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestMemoryFeedPublishesModelChanges(t *testing.T) {
	m := NewMemory()

	events, cancel := m.Feed().Subscribe()
	defer cancel()

	d := seedDataset(t, m)
	fs := seedFeatureSet(t, m, d.ID)
	model := seedModel(t, m, fs.ID)

	change := <-events
	assert.Equal(t, catalog.ChangeModel, change.Kind)
	assert.Equal(t, model.ID, change.ID)
	assert.Equal(t, string(catalog.ModelTrained), change.State)
}
