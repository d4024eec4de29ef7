package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Memory is a fully in-memory catalog.Catalog. It mirrors the PostgreSQL
// implementation's semantics (CAS transitions, promotion transaction,
// idempotency dedup, partial-unique guards) and backs unit tests and the
// single-process dev mode.
type Memory struct {
	mu sync.RWMutex

	datasets    map[string]*catalog.Dataset
	featureSets map[string]*catalog.FeatureSet
	models      map[string]*catalog.Model
	baselines   map[string][]*catalog.Baseline // model id → baselines
	predictions []*catalog.Prediction
	drift       []*catalog.DriftMetric
	bias        []*catalog.BiasMetric
	alerts      map[string]*catalog.Alert
	jobs        map[string]*catalog.Job
	cancels     map[string]bool // job id → cancel requested
	abTests     map[string]*catalog.ABTest
	retrains    map[string]*catalog.RetrainJob

	feed *catalog.Feed
	now  func() time.Time
}

// Compile-time interface assertion.
var _ catalog.Catalog = (*Memory)(nil)

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		datasets:    make(map[string]*catalog.Dataset),
		featureSets: make(map[string]*catalog.FeatureSet),
		models:      make(map[string]*catalog.Model),
		baselines:   make(map[string][]*catalog.Baseline),
		alerts:      make(map[string]*catalog.Alert),
		jobs:        make(map[string]*catalog.Job),
		cancels:     make(map[string]bool),
		abTests:     make(map[string]*catalog.ABTest),
		retrains:    make(map[string]*catalog.RetrainJob),
		feed:        catalog.NewFeed(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Datasets implements catalog.Catalog.
func (m *Memory) Datasets() catalog.DatasetStore { return (*memDatasets)(m) }

// FeatureSets implements catalog.Catalog.
func (m *Memory) FeatureSets() catalog.FeatureSetStore { return (*memFeatureSets)(m) }

// Models implements catalog.Catalog.
func (m *Memory) Models() catalog.ModelStore { return (*memModels)(m) }

// Predictions implements catalog.Catalog.
func (m *Memory) Predictions() catalog.PredictionStore { return (*memPredictions)(m) }

// Metrics implements catalog.Catalog.
func (m *Memory) Metrics() catalog.MetricStore { return (*memMetrics)(m) }

// Alerts implements catalog.Catalog.
func (m *Memory) Alerts() catalog.AlertStore { return (*memAlerts)(m) }

// Jobs implements catalog.Catalog.
func (m *Memory) Jobs() catalog.JobStore { return (*memJobs)(m) }

// ABTests implements catalog.Catalog.
func (m *Memory) ABTests() catalog.ABTestStore { return (*memABTests)(m) }

// RetrainJobs implements catalog.Catalog.
func (m *Memory) RetrainJobs() catalog.RetrainStore { return (*memRetrains)(m) }

// Feed implements catalog.Catalog.
func (m *Memory) Feed() *catalog.Feed { return m.feed }

// HealthCheck implements catalog.Catalog.
func (m *Memory) HealthCheck(_ context.Context) error { return nil }

func pageSlice[T any](items []T, page catalog.Page) []T {
	page = page.Norm()
	if page.Offset >= len(items) {
		return nil
	}

	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}

	return items[page.Offset:end]
}

// --- datasets ---

type memDatasets Memory

func (s *memDatasets) Create(_ context.Context, d *catalog.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.datasets[d.ID]; exists {
		return fault.Conflict("dataset %s already exists", d.ID)
	}

	for _, other := range s.datasets {
		if other.Name == d.Name && other.Version == d.Version {
			return fault.Conflict("dataset %s v%d already exists", d.Name, d.Version)
		}
	}

	cp := *d
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.datasets[d.ID] = &cp

	return nil
}

func (s *memDatasets) Get(_ context.Context, id string) (*catalog.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.datasets[id]
	if !ok {
		return nil, fault.NotFound("dataset %s", id)
	}

	cp := *d

	return &cp, nil
}

func (s *memDatasets) List(_ context.Context, filter catalog.DatasetFilter, page catalog.Page) ([]*catalog.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Dataset

	for _, d := range s.datasets {
		if filter.Name != "" && d.Name != filter.Name {
			continue
		}

		if filter.Status != "" && d.Status != filter.Status {
			continue
		}

		cp := *d
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memDatasets) PatchState(_ context.Context, id string, from, to catalog.DatasetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.datasets[id]
	if !ok {
		return fault.NotFound("dataset %s", id)
	}

	if d.Status != from {
		return fault.Conflict("dataset %s is %s, expected %s", id, d.Status, from)
	}

	if err := catalog.ValidateDatasetTransition(from, to); err != nil {
		return err
	}

	d.Status = to
	d.UpdatedAt = s.now()

	return nil
}

// --- feature sets ---

type memFeatureSets Memory

func (s *memFeatureSets) Create(_ context.Context, fs *catalog.FeatureSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.datasets[fs.DatasetID]; !ok {
		return fault.NotFound("dataset %s", fs.DatasetID)
	}

	if _, exists := s.featureSets[fs.ID]; exists {
		return fault.Conflict("feature set %s already exists", fs.ID)
	}

	cp := *fs
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.featureSets[fs.ID] = &cp

	return nil
}

func (s *memFeatureSets) Get(_ context.Context, id string) (*catalog.FeatureSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.featureSets[id]
	if !ok {
		return nil, fault.NotFound("feature set %s", id)
	}

	cp := *fs

	return &cp, nil
}

func (s *memFeatureSets) List(_ context.Context, datasetID string, page catalog.Page) ([]*catalog.FeatureSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.FeatureSet

	for _, fs := range s.featureSets {
		if datasetID != "" && fs.DatasetID != datasetID {
			continue
		}

		cp := *fs
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memFeatureSets) PatchState(_ context.Context, id string, from, to catalog.FeatureSetStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, ok := s.featureSets[id]
	if !ok {
		return fault.NotFound("feature set %s", id)
	}

	if fs.Status != from {
		return fault.Conflict("feature set %s is %s, expected %s", id, fs.Status, from)
	}

	if err := catalog.ValidateFeatureSetTransition(from, to); err != nil {
		return err
	}

	fs.Status = to
	fs.Error = errMsg
	fs.UpdatedAt = s.now()

	return nil
}

func (s *memFeatureSets) SetResult(_ context.Context, fs *catalog.FeatureSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.featureSets[fs.ID]
	if !ok {
		return fault.NotFound("feature set %s", fs.ID)
	}

	if current.Status != catalog.FeatureSetRunning {
		return fault.Conflict("feature set %s is %s, expected RUNNING", fs.ID, current.Status)
	}

	cp := *fs
	cp.Status = catalog.FeatureSetCompleted
	cp.CreatedAt = current.CreatedAt
	cp.UpdatedAt = s.now()
	s.featureSets[fs.ID] = &cp

	return nil
}

func (s *memFeatureSets) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.featureSets[id]; !ok {
		return fault.NotFound("feature set %s", id)
	}

	for _, m := range s.models {
		if m.FeatureSetID == id {
			return fault.Conflict("feature set %s is referenced by model %s", id, m.ID)
		}
	}

	delete(s.featureSets, id)

	return nil
}

// --- models ---

type memModels Memory

func (s *memModels) Create(_ context.Context, m *catalog.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.models[m.ID]; exists {
		return fault.Conflict("model %s already exists", m.ID)
	}

	if _, ok := s.featureSets[m.FeatureSetID]; !ok {
		return fault.NotFound("feature set %s", m.FeatureSetID)
	}

	cp := *m
	cp.Status = catalog.ModelTrained
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.models[m.ID] = &cp

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeModel, ID: cp.ID, State: string(cp.Status), At: cp.CreatedAt})

	return nil
}

func (s *memModels) Get(_ context.Context, id string) (*catalog.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, fault.NotFound("model %s", id)
	}

	cp := *m

	return &cp, nil
}

func (s *memModels) List(_ context.Context, filter catalog.ModelFilter, page catalog.Page) ([]*catalog.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Model

	for _, m := range s.models {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}

		if filter.Algorithm != "" && m.Algorithm != filter.Algorithm {
			continue
		}

		cp := *m
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memModels) PatchState(_ context.Context, id string, from, to catalog.ModelStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.patchStateLocked(id, from, to, reason)
}

func (s *memModels) patchStateLocked(id string, from, to catalog.ModelStatus, reason string) error {
	m, ok := s.models[id]
	if !ok {
		return fault.NotFound("model %s", id)
	}

	if m.Status != from {
		return fault.Conflict("model %s is %s, expected %s", id, m.Status, from)
	}

	if err := catalog.ValidateModelTransition(from, to); err != nil {
		return err
	}

	// Second line of defense for the at-most-one-PRODUCTION invariant.
	if to == catalog.ModelProduction {
		for _, other := range s.models {
			if other.ID != id && other.Status == catalog.ModelProduction {
				return fault.Conflict("model %s is already in production", other.ID)
			}
		}
	}

	now := s.now()
	m.Status = to
	m.UpdatedAt = now

	if to == catalog.ModelArchived {
		m.ArchivedReason = reason
	}

	if to == catalog.ModelProduction {
		m.PromotedAt = &now
	}

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeModel, ID: id, State: string(to), At: now})

	return nil
}

func (s *memModels) PromoteToProduction(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.models[id]
	if !ok {
		return "", fault.NotFound("model %s", id)
	}

	if target.Status != catalog.ModelStaging && target.Status != catalog.ModelArchived {
		return "", fault.Conflict("model %s is %s, promotion requires STAGING", id, target.Status)
	}

	var demoted string

	for _, other := range s.models {
		if other.ID != id && other.Status == catalog.ModelProduction {
			demoted = other.ID
			break
		}
	}

	// Single "transaction": demote then promote under one lock; a failure
	// on either leg leaves the map untouched because the checks above run
	// first.
	now := s.now()

	if demoted != "" {
		prev := s.models[demoted]
		prev.Status = catalog.ModelArchived
		prev.ArchivedReason = "superseded"
		prev.UpdatedAt = now
	}

	target.Status = catalog.ModelProduction
	target.PromotedAt = &now
	target.UpdatedAt = now

	if demoted != "" {
		s.feed.Publish(catalog.Change{Kind: catalog.ChangeModel, ID: demoted, State: string(catalog.ModelArchived), At: now})
	}

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeModel, ID: id, State: string(catalog.ModelProduction), At: now})

	return demoted, nil
}

func (s *memModels) CurrentProduction(_ context.Context) (*catalog.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.models {
		if m.Status == catalog.ModelProduction {
			cp := *m

			return &cp, nil
		}
	}

	return nil, fault.NotFound("no model in production")
}

func (s *memModels) SetBaseline(_ context.Context, b *catalog.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[b.ModelID]; !ok {
		return fault.NotFound("model %s", b.ModelID)
	}

	if err := catalog.ValidateOperator(b.Operator); err != nil {
		return err
	}

	cp := *b
	cp.CreatedAt = s.now()

	// Unique on (model_id, metric_name): replace in place.
	existing := s.baselines[b.ModelID]
	for i, old := range existing {
		if old.MetricName == b.MetricName {
			existing[i] = &cp

			return nil
		}
	}

	s.baselines[b.ModelID] = append(existing, &cp)

	return nil
}

func (s *memModels) Baselines(_ context.Context, modelID string) ([]*catalog.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.models[modelID]; !ok {
		return nil, fault.NotFound("model %s", modelID)
	}

	out := make([]*catalog.Baseline, 0, len(s.baselines[modelID]))

	for _, b := range s.baselines[modelID] {
		cp := *b
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MetricName < out[j].MetricName })

	return out, nil
}

// --- predictions ---

type memPredictions Memory

func (s *memPredictions) Append(_ context.Context, p *catalog.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}

	s.predictions = append(s.predictions, &cp)

	return nil
}

func (s *memPredictions) AppendBatch(ctx context.Context, ps []*catalog.Prediction) error {
	for _, p := range ps {
		if err := s.Append(ctx, p); err != nil {
			return err
		}
	}

	return nil
}

func (s *memPredictions) List(_ context.Context, filter catalog.PredictionFilter, page catalog.Page) ([]*catalog.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Prediction

	for _, p := range s.predictions {
		if filter.ModelID != "" && p.ModelID != filter.ModelID {
			continue
		}

		if !filter.From.IsZero() && p.CreatedAt.Before(filter.From) {
			continue
		}

		if !filter.To.IsZero() && !p.CreatedAt.Before(filter.To) {
			continue
		}

		if filter.Labeled != nil && (p.ActualLabel != nil) != *filter.Labeled {
			continue
		}

		cp := *p
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memPredictions) SetActualLabel(_ context.Context, id string, actual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.predictions {
		if p.ID == id {
			p.ActualLabel = &actual

			return nil
		}
	}

	return fault.NotFound("prediction %s", id)
}

// --- metrics ---

type memMetrics Memory

func (s *memMetrics) InsertDrift(_ context.Context, m *catalog.DriftMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if cp.ComputedAt.IsZero() {
		cp.ComputedAt = s.now()
	}

	s.drift = append(s.drift, &cp)

	return nil
}

func (s *memMetrics) InsertBias(_ context.Context, m *catalog.BiasMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	if cp.ComputedAt.IsZero() {
		cp.ComputedAt = s.now()
	}

	s.bias = append(s.bias, &cp)

	return nil
}

func (s *memMetrics) ListDrift(_ context.Context, w catalog.MetricWindow, page catalog.Page) ([]*catalog.DriftMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.DriftMetric

	for _, m := range s.drift {
		if w.ModelID != "" && m.ModelID != w.ModelID {
			continue
		}

		if !w.From.IsZero() && m.ComputedAt.Before(w.From) {
			continue
		}

		if !w.To.IsZero() && m.ComputedAt.After(w.To) {
			continue
		}

		cp := *m
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })

	return pageSlice(out, page), nil
}

func (s *memMetrics) ListBias(_ context.Context, w catalog.MetricWindow, page catalog.Page) ([]*catalog.BiasMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.BiasMetric

	for _, m := range s.bias {
		if w.ModelID != "" && m.ModelID != w.ModelID {
			continue
		}

		if !w.From.IsZero() && m.ComputedAt.Before(w.From) {
			continue
		}

		if !w.To.IsZero() && m.ComputedAt.After(w.To) {
			continue
		}

		cp := *m
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })

	return pageSlice(out, page), nil
}

func (s *memMetrics) RecentStatuses(_ context.Context, modelID, identity string, n int) ([]catalog.MetricStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type stamped struct {
		at     time.Time
		status catalog.MetricStatus
	}

	var rows []stamped

	for _, m := range s.drift {
		if m.ModelID == modelID && m.Feature+":"+m.MetricName == identity {
			rows = append(rows, stamped{m.ComputedAt, m.Status})
		}
	}

	for _, m := range s.bias {
		if m.ModelID == modelID && m.Attribute+":"+m.MetricName == identity {
			rows = append(rows, stamped{m.ComputedAt, m.Status})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].at.After(rows[j].at) })

	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}

	out := make([]catalog.MetricStatus, len(rows))
	for i, r := range rows {
		out[i] = r.status
	}

	return out, nil
}

// --- alerts ---

type memAlerts Memory

func (s *memAlerts) Create(_ context.Context, a *catalog.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := catalog.ValidateSeverity(a.Severity); err != nil {
		return err
	}

	// Partial-unique guard: at most one ACTIVE alert per dedup key.
	for _, other := range s.alerts {
		if other.DedupKey == a.DedupKey && other.Status == catalog.AlertActive {
			return fault.Conflict("active alert with dedup key %s already exists", a.DedupKey)
		}
	}

	cp := *a
	cp.Status = catalog.AlertActive

	if cp.Occurrences == 0 {
		cp.Occurrences = 1
	}

	cp.CreatedAt = s.now()
	cp.LastSeenAt = cp.CreatedAt
	s.alerts[a.ID] = &cp

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeAlert, ID: cp.ID, State: string(cp.Status), At: cp.CreatedAt})

	return nil
}

func (s *memAlerts) Get(_ context.Context, id string) (*catalog.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fault.NotFound("alert %s", id)
	}

	cp := *a

	return &cp, nil
}

func (s *memAlerts) FindActiveByDedupKey(_ context.Context, key string) (*catalog.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.alerts {
		if a.DedupKey == key && a.Status == catalog.AlertActive {
			cp := *a

			return &cp, nil
		}
	}

	return nil, fault.NotFound("no active alert with dedup key %s", key)
}

func (s *memAlerts) Merge(_ context.Context, id string, details string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return fault.NotFound("alert %s", id)
	}

	if a.Status != catalog.AlertActive {
		return fault.Conflict("alert %s is %s, merge requires ACTIVE", id, a.Status)
	}

	a.Details = details
	a.Occurrences++
	a.LastSeenAt = seenAt

	return nil
}

func (s *memAlerts) List(_ context.Context, filter catalog.AlertFilter, page catalog.Page) ([]*catalog.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Alert

	for _, a := range s.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}

		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}

		if filter.SourceRef != "" && a.SourceRef != filter.SourceRef {
			continue
		}

		cp := *a
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memAlerts) PatchState(_ context.Context, id string, from, to catalog.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return fault.NotFound("alert %s", id)
	}

	if a.Status != from {
		return fault.Conflict("alert %s is %s, expected %s", id, a.Status, from)
	}

	if err := catalog.ValidateAlertTransition(from, to); err != nil {
		return err
	}

	now := s.now()
	a.Status = to

	switch to {
	case catalog.AlertAcknowledged:
		a.AcknowledgedAt = &now
	case catalog.AlertResolved:
		a.ResolvedAt = &now
	}

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeAlert, ID: id, State: string(to), At: now})

	return nil
}

// --- jobs ---

type memJobs Memory

func (s *memJobs) Enqueue(_ context.Context, j *catalog.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.IdempotencyKey != "" {
		for _, other := range s.jobs {
			if other.IdempotencyKey == j.IdempotencyKey && !other.State.IsTerminal() {
				return true, nil
			}
		}
	}

	if _, exists := s.jobs[j.ID]; exists {
		return false, fault.Conflict("job %s already exists", j.ID)
	}

	cp := *j
	cp.State = catalog.JobQueued
	cp.Progress = 0
	cp.Stage = ""
	cp.Retries = 0
	cp.Error = ""
	cp.StartedAt = nil
	cp.CompletedAt = nil
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.jobs[j.ID] = &cp

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeJob, ID: cp.ID, State: string(cp.State), At: cp.CreatedAt})

	return false, nil
}

func (s *memJobs) Get(_ context.Context, id string) (*catalog.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fault.NotFound("job %s", id)
	}

	cp := *j

	return &cp, nil
}

func (s *memJobs) List(_ context.Context, filter catalog.JobFilter, page catalog.Page) ([]*catalog.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Job

	for _, j := range s.jobs {
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}

		if filter.State != "" && j.State != filter.State {
			continue
		}

		if filter.Recurring != nil && j.Recurring != *filter.Recurring {
			continue
		}

		cp := *j
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memJobs) PatchState(_ context.Context, id string, from, to catalog.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.patchJobLocked(id, from, to)
}

func (s *memJobs) patchJobLocked(id string, from, to catalog.JobState) error {
	j, ok := s.jobs[id]
	if !ok {
		return fault.NotFound("job %s", id)
	}

	if j.State != from {
		return fault.Conflict("job %s is %s, expected %s", id, j.State, from)
	}

	if err := catalog.ValidateJobTransition(from, to); err != nil {
		return err
	}

	j.State = to
	j.UpdatedAt = s.now()

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeJob, ID: id, State: string(to), At: j.UpdatedAt})

	return nil
}

func (s *memJobs) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, fault.NotFound("job %s", id)
	}

	if j.State != catalog.JobQueued {
		return false, nil
	}

	j.State = catalog.JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeJob, ID: id, State: string(catalog.JobRunning), At: now})

	return true, nil
}

func (s *memJobs) Due(_ context.Context, now time.Time, limit int) ([]*catalog.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*catalog.Job

	for _, j := range s.jobs {
		if j.State != catalog.JobQueued {
			continue
		}

		if j.Recurring {
			if !j.Enabled || j.NextRunAt == nil || j.NextRunAt.After(now) {
				continue
			}
		}

		cp := *j
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *memJobs) SetNextRun(_ context.Context, id string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || !j.Recurring {
		return fault.NotFound("recurring job %s", id)
	}

	now := s.now()
	j.State = catalog.JobQueued
	j.NextRunAt = &next
	j.Progress = 0
	j.Stage = ""
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeJob, ID: id, State: string(catalog.JobQueued), At: now})

	return nil
}

func (s *memJobs) SetEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fault.NotFound("job %s", id)
	}

	j.Enabled = enabled
	j.UpdatedAt = s.now()

	return nil
}

func (s *memJobs) UpdateProgress(_ context.Context, id string, progress float64, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fault.NotFound("job %s", id)
	}

	// Progress is monotonic; a regressing report is ignored, not an error.
	if progress > j.Progress {
		j.Progress = progress
	}

	j.Stage = stage
	j.UpdatedAt = s.now()

	return nil
}

func (s *memJobs) Complete(_ context.Context, id string, state catalog.JobState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fault.NotFound("job %s", id)
	}

	if err := catalog.ValidateJobTransition(j.State, state); err != nil {
		return err
	}

	now := s.now()
	j.State = state
	j.Error = errMsg
	j.CompletedAt = &now
	j.UpdatedAt = now

	if state == catalog.JobCompleted {
		j.Progress = 1
	}

	s.feed.Publish(catalog.Change{Kind: catalog.ChangeJob, ID: id, State: string(state), At: now})

	return nil
}

func (s *memJobs) SweepStale(_ context.Context, olderThan time.Time, maxRetries int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued, failed int

	now := s.now()

	for _, j := range s.jobs {
		if j.State != catalog.JobRunning || j.StartedAt == nil || !j.StartedAt.Before(olderThan) {
			continue
		}

		if j.Retries+1 > maxRetries {
			j.State = catalog.JobFailed
			j.Error = "lease expired, retries exhausted"
			j.CompletedAt = &now
			failed++
		} else {
			j.State = catalog.JobQueued
			j.Retries++
			j.StartedAt = nil
			requeued++
		}

		j.UpdatedAt = now
		s.feed.Publish(catalog.Change{Kind: catalog.ChangeJob, ID: j.ID, State: string(j.State), At: now})
	}

	return requeued, failed, nil
}

func (s *memJobs) Cancelled(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.jobs[id]; !ok {
		return false, fault.NotFound("job %s", id)
	}

	return s.cancels[id], nil
}

func (s *memJobs) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fault.NotFound("job %s", id)
	}

	s.cancels[id] = true

	return nil
}

// --- A/B tests ---

type memABTests Memory

func (s *memABTests) Create(_ context.Context, t *catalog.ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.abTests[t.ID]; exists {
		return fault.Conflict("ab test %s already exists", t.ID)
	}

	cp := *t
	cp.State = catalog.ABDraft
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.abTests[t.ID] = &cp

	return nil
}

func (s *memABTests) Get(_ context.Context, id string) (*catalog.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.abTests[id]
	if !ok {
		return nil, fault.NotFound("ab test %s", id)
	}

	cp := *t

	return &cp, nil
}

func (s *memABTests) List(_ context.Context, page catalog.Page) ([]*catalog.ABTest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*catalog.ABTest, 0, len(s.abTests))

	for _, t := range s.abTests {
		cp := *t
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memABTests) PatchState(_ context.Context, id string, from, to catalog.ABState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.abTests[id]
	if !ok {
		return fault.NotFound("ab test %s", id)
	}

	if t.State != from {
		return fault.Conflict("ab test %s is %s, expected %s", id, t.State, from)
	}

	if err := catalog.ValidateABTransition(from, to); err != nil {
		return err
	}

	t.State = to
	t.UpdatedAt = s.now()

	return nil
}

func (s *memABTests) AddSamples(_ context.Context, id string, champion, challenger int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.abTests[id]
	if !ok {
		return fault.NotFound("ab test %s", id)
	}

	if t.State != catalog.ABRunning {
		return fault.Conflict("ab test %s is not RUNNING", id)
	}

	t.ChampionSamples += champion
	t.ChallengerSamples += challenger
	t.UpdatedAt = s.now()

	return nil
}

func (s *memABTests) SetResult(_ context.Context, id string, result catalog.ABRecommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.abTests[id]
	if !ok {
		return fault.NotFound("ab test %s", id)
	}

	if t.State != catalog.ABEvaluating {
		return fault.Conflict("ab test %s is not EVALUATING", id)
	}

	t.Result = result
	t.UpdatedAt = s.now()

	return nil
}

// --- retrain jobs ---

type memRetrains Memory

func (s *memRetrains) Create(_ context.Context, r *catalog.RetrainJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.retrains[r.ID]; exists {
		return fault.Conflict("retrain job %s already exists", r.ID)
	}

	if _, ok := s.models[r.BaseModelID]; !ok {
		return fault.NotFound("model %s", r.BaseModelID)
	}

	cp := *r
	cp.State = catalog.RetrainPending
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.retrains[r.ID] = &cp

	return nil
}

func (s *memRetrains) Get(_ context.Context, id string) (*catalog.RetrainJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.retrains[id]
	if !ok {
		return nil, fault.NotFound("retrain job %s", id)
	}

	cp := *r

	return &cp, nil
}

func (s *memRetrains) List(_ context.Context, page catalog.Page) ([]*catalog.RetrainJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*catalog.RetrainJob, 0, len(s.retrains))

	for _, r := range s.retrains {
		cp := *r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return pageSlice(out, page), nil
}

func (s *memRetrains) PatchState(_ context.Context, id string, from, to catalog.RetrainState, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retrains[id]
	if !ok {
		return fault.NotFound("retrain job %s", id)
	}

	if r.State != from {
		return fault.Conflict("retrain job %s is %s, expected %s", id, r.State, from)
	}

	if err := catalog.ValidateRetrainTransition(from, to); err != nil {
		return err
	}

	r.State = to

	if to == catalog.RetrainRejected || to == catalog.RetrainFailed {
		r.FailureReason = failureReason
	}

	r.UpdatedAt = s.now()

	return nil
}

func (s *memRetrains) SetCandidate(_ context.Context, id, candidateModelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retrains[id]
	if !ok {
		return fault.NotFound("retrain job %s", id)
	}

	r.CandidateModelID = candidateModelID
	r.UpdatedAt = s.now()

	return nil
}
