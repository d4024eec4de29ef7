// Package retraining automates the retrain loop: monitoring (or a schedule,
// or a human) opens a retrain job, the controller prepares a merged training
// set from the historical matrix plus freshly labeled predictions, trains a
// candidate, validates it against baselines, compares it to the base model
// and promotes when the improvement is real.
//
// Each pipeline state is one step function over the retrain row; the driver
// loop advances the row through the catalog state machine so a crashed run
// resumes where it stopped. Bias-triggered retrains always park at
// COMPARISON for human approval.
package retraining

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/features"
	"github.com/modelplane-io/modelplane/internal/registry"
	"github.com/modelplane-io/modelplane/internal/training"
)

// Rejection reasons recorded on the retrain row.
const (
	RejectBaselinesNotMet = "baselines_not_met"
	RejectNoImprovement   = "no_significant_improvement"
)

// DefaultMinImprovement is the absolute primary-metric gain a candidate must
// show over the base model.
const DefaultMinImprovement = 0.01

// Hooks mirror the job runner contract; see the scheduler.
type Hooks struct {
	Progress  func(progress float64, stage string)
	Cancelled func() bool
}

func (h Hooks) progress(p float64, stage string) {
	if h.Progress != nil {
		h.Progress(p, stage)
	}
}

func (h Hooks) checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return fault.Cancelled("retrain cancelled at %s", stage)
	}

	if h.Cancelled != nil && h.Cancelled() {
		return fault.Cancelled("retrain cancelled at %s", stage)
	}

	return nil
}

// Controller owns the retrain pipeline.
type Controller struct {
	cat     catalog.Catalog
	blobs   artifact.Store
	trainer *training.Engine
	reg     *registry.Registry
	logger  *slog.Logger
	// enqueue schedules the pipeline run for a retrain row. Nil means the
	// caller drives Run itself.
	enqueue func(ctx context.Context, retrainJobID string) error
	now     func() time.Time

	// prepared maps retrain id to the feature set produced by data prep.
	// Process-local; a resumed run on a fresh process redoes the prep.
	mu       sync.Mutex
	prepared map[string]string

	// defaults for triggered retrains
	primaryMetric  string
	minImprovement float64
}

// New wires the controller. primaryMetric defaults to f1.
func New(cat catalog.Catalog, blobs artifact.Store, trainer *training.Engine, reg *registry.Registry, primaryMetric string, logger *slog.Logger) *Controller {
	if primaryMetric == "" {
		primaryMetric = "f1"
	}

	return &Controller{
		cat:            cat,
		blobs:          blobs,
		trainer:        trainer,
		reg:            reg,
		logger:         logger,
		now:            time.Now,
		prepared:       make(map[string]string),
		primaryMetric:  primaryMetric,
		minImprovement: DefaultMinImprovement,
	}
}

// SetEnqueue installs the scheduler callback that runs the pipeline for a
// freshly created retrain row.
func (c *Controller) SetEnqueue(fn func(ctx context.Context, retrainJobID string) error) {
	c.enqueue = fn
}

// TriggerRetrain opens a retrain job for the model unless one is already in
// flight. Monitoring calls this on CRITICAL measurements.
func (c *Controller) TriggerRetrain(ctx context.Context, modelID string, reason catalog.RetrainReason, details string) error {
	if _, err := c.cat.Models().Get(ctx, modelID); err != nil {
		return err
	}

	inflight, err := c.inflightFor(ctx, modelID)
	if err != nil {
		return err
	}

	if inflight != nil {
		c.logger.Info("retrain already in flight, trigger absorbed",
			slog.String("model_id", modelID),
			slog.String("retrain_id", inflight.ID),
			slog.String("reason", string(reason)))

		return nil
	}

	job := &catalog.RetrainJob{
		ID:             uuid.NewString(),
		BaseModelID:    modelID,
		Reason:         reason,
		Strategy:       catalog.MergeStrategy{Kind: catalog.MergeAppend},
		PrimaryMetric:  c.primaryMetric,
		MinImprovement: c.minImprovement,
		// Bias findings need a human in the loop before any swap.
		AutoPromote: reason != catalog.ReasonBiasDetected,
	}

	if err := c.cat.RetrainJobs().Create(ctx, job); err != nil {
		return err
	}

	c.logger.Info("retrain triggered",
		slog.String("retrain_id", job.ID),
		slog.String("model_id", modelID),
		slog.String("reason", string(reason)),
		slog.String("details", details))

	if c.enqueue != nil {
		return c.enqueue(ctx, job.ID)
	}

	return nil
}

// Open creates a retrain job with explicit parameters (manual or scheduled
// path).
func (c *Controller) Open(ctx context.Context, job *catalog.RetrainJob) (*catalog.RetrainJob, error) {
	if job.BaseModelID == "" {
		return nil, fault.Validation("retrain requires a base model id")
	}

	if _, err := c.cat.Models().Get(ctx, job.BaseModelID); err != nil {
		return nil, err
	}

	cp := *job
	cp.ID = uuid.NewString()

	if cp.Reason == "" {
		cp.Reason = catalog.ReasonManual
	}

	if cp.Strategy.Kind == "" {
		cp.Strategy.Kind = catalog.MergeAppend
	}

	if cp.PrimaryMetric == "" {
		cp.PrimaryMetric = c.primaryMetric
	}

	if cp.MinImprovement <= 0 {
		cp.MinImprovement = c.minImprovement
	}

	if cp.Reason == catalog.ReasonBiasDetected {
		cp.AutoPromote = false
	}

	if err := c.cat.RetrainJobs().Create(ctx, &cp); err != nil {
		return nil, err
	}

	return c.cat.RetrainJobs().Get(ctx, cp.ID)
}

// Run drives the pipeline for one retrain row until it parks (COMPARISON
// awaiting approval) or reaches a terminal state. Resumable: a rerun picks
// up at the persisted state.
func (c *Controller) Run(ctx context.Context, retrainJobID string, hooks Hooks) error {
	for {
		job, err := c.cat.RetrainJobs().Get(ctx, retrainJobID)
		if err != nil {
			return err
		}

		if job.State.IsTerminal() {
			return nil
		}

		if err := hooks.checkpoint(ctx, string(job.State)); err != nil {
			c.fail(ctx, job, err)

			return err
		}

		advanced, err := c.step(ctx, job, hooks)
		if err != nil {
			c.fail(ctx, job, err)

			return err
		}

		if !advanced {
			return nil
		}
	}
}

// step executes the work of the row's current state and advances it.
// Returns false when the pipeline parked without a terminal state.
func (c *Controller) step(ctx context.Context, job *catalog.RetrainJob, hooks Hooks) (bool, error) {
	switch job.State {
	case catalog.RetrainPending:
		hooks.progress(0.05, "data_preparation")

		return true, c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainPending, catalog.RetrainDataPrep, "")

	case catalog.RetrainDataPrep:
		if err := c.prepareData(ctx, job); err != nil {
			return false, err
		}

		hooks.progress(0.3, "training")

		return true, c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainDataPrep, catalog.RetrainTraining, "")

	case catalog.RetrainTraining:
		if err := c.trainCandidate(ctx, job, hooks); err != nil {
			return false, err
		}

		hooks.progress(0.7, "validation")

		return true, c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainTraining, catalog.RetrainValidation, "")

	case catalog.RetrainValidation:
		return c.validate(ctx, job, hooks)

	case catalog.RetrainComparison:
		return c.compare(ctx, job, hooks)

	default:
		return false, fault.Conflict("retrain %s is in unexpected state %s", job.ID, job.State)
	}
}

// prepareData builds the merged training matrix and registers it as a new
// COMPLETED feature set the trainer can consume.
func (c *Controller) prepareData(ctx context.Context, job *catalog.RetrainJob) error {
	base, err := c.cat.Models().Get(ctx, job.BaseModelID)
	if err != nil {
		return err
	}

	baseFS, err := c.cat.FeatureSets().Get(ctx, base.FeatureSetID)
	if err != nil {
		return err
	}

	raw, err := c.blobs.Get(ctx, baseFS.ArtifactRef)
	if err != nil {
		return err
	}

	histMatrix, err := features.DecodeMatrixCSV(raw)
	if err != nil {
		return err
	}

	fresh, err := c.freshRows(ctx, base)
	if err != nil {
		return err
	}

	merged, err := mergeRows(job.Strategy, histMatrix.RowMajor(), fresh)
	if err != nil {
		return err
	}

	if len(merged) == 0 {
		return fault.Validation("merge strategy %s produced no training rows", job.Strategy.Kind)
	}

	matrix := rowsToMatrix(histMatrix.Names, merged)

	encoded, err := matrix.EncodeCSV()
	if err != nil {
		return err
	}

	ref, _, err := c.blobs.Put(ctx, artifact.KindFeatures, encoded)
	if err != nil {
		return err
	}

	fs := &catalog.FeatureSet{
		ID:        uuid.NewString(),
		DatasetID: baseFS.DatasetID,
		Config:    baseFS.Config,
	}

	if err := c.cat.FeatureSets().Create(ctx, fs); err != nil {
		return err
	}

	if err := c.cat.FeatureSets().PatchState(ctx, fs.ID, catalog.FeatureSetPending, catalog.FeatureSetRunning, ""); err != nil {
		return err
	}

	fs.SelectedFeatures = append([]string(nil), base.FeatureNames...)
	fs.SchemaHash = base.SchemaHash
	fs.ArtifactRef = ref

	if err := c.cat.FeatureSets().SetResult(ctx, fs); err != nil {
		return err
	}

	c.stash(job.ID, fs.ID)

	c.logger.Info("retrain data prepared",
		slog.String("retrain_id", job.ID),
		slog.String("feature_set_id", fs.ID),
		slog.String("merge", string(job.Strategy.Kind)),
		slog.Int("rows", len(merged)),
		slog.Int("fresh_rows", len(fresh)))

	return nil
}

// freshRows collects labeled predictions for the base model as training rows
// in the model's feature order, label last.
func (c *Controller) freshRows(ctx context.Context, base *catalog.Model) ([][]float64, error) {
	labeled := true

	preds, err := c.cat.Predictions().List(ctx, catalog.PredictionFilter{
		ModelID: base.ID,
		To:      c.now().UTC().Add(time.Second),
		Labeled: &labeled,
	}, catalog.Page{Limit: maxFreshRows})
	if err != nil {
		return nil, err
	}

	rows := make([][]float64, 0, len(preds))

	for _, p := range preds {
		row := make([]float64, 0, len(base.FeatureNames)+1)
		complete := true

		for _, name := range base.FeatureNames {
			v, ok := p.Input[name]
			if !ok {
				complete = false

				break
			}

			row = append(row, v)
		}

		if !complete {
			continue
		}

		if *p.ActualLabel {
			row = append(row, 1)
		} else {
			row = append(row, 0)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// maxFreshRows caps how many labeled predictions one retrain ingests.
const maxFreshRows = 100000

// trainCandidate trains with the base model's algorithm and hyperparameters
// on the prepared feature set and records the candidate on the row.
func (c *Controller) trainCandidate(ctx context.Context, job *catalog.RetrainJob, hooks Hooks) error {
	base, err := c.cat.Models().Get(ctx, job.BaseModelID)
	if err != nil {
		return err
	}

	fsID, ok := c.unstash(job.ID)
	if !ok {
		// Resumed on a fresh process: the prepared feature set reference
		// did not survive, redo the preparation.
		if err := c.prepareData(ctx, job); err != nil {
			return err
		}

		fsID, _ = c.unstash(job.ID)
	}

	candidateID, err := c.trainer.RunWithRetry(ctx, job.ID, training.Request{
		FeatureSetID: fsID,
		Algorithm:    base.Algorithm,
		Hyperparams:  base.Hyperparams,
	}, training.Hooks{
		Progress: func(p float64, stage string) {
			// Training spans the 0.3..0.7 share of the pipeline.
			hooks.progress(0.3+0.4*p, "training:"+stage)
		},
		Cancelled: hooks.Cancelled,
	})
	if err != nil {
		return err
	}

	if err := c.cat.RetrainJobs().SetCandidate(ctx, job.ID, candidateID); err != nil {
		return err
	}

	c.logger.Info("retrain candidate trained",
		slog.String("retrain_id", job.ID),
		slog.String("candidate_id", candidateID))

	return nil
}

// validate gates the candidate on the base model's baselines. A violation
// rejects the run rather than failing it.
func (c *Controller) validate(ctx context.Context, job *catalog.RetrainJob, hooks Hooks) (bool, error) {
	candidate, err := c.cat.Models().Get(ctx, job.CandidateModelID)
	if err != nil {
		return false, err
	}

	if err := c.reg.EvaluateBaselines(ctx, job.BaseModelID, candidate); err != nil {
		var bnm *registry.BaselinesNotMetError
		if errors.As(err, &bnm) {
			c.logger.Warn("retrain candidate rejected by baselines",
				slog.String("retrain_id", job.ID),
				slog.String("candidate_id", candidate.ID),
				slog.Int("violations", len(bnm.Failed)))

			return false, c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainValidation, catalog.RetrainRejected, RejectBaselinesNotMet)
		}

		return false, err
	}

	hooks.progress(0.85, "comparison")

	return true, c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainValidation, catalog.RetrainComparison, "")
}

// compare requires the candidate to beat the base model on the primary
// metric by the configured absolute margin, then promotes (or parks for
// approval).
func (c *Controller) compare(ctx context.Context, job *catalog.RetrainJob, hooks Hooks) (bool, error) {
	base, err := c.cat.Models().Get(ctx, job.BaseModelID)
	if err != nil {
		return false, err
	}

	candidate, err := c.cat.Models().Get(ctx, job.CandidateModelID)
	if err != nil {
		return false, err
	}

	improvement := candidate.Metrics[job.PrimaryMetric] - base.Metrics[job.PrimaryMetric]

	c.logger.Info("retrain comparison",
		slog.String("retrain_id", job.ID),
		slog.String("metric", job.PrimaryMetric),
		slog.Float64("base", base.Metrics[job.PrimaryMetric]),
		slog.Float64("candidate", candidate.Metrics[job.PrimaryMetric]),
		slog.Float64("improvement", improvement))

	if improvement < job.MinImprovement {
		return false, c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainComparison, catalog.RetrainRejected, RejectNoImprovement)
	}

	if !job.AutoPromote {
		// Parked awaiting Approve.
		hooks.progress(0.9, "awaiting_approval")

		return false, nil
	}

	if err := c.promote(ctx, job, candidate.ID); err != nil {
		return false, err
	}

	hooks.progress(1.0, "promoted")

	return false, nil
}

// Approve promotes a candidate parked at COMPARISON. The manual gate for
// bias-triggered (or any non-auto-promote) retrains.
func (c *Controller) Approve(ctx context.Context, retrainJobID string) error {
	job, err := c.cat.RetrainJobs().Get(ctx, retrainJobID)
	if err != nil {
		return err
	}

	if job.State != catalog.RetrainComparison {
		return fault.Conflict("retrain %s is %s, approval requires COMPARISON", job.ID, job.State)
	}

	return c.promote(ctx, job, job.CandidateModelID)
}

// Reject closes a parked retrain without promoting.
func (c *Controller) Reject(ctx context.Context, retrainJobID, reason string) error {
	job, err := c.cat.RetrainJobs().Get(ctx, retrainJobID)
	if err != nil {
		return err
	}

	if reason == "" {
		reason = "rejected"
	}

	return c.cat.RetrainJobs().PatchState(ctx, job.ID, job.State, catalog.RetrainRejected, reason)
}

func (c *Controller) promote(ctx context.Context, job *catalog.RetrainJob, candidateID string) error {
	if err := c.reg.Stage(ctx, candidateID); err != nil {
		return err
	}

	if _, err := c.reg.Promote(ctx, candidateID); err != nil {
		return err
	}

	if err := c.cat.RetrainJobs().PatchState(ctx, job.ID, catalog.RetrainComparison, catalog.RetrainPromoted, ""); err != nil {
		return err
	}

	c.logger.Info("retrain candidate promoted",
		slog.String("retrain_id", job.ID),
		slog.String("candidate_id", candidateID))

	return nil
}

// fail records a terminal FAILED state unless the row already ended.
func (c *Controller) fail(ctx context.Context, job *catalog.RetrainJob, cause error) {
	current, err := c.cat.RetrainJobs().Get(ctx, job.ID)
	if err != nil || current.State.IsTerminal() {
		return
	}

	if err := c.cat.RetrainJobs().PatchState(ctx, job.ID, current.State, catalog.RetrainFailed, cause.Error()); err != nil {
		c.logger.Error("marking retrain failed",
			slog.String("retrain_id", job.ID),
			slog.String("error", err.Error()))
	}
}

// inflightFor returns a non-terminal retrain row for the model, if any.
func (c *Controller) inflightFor(ctx context.Context, modelID string) (*catalog.RetrainJob, error) {
	jobs, err := c.cat.RetrainJobs().List(ctx, catalog.Page{Limit: inflightScanLimit})
	if err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if j.BaseModelID == modelID && !j.State.IsTerminal() {
			return j, nil
		}
	}

	return nil, nil
}

const inflightScanLimit = 1000

func (c *Controller) stash(retrainID, featureSetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prepared[retrainID] = featureSetID
}

func (c *Controller) unstash(retrainID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.prepared[retrainID]

	return id, ok
}

// rowsToMatrix transposes row-major training rows back into the column-major
// matrix the CSV codec stores.
func rowsToMatrix(names []string, rows [][]float64) *features.Matrix {
	cols := make([][]float64, len(names))
	for j := range cols {
		cols[j] = make([]float64, len(rows))

		for i, row := range rows {
			cols[j][i] = row[j]
		}
	}

	return &features.Matrix{Names: append([]string(nil), names...), Cols: cols, Rows: len(rows)}
}
