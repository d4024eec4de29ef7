// Package features implements the deterministic feature pipeline: parsing an
// ingested dataset, computing the transaction/behavioral/temporal/aggregation
// feature families, and running the fixed four-stage selection that produces
// a FeatureSet with a stable schema hash.
//
// Determinism is the contract: given the same dataset bytes and the same
// config, two runs produce identical selected features, an identical schema
// hash and a byte-identical feature matrix. All randomness is seeded from
// the job id.
package features

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/learn"
)

// Hooks let the job runner observe progress and request cooperative
// cancellation. Both are optional; the pipeline polls Cancelled only at
// stage boundaries.
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
		return fault.Cancelled("feature pipeline cancelled at %s", stage)
	}

	if h.Cancelled != nil && h.Cancelled() {
		return fault.Cancelled("feature pipeline cancelled at %s", stage)
	}

	return nil
}

// Pipeline computes feature sets from catalog datasets.
type Pipeline struct {
	cat      catalog.Catalog
	blobs    artifact.Store
	calendar HolidayCalendar
	logger   *slog.Logger
}

// NewPipeline wires the pipeline. A nil calendar means no holidays.
func NewPipeline(cat catalog.Catalog, blobs artifact.Store, calendar HolidayCalendar, logger *slog.Logger) *Pipeline {
	if calendar == nil {
		calendar = NoHolidays{}
	}

	return &Pipeline{cat: cat, blobs: blobs, calendar: calendar, logger: logger}
}

// Run executes the pipeline for one dataset and returns the id of the
// resulting FeatureSet. On any stage failure the set moves to FAILED with
// the error recorded; no partial output is ever published.
func (p *Pipeline) Run(ctx context.Context, jobID, datasetID string, cfg catalog.FeatureConfig, hooks Hooks) (string, error) {
	cfg = normalizeConfig(cfg)

	ds, err := p.cat.Datasets().Get(ctx, datasetID)
	if err != nil {
		return "", err
	}

	if ds.Status == catalog.DatasetArchived {
		return "", fault.Conflict("dataset %s is archived", datasetID)
	}

	fs := &catalog.FeatureSet{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Config:    cfg,
		Status:    catalog.FeatureSetPending,
		CreatedAt: time.Now().UTC(),
	}

	if err := p.cat.FeatureSets().Create(ctx, fs); err != nil {
		return "", err
	}

	if err := p.cat.FeatureSets().PatchState(ctx, fs.ID, catalog.FeatureSetPending, catalog.FeatureSetRunning, ""); err != nil {
		return "", err
	}

	if err := p.run(ctx, jobID, ds, fs, cfg, hooks); err != nil {
		p.fail(ctx, fs.ID, err)

		return fs.ID, err
	}

	return fs.ID, nil
}

func (p *Pipeline) run(ctx context.Context, jobID string, ds *catalog.Dataset, fs *catalog.FeatureSet, cfg catalog.FeatureConfig, hooks Hooks) error {
	started := time.Now()

	hooks.progress(0.05, "load")

	var raw []byte

	err := fault.Retry(ctx, func() error {
		var err error
		raw, err = p.blobs.Get(ctx, ds.BlobRef)

		return err
	})
	if err != nil {
		return err
	}

	table, err := ParseCSV(raw)
	if err != nil {
		return err
	}

	label, err := Label(table)
	if err != nil {
		return err
	}

	if err := hooks.checkpoint(ctx, "extract"); err != nil {
		return err
	}

	hooks.progress(0.3, "extract")

	matrix, err := Extract(table, cfg, p.calendar)
	if err != nil {
		return err
	}

	if err := hooks.checkpoint(ctx, "select"); err != nil {
		return err
	}

	hooks.progress(0.6, "select")

	selection, err := Select(matrix, label, cfg, learn.NewRand(jobID))
	if err != nil {
		return err
	}

	if err := hooks.checkpoint(ctx, "publish"); err != nil {
		return err
	}

	hooks.progress(0.85, "publish")

	// The stored matrix carries the selected columns plus the label, so
	// training never re-parses the raw dataset.
	withLabel, err := matrix.Select(selection.Selected)
	if err != nil {
		return err
	}

	withLabel.Names = append(withLabel.Names, ColLabel)
	withLabel.Cols = append(withLabel.Cols, label)

	encoded, err := withLabel.EncodeCSV()
	if err != nil {
		return err
	}

	ref, _, err := p.blobs.Put(ctx, artifact.KindFeatures, encoded)
	if err != nil {
		return err
	}

	fs.AllFeatures = selection.All
	fs.SelectedFeatures = selection.Selected
	fs.Scores = selection.Scores
	fs.SchemaHash = SchemaHash(selection.Selected)
	fs.ArtifactRef = ref

	if err := p.cat.FeatureSets().SetResult(ctx, fs); err != nil {
		return err
	}

	hooks.progress(1.0, "done")

	p.logger.Info("feature set completed",
		slog.String("feature_set_id", fs.ID),
		slog.String("dataset_id", ds.ID),
		slog.Int("all_features", len(selection.All)),
		slog.Int("selected_features", len(selection.Selected)),
		slog.String("schema_hash", fs.SchemaHash),
		slog.Duration("took", time.Since(started)))

	return nil
}

// fail moves the feature set to FAILED, best effort: the original error
// wins over any bookkeeping failure.
func (p *Pipeline) fail(ctx context.Context, fsID string, cause error) {
	err := p.cat.FeatureSets().PatchState(ctx, fsID, catalog.FeatureSetRunning, catalog.FeatureSetFailed, cause.Error())
	if err != nil {
		p.logger.Error("recording feature set failure",
			slog.String("feature_set_id", fsID),
			slog.String("error", err.Error()))
	}
}

// normalizeConfig fills zero-valued selection parameters with the documented
// defaults.
func normalizeConfig(cfg catalog.FeatureConfig) catalog.FeatureConfig {
	def := catalog.DefaultFeatureConfig()

	if cfg.VarianceThreshold == 0 {
		cfg.VarianceThreshold = def.VarianceThreshold
	}

	if cfg.CorrelationThreshold == 0 {
		cfg.CorrelationThreshold = def.CorrelationThreshold
	}

	if cfg.MaxFeatures == 0 {
		cfg.MaxFeatures = def.MaxFeatures
	}

	if cfg.Aggregation && len(cfg.AggregationWindows) == 0 {
		cfg.AggregationWindows = def.AggregationWindows
	}

	return cfg
}
