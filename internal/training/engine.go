// Package training turns a completed feature set into a registered model: it
// loads the stored feature matrix, splits it, rebalances the training side,
// fits the requested learner, evaluates on the held-out side and publishes
// the serialized model in both native and portable forms.
//
// A run seeded from the same job id over the same feature set is fully
// reproducible.
package training

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/features"
	"github.com/modelplane-io/modelplane/internal/learn"
)

// Defaults applied to zero-valued request fields.
const (
	defaultSplitRatio = 0.8
	defaultThreshold  = 0.5
)

// Request describes one training run.
type Request struct {
	FeatureSetID string             `json:"featureSetId"`
	Algorithm    string             `json:"algorithm"`
	Hyperparams  map[string]float64 `json:"hyperparams,omitempty"`
	// Strategy is the class-imbalance strategy applied to the training
	// split. Defaults to class_weight.
	Strategy string `json:"strategy,omitempty"`
	// SplitRatio is the train share of the stratified split. Defaults to 0.8.
	SplitRatio float64 `json:"splitRatio,omitempty"`
	// Threshold is the decision threshold evaluation is reported at.
	// Defaults to 0.5.
	Threshold float64 `json:"threshold,omitempty"`
}

func (r Request) withDefaults() Request {
	if r.Strategy == "" {
		r.Strategy = learn.StrategyClassWeight
	}

	if r.SplitRatio == 0 {
		r.SplitRatio = defaultSplitRatio
	}

	if r.Threshold == 0 {
		r.Threshold = defaultThreshold
	}

	return r
}

func (r Request) validate() error {
	if r.FeatureSetID == "" {
		return fault.Validation("feature set id is required")
	}

	if !learn.KnownAlgorithm(r.Algorithm) {
		return fault.Validation("unknown algorithm %q", r.Algorithm)
	}

	if !learn.KnownStrategy(r.Strategy) {
		return fault.Validation("unknown imbalance strategy %q", r.Strategy)
	}

	if r.SplitRatio <= 0 || r.SplitRatio >= 1 {
		return fault.Validation("split ratio %g out of range (0, 1)", r.SplitRatio)
	}

	if r.Threshold <= 0 || r.Threshold >= 1 {
		return fault.Validation("decision threshold %g out of range (0, 1)", r.Threshold)
	}

	return nil
}

// Hooks let the job runner observe progress and request cooperative
// cancellation. Both are optional; the engine polls Cancelled only at stage
// boundaries.
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
		return fault.Cancelled("training cancelled at %s", stage)
	}

	if h.Cancelled != nil && h.Cancelled() {
		return fault.Cancelled("training cancelled at %s", stage)
	}

	return nil
}

// Engine runs training jobs against the catalog and blob store.
type Engine struct {
	cat    catalog.Catalog
	blobs  artifact.Store
	logger *slog.Logger
}

// NewEngine wires the training engine.
func NewEngine(cat catalog.Catalog, blobs artifact.Store, logger *slog.Logger) *Engine {
	return &Engine{cat: cat, blobs: blobs, logger: logger}
}

// Run executes one training job and returns the id of the registered model.
// Nothing is registered on failure: the model record and both artifacts
// appear only after a successful evaluation.
func (e *Engine) Run(ctx context.Context, jobID string, req Request, hooks Hooks) (string, error) {
	req = req.withDefaults()
	if err := req.validate(); err != nil {
		return "", err
	}

	started := time.Now()

	hooks.progress(0.05, "load")

	fs, err := e.cat.FeatureSets().Get(ctx, req.FeatureSetID)
	if err != nil {
		return "", err
	}

	if fs.Status != catalog.FeatureSetCompleted {
		return "", fault.Conflict("feature set %s is %s, need %s", fs.ID, fs.Status, catalog.FeatureSetCompleted)
	}

	var raw []byte

	err = fault.Retry(ctx, func() error {
		var err error
		raw, err = e.blobs.Get(ctx, fs.ArtifactRef)

		return err
	})
	if err != nil {
		return "", err
	}

	if err := hooks.checkpoint(ctx, "decode"); err != nil {
		return "", err
	}

	hooks.progress(0.15, "decode")

	x, y, names, err := decodeTrainingMatrix(raw)
	if err != nil {
		return "", err
	}

	// The matrix columns must be exactly the feature set's selection, in
	// order, or the artifact does not belong to this feature set.
	if !slices.Equal(names, fs.SelectedFeatures) {
		return "", fault.Internal(nil, "feature matrix columns diverge from feature set %s selection", fs.ID)
	}

	if got := features.SchemaHash(names); got != fs.SchemaHash {
		return "", fault.Validation("schema hash mismatch for feature set %s: matrix %s, recorded %s", fs.ID, got, fs.SchemaHash)
	}

	if err := hooks.checkpoint(ctx, "split"); err != nil {
		return "", err
	}

	hooks.progress(0.25, "split")

	rng := learn.NewRand(jobID)

	trainIdx, testIdx, err := learn.StratifiedSplit(y, req.SplitRatio, rng)
	if err != nil {
		return "", err
	}

	xTrain, yTrain := learn.Subset(x, y, trainIdx)
	xTest, yTest := learn.Subset(x, y, testIdx)

	// Substitution means for the explainer come from the raw training split,
	// before any resampling distorts the column distributions.
	means := learn.ColumnMeans(xTrain)

	if err := hooks.checkpoint(ctx, "balance"); err != nil {
		return "", err
	}

	hooks.progress(0.35, "balance")

	xTrain, yTrain, weights, err := learn.ApplyImbalance(req.Strategy, xTrain, yTrain, rng)
	if err != nil {
		return "", err
	}

	if err := hooks.checkpoint(ctx, "fit"); err != nil {
		return "", err
	}

	hooks.progress(0.45, "fit")

	model, err := learn.Fit(req.Algorithm, xTrain, yTrain, weights, req.Hyperparams, rng)
	if err != nil {
		return "", err
	}

	if err := hooks.checkpoint(ctx, "evaluate"); err != nil {
		return "", err
	}

	hooks.progress(0.7, "evaluate")

	scores := make([]float64, len(xTest))
	for i, row := range xTest {
		scores[i] = model.Score(row)
	}

	eval, err := learn.Evaluate(scores, yTest, req.Threshold)
	if err != nil {
		return "", err
	}

	if err := hooks.checkpoint(ctx, "serialize"); err != nil {
		return "", err
	}

	hooks.progress(0.85, "serialize")

	bundle, err := newBundle(req.Algorithm, model)
	if err != nil {
		return "", err
	}

	bundle.FeatureNames = names
	bundle.SchemaHash = fs.SchemaHash
	bundle.Threshold = req.Threshold
	bundle.Means = means

	native, err := bundle.EncodeNative()
	if err != nil {
		return "", err
	}

	portable, checksum, err := bundle.EncodePortable()
	if err != nil {
		return "", err
	}

	nativeRef, _, err := e.blobs.Put(ctx, artifact.KindModelNative, native)
	if err != nil {
		return "", err
	}

	portableRef, _, err := e.blobs.Put(ctx, artifact.KindModelPortable, portable)
	if err != nil {
		return "", err
	}

	if err := hooks.checkpoint(ctx, "register"); err != nil {
		return "", err
	}

	hooks.progress(0.95, "register")

	importance := make(map[string]float64, len(names))
	for i, w := range model.Importance() {
		importance[names[i]] = w
	}

	registered := &catalog.Model{
		ID:           uuid.NewString(),
		Algorithm:    req.Algorithm,
		Hyperparams:  req.Hyperparams,
		FeatureSetID: fs.ID,
		SchemaHash:   fs.SchemaHash,
		Metrics:      eval.Map(),
		Importance:   importance,
		FeatureNames: names,
		NativeRef:    nativeRef,
		PortableRef:  portableRef,
		Checksum:     checksum,
		Status:       catalog.ModelTrained,
	}

	if err := e.cat.Models().Create(ctx, registered); err != nil {
		return "", err
	}

	hooks.progress(1.0, "done")

	e.logger.Info("model trained",
		slog.String("model_id", registered.ID),
		slog.String("feature_set_id", fs.ID),
		slog.String("algorithm", req.Algorithm),
		slog.Int("train_rows", len(xTrain)),
		slog.Int("test_rows", len(xTest)),
		slog.Float64("auc", eval.AUC),
		slog.Float64("f1", eval.F1),
		slog.Duration("took", time.Since(started)))

	return registered.ID, nil
}

// RunWithRetry runs the job and retries exactly once on an internal fault.
// Validation, conflict and cancellation failures are never retried: reruns
// cannot fix them.
func (e *Engine) RunWithRetry(ctx context.Context, jobID string, req Request, hooks Hooks) (string, error) {
	id, err := e.Run(ctx, jobID, req, hooks)
	if err == nil || fault.KindOf(err) != fault.KindInternal {
		return id, err
	}

	e.logger.Warn("training failed with an internal fault, retrying once",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()))

	return e.Run(ctx, jobID, req, hooks)
}

// decodeTrainingMatrix parses a stored feature matrix, pops the trailing
// label column and returns row-major features, labels and the ordered
// feature names.
func decodeTrainingMatrix(raw []byte) ([][]float64, []float64, []string, error) {
	matrix, err := features.DecodeMatrixCSV(raw)
	if err != nil {
		return nil, nil, nil, err
	}

	n := len(matrix.Names)
	if n < 2 || matrix.Names[n-1] != features.ColLabel {
		return nil, nil, nil, fault.Corrupted("feature matrix has no trailing %s column", features.ColLabel)
	}

	names := matrix.Names[:n-1]

	sub, err := matrix.Select(names)
	if err != nil {
		return nil, nil, nil, err
	}

	return sub.RowMajor(), matrix.Column(features.ColLabel), names, nil
}
