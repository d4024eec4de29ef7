// Package monitoring implements production model monitoring: data drift of
// the serving inputs against the training feature matrix, concept drift of
// live performance against the metrics recorded at training, and fairness
// metrics over protected attributes.
//
// Every measurement is persisted as a metric row; alerting is driven off
// status transitions with two-window hysteresis so a single flapping window
// neither raises nor resolves anything.
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/features"
	"github.com/modelplane-io/modelplane/internal/learn"
	"github.com/modelplane-io/modelplane/internal/metrics"
)

// Concept drift bands on relative degradation against the training baseline.
const (
	conceptWarn = 0.05
	conceptCrit = 0.10
)

// maxDiscreteLevels marks a feature as categorical for drift purposes.
const maxDiscreteLevels = 12

// Alerter is the slice of the alert manager monitoring needs.
type Alerter interface {
	// Raise creates or merges an alert by dedup key.
	Raise(ctx context.Context, a *catalog.Alert) (*catalog.Alert, error)
	// ResolveActive resolves ACTIVE alerts whose dedup key starts with the
	// prefix. Returns how many were resolved.
	ResolveActive(ctx context.Context, dedupPrefix string) (int, error)
}

// RetrainTrigger starts an automated retraining run. The retraining
// controller implements it; a nil trigger disables automation.
type RetrainTrigger interface {
	TriggerRetrain(ctx context.Context, modelID string, reason catalog.RetrainReason, details string) error
}

// Config tunes the monitoring engine.
type Config struct {
	// Window is the current-sample lookback. Defaults to 7 days.
	Window time.Duration
	// Bins for PSI histograms. Defaults to 10.
	Bins int
	// MinSamples skips a check when the current window is thinner than
	// this. Defaults to 50.
	MinSamples int
	// MaxPredictions caps how many log records one run reads.
	// Defaults to 10000.
	MaxPredictions int
	// Bias configures the protected attributes. Empty disables bias runs.
	Bias BiasConfig
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 7 * 24 * time.Hour
	}

	if c.Bins <= 0 {
		c.Bins = defaultBins
	}

	if c.MinSamples <= 0 {
		c.MinSamples = 50
	}

	if c.MaxPredictions <= 0 {
		c.MaxPredictions = 10000
	}

	return c
}

// Measurement is one metric outcome within a report.
type Measurement struct {
	Identity string
	Metric   string
	Value    float64
	Status   catalog.MetricStatus
}

// Report summarizes one monitoring run.
type Report struct {
	ModelID      string
	Skipped      bool
	SkipReason   string
	Measurements []Measurement
	AlertsRaised int
}

// Worst returns the most severe status across the report.
func (r *Report) Worst() catalog.MetricStatus {
	worst := catalog.MetricOK
	for _, m := range r.Measurements {
		worst = worstStatus(worst, m.Status)
	}

	return worst
}

// Engine runs monitoring checks for one model at a time.
type Engine struct {
	cfg     Config
	cat     catalog.Catalog
	blobs   artifact.Store
	alerts  Alerter
	trigger RetrainTrigger
	met     *metrics.Set
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine wires the monitoring engine. alerts and trigger may be nil.
func NewEngine(cat catalog.Catalog, blobs artifact.Store, alerts Alerter, trigger RetrainTrigger, met *metrics.Set, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		cat:     cat,
		blobs:   blobs,
		alerts:  alerts,
		trigger: trigger,
		met:     met,
		logger:  logger,
		now:     time.Now,
	}
}

// RunDataDrift compares the serving input distribution of the window against
// the model's training feature matrix, feature by feature. Numeric features
// get PSI and KS; low-cardinality features get a chi-square test instead of
// KS.
func (e *Engine) RunDataDrift(ctx context.Context, modelID string) (*Report, error) {
	model, err := e.cat.Models().Get(ctx, modelID)
	if err != nil {
		return nil, err
	}

	matrix, err := e.referenceMatrix(ctx, model)
	if err != nil {
		return nil, err
	}

	windowStart, windowEnd := e.window()

	preds, err := e.predictions(ctx, modelID, windowStart, windowEnd, nil)
	if err != nil {
		return nil, err
	}

	report := &Report{ModelID: modelID}

	if len(preds) < e.cfg.MinSamples {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("%d predictions in window, need %d", len(preds), e.cfg.MinSamples)

		return report, nil
	}

	for _, name := range model.FeatureNames {
		ref := matrix.Column(name)
		if ref == nil {
			continue
		}

		var cur []float64

		for _, p := range preds {
			if v, ok := p.Input[name]; ok {
				cur = append(cur, v)
			}
		}

		if len(cur) < e.cfg.MinSamples {
			continue
		}

		if distinctCount(ref, maxDiscreteLevels) <= maxDiscreteLevels {
			_, pvalue := ChiSquare(levelCounts(ref), levelCounts(cur))
			e.record(ctx, model, report, catalog.DriftData, name, "chi2_pvalue", pvalue, ChiSquareStatus(pvalue), windowStart, windowEnd, catalog.ReasonDataDrift)
		} else {
			psi := PSI(ref, cur, e.cfg.Bins)
			e.record(ctx, model, report, catalog.DriftData, name, "psi", psi, PSIStatus(psi), windowStart, windowEnd, catalog.ReasonDataDrift)

			ks, _ := KS(ref, cur)
			e.record(ctx, model, report, catalog.DriftData, name, "ks", ks, KSStatus(ks), windowStart, windowEnd, catalog.ReasonDataDrift)
		}
	}

	return report, nil
}

// RunConceptDrift measures live performance on labeled predictions in the
// window and compares it against the metrics recorded at training time.
// Degradation is relative: (baseline - current) / baseline.
func (e *Engine) RunConceptDrift(ctx context.Context, modelID string) (*Report, error) {
	model, err := e.cat.Models().Get(ctx, modelID)
	if err != nil {
		return nil, err
	}

	windowStart, windowEnd := e.window()

	labeled := true

	preds, err := e.predictions(ctx, modelID, windowStart, windowEnd, &labeled)
	if err != nil {
		return nil, err
	}

	report := &Report{ModelID: modelID}

	if len(preds) < e.cfg.MinSamples {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("%d labeled predictions in window, need %d", len(preds), e.cfg.MinSamples)

		return report, nil
	}

	current := liveMetrics(preds)

	for _, name := range []string{learn.MetricPrecision, learn.MetricRecall, learn.MetricF1, learn.MetricAUC} {
		baseline := model.Metrics[name]
		if baseline <= 0 {
			continue
		}

		deg := (baseline - current[name]) / baseline
		if deg < 0 {
			deg = 0
		}

		status := catalog.MetricOK

		switch {
		case deg >= conceptCrit:
			status = catalog.MetricCritical
		case deg >= conceptWarn:
			status = catalog.MetricWarning
		}

		e.record(ctx, model, report, catalog.DriftConcept, name, "relative_degradation", deg, status, windowStart, windowEnd, catalog.ReasonConceptDrift)
	}

	return report, nil
}

// RunBias computes fairness metrics per configured protected attribute over
// the window's predictions.
func (e *Engine) RunBias(ctx context.Context, modelID string) (*Report, error) {
	model, err := e.cat.Models().Get(ctx, modelID)
	if err != nil {
		return nil, err
	}

	windowStart, windowEnd := e.window()

	preds, err := e.predictions(ctx, modelID, windowStart, windowEnd, nil)
	if err != nil {
		return nil, err
	}

	report := &Report{ModelID: modelID}

	if len(preds) < e.cfg.MinSamples {
		report.Skipped = true
		report.SkipReason = fmt.Sprintf("%d predictions in window, need %d", len(preds), e.cfg.MinSamples)

		return report, nil
	}

	for _, attr := range e.cfg.Bias.Attributes {
		groups := groupByAttribute(preds, attr)

		for _, res := range computeBias(groups, attr) {
			e.recordBias(ctx, model, report, attr.Name, res, windowStart, windowEnd)
		}
	}

	return report, nil
}

// referenceMatrix loads the feature matrix snapshot the model was trained
// on.
func (e *Engine) referenceMatrix(ctx context.Context, model *catalog.Model) (*features.Matrix, error) {
	fs, err := e.cat.FeatureSets().Get(ctx, model.FeatureSetID)
	if err != nil {
		return nil, err
	}

	raw, err := e.blobs.Get(ctx, fs.ArtifactRef)
	if err != nil {
		return nil, err
	}

	return features.DecodeMatrixCSV(raw)
}

func (e *Engine) window() (time.Time, time.Time) {
	end := e.now().UTC()

	return end.Add(-e.cfg.Window), end
}

func (e *Engine) predictions(ctx context.Context, modelID string, from, to time.Time, labeled *bool) ([]*catalog.Prediction, error) {
	var preds []*catalog.Prediction

	err := fault.Retry(ctx, func() error {
		var err error
		preds, err = e.cat.Predictions().List(ctx, catalog.PredictionFilter{
			ModelID: modelID,
			From:    from,
			To:      to,
			Labeled: labeled,
		}, catalog.Page{Limit: e.cfg.MaxPredictions})

		return err
	})

	return preds, err
}

// record persists one drift measurement and drives the alert transition
// logic.
func (e *Engine) record(ctx context.Context, model *catalog.Model, report *Report, kind catalog.DriftKind, feature, metricName string, value float64, status catalog.MetricStatus, windowStart, windowEnd time.Time, reason catalog.RetrainReason) {
	identity := feature + ":" + metricName

	prev := e.previousStatus(ctx, model.ID, identity)

	err := e.cat.Metrics().InsertDrift(ctx, &catalog.DriftMetric{
		ID:          uuid.NewString(),
		ModelID:     model.ID,
		Kind:        kind,
		Feature:     feature,
		MetricName:  metricName,
		Value:       value,
		Status:      status,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		ComputedAt:  e.now().UTC(),
	})
	if err != nil {
		e.logger.Error("persisting drift metric",
			slog.String("model_id", model.ID),
			slog.String("identity", identity),
			slog.String("error", err.Error()))

		return
	}

	e.met.DriftValue.WithLabelValues(model.ID, metricName, feature).Set(value)

	report.Measurements = append(report.Measurements, Measurement{
		Identity: identity,
		Metric:   metricName,
		Value:    value,
		Status:   status,
	})

	title := fmt.Sprintf("%s drift on %s (%s=%.4f)", kind, feature, metricName, value)
	e.react(ctx, model, report, identity, title, value, status, prev, windowEnd, reason)
}

// recordBias persists one bias measurement and drives the alert transition
// logic.
func (e *Engine) recordBias(ctx context.Context, model *catalog.Model, report *Report, attribute string, res BiasResult, windowStart, windowEnd time.Time) {
	identity := attribute + ":" + res.Metric

	prev := e.previousStatus(ctx, model.ID, identity)

	err := e.cat.Metrics().InsertBias(ctx, &catalog.BiasMetric{
		ID:          uuid.NewString(),
		ModelID:     model.ID,
		Attribute:   attribute,
		MetricName:  res.Metric,
		Value:       res.Value,
		Status:      res.Status,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		ComputedAt:  e.now().UTC(),
	})
	if err != nil {
		e.logger.Error("persisting bias metric",
			slog.String("model_id", model.ID),
			slog.String("identity", identity),
			slog.String("error", err.Error()))

		return
	}

	e.met.DriftValue.WithLabelValues(model.ID, res.Metric, attribute).Set(res.Value)

	report.Measurements = append(report.Measurements, Measurement{
		Identity: identity,
		Metric:   res.Metric,
		Value:    res.Value,
		Status:   res.Status,
	})

	title := fmt.Sprintf("bias on %s (%s=%.4f)", attribute, res.Metric, res.Value)
	e.react(ctx, model, report, identity, title, res.Value, res.Status, prev, windowEnd, catalog.ReasonBiasDetected)
}

// previousStatus returns the newest recorded status for the identity, or OK
// when there is no history.
func (e *Engine) previousStatus(ctx context.Context, modelID, identity string) catalog.MetricStatus {
	statuses, err := e.cat.Metrics().RecentStatuses(ctx, modelID, identity, 1)
	if err != nil || len(statuses) == 0 {
		return catalog.MetricOK
	}

	return statuses[0]
}

// react applies the transition policy:
//
//   - CRITICAL raises immediately.
//   - WARNING raises only when the previous window was already WARNING
//     (two-window hysteresis against flapping).
//   - Two consecutive OK windows auto-resolve the active alert.
//   - A CRITICAL measurement additionally triggers retraining.
func (e *Engine) react(ctx context.Context, model *catalog.Model, report *Report, identity, title string, value float64, status, prev catalog.MetricStatus, windowEnd time.Time, reason catalog.RetrainReason) {
	prefix := dedupPrefix(model.ID, identity)

	switch {
	case status == catalog.MetricCritical,
		status == catalog.MetricWarning && prev == catalog.MetricWarning:
		if e.alerts == nil {
			break
		}

		severity := catalog.SeverityWarning
		if status == catalog.MetricCritical {
			severity = catalog.SeverityCritical
		}

		_, err := e.alerts.Raise(ctx, &catalog.Alert{
			SourceKind: "monitoring",
			SourceRef:  model.ID,
			Severity:   severity,
			Title:      title,
			Details:    fmt.Sprintf("model=%s identity=%s value=%g status=%s", model.ID, identity, value, status),
			DedupKey:   prefix + windowEnd.Format("2006-01-02"),
		})
		if err != nil {
			e.logger.Error("raising monitoring alert",
				slog.String("identity", identity),
				slog.String("error", err.Error()))
		} else {
			report.AlertsRaised++
		}
	case status == catalog.MetricOK && prev == catalog.MetricOK:
		if e.alerts == nil {
			break
		}

		if _, err := e.alerts.ResolveActive(ctx, prefix); err != nil {
			e.logger.Error("auto-resolving monitoring alert",
				slog.String("identity", identity),
				slog.String("error", err.Error()))
		}
	}

	if status == catalog.MetricCritical && e.trigger != nil {
		details := fmt.Sprintf("%s (value=%g)", title, value)

		if err := e.trigger.TriggerRetrain(ctx, model.ID, reason, details); err != nil {
			e.logger.Error("triggering retrain",
				slog.String("model_id", model.ID),
				slog.String("reason", string(reason)),
				slog.String("error", err.Error()))
		}
	}
}

// dedupPrefix is the stable part of an alert dedup key; the daily window
// bucket is appended at raise time.
func dedupPrefix(modelID, identity string) string {
	return modelID + "|" + identity + "|"
}

// levelCounts buckets a sample by exact value for categorical tests.
func levelCounts(vals []float64) map[string]float64 {
	out := make(map[string]float64)

	for _, v := range vals {
		out[strconv.FormatFloat(v, 'g', -1, 64)]++
	}

	return out
}

// groupByAttribute buckets predictions by the protected attribute's value,
// dropping groups below the minimum size.
func groupByAttribute(preds []*catalog.Prediction, attr BiasAttribute) map[string]*groupStats {
	groups := make(map[string]*groupStats)

	for _, p := range preds {
		v, ok := p.Input[attr.Name]
		if !ok {
			continue
		}

		key := strconv.FormatFloat(v, 'g', -1, 64)

		g, ok := groups[key]
		if !ok {
			g = &groupStats{}
			groups[key] = g
		}

		g.total++

		if p.Label {
			g.positives++
		}

		if p.ActualLabel == nil {
			continue
		}

		switch {
		case p.Label && *p.ActualLabel:
			g.tp++
		case p.Label && !*p.ActualLabel:
			g.fp++
		case !p.Label && *p.ActualLabel:
			g.fn++
		default:
			g.tn++
		}
	}

	for key, g := range groups {
		if int(g.total) < attr.MinGroupSamples {
			delete(groups, key)
		}
	}

	return groups
}

// liveMetrics recomputes the classification metrics from labeled log
// records: the stored decision for the confusion counts, the raw score for
// AUC.
func liveMetrics(preds []*catalog.Prediction) map[string]float64 {
	var tp, fp, tn, fn float64

	scores := make([]float64, 0, len(preds))
	labels := make([]float64, 0, len(preds))

	for _, p := range preds {
		if p.ActualLabel == nil {
			continue
		}

		scores = append(scores, p.Score)

		if *p.ActualLabel {
			labels = append(labels, 1)
		} else {
			labels = append(labels, 0)
		}

		switch {
		case p.Label && *p.ActualLabel:
			tp++
		case p.Label && !*p.ActualLabel:
			fp++
		case !p.Label && *p.ActualLabel:
			fn++
		default:
			tn++
		}
	}

	out := map[string]float64{}

	if tp+fp > 0 {
		out[learn.MetricPrecision] = tp / (tp + fp)
	}

	if tp+fn > 0 {
		out[learn.MetricRecall] = tp / (tp + fn)
	}

	if p, r := out[learn.MetricPrecision], out[learn.MetricRecall]; p+r > 0 {
		out[learn.MetricF1] = 2 * p * r / (p + r)
	}

	if fp+tn > 0 {
		out[learn.MetricFPR] = fp / (fp + tn)
	}

	out[learn.MetricAUC] = learn.AUC(scores, labels)

	return out
}
