// Package registry manages the model lifecycle: staging, the baseline-gated
// promotion to production, retirement and recovery from a corrupted
// production artifact.
//
// At most one model is PRODUCTION at a time; the catalog enforces that
// invariant transactionally and the registry layers the promotion policy on
// top.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/bus"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/training"
)

// Archive reasons the registry writes.
const (
	ReasonSuperseded = "superseded"
	ReasonCorrupted  = "corrupted"
	ReasonRetired    = "retired"
)

// BaselineViolation is one baseline a candidate model failed.
type BaselineViolation struct {
	Metric    string
	Value     float64
	Threshold float64
	Operator  catalog.BaselineOperator
}

// BaselinesNotMetError reports every baseline a promotion candidate failed.
// It matches errors.Is(err, fault.ErrConflictingState).
type BaselinesNotMetError struct {
	ModelID string
	Failed  []BaselineViolation
}

// Error implements the error interface.
func (e *BaselinesNotMetError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, v := range e.Failed {
		parts[i] = fmt.Sprintf("%s=%g (need %s %g)", v.Metric, v.Value, v.Operator, v.Threshold)
	}

	return fmt.Sprintf("model %s does not meet baselines: %s", e.ModelID, strings.Join(parts, ", "))
}

// Unwrap classifies the failure as a state conflict.
func (e *BaselinesNotMetError) Unwrap() error {
	return fault.ErrConflictingState
}

// Registry is the model lifecycle service.
type Registry struct {
	cat    catalog.Catalog
	blobs  artifact.Store
	pub    bus.Publisher
	logger *slog.Logger
}

// New wires the registry.
func New(cat catalog.Catalog, blobs artifact.Store, pub bus.Publisher, logger *slog.Logger) *Registry {
	return &Registry{cat: cat, blobs: blobs, pub: pub, logger: logger}
}

// Stage moves a TRAINED model to STAGING.
func (r *Registry) Stage(ctx context.Context, modelID string) error {
	return r.cat.Models().PatchState(ctx, modelID, catalog.ModelTrained, catalog.ModelStaging, "")
}

// Demote moves a STAGING model back to TRAINED.
func (r *Registry) Demote(ctx context.Context, modelID string) error {
	return r.cat.Models().PatchState(ctx, modelID, catalog.ModelStaging, catalog.ModelTrained, "")
}

// Retire archives the PRODUCTION model without promoting a replacement.
// Serving continues on the in-memory copy until a new model is promoted.
func (r *Registry) Retire(ctx context.Context, modelID string) error {
	return r.cat.Models().PatchState(ctx, modelID, catalog.ModelProduction, catalog.ModelArchived, ReasonRetired)
}

// SetBaseline records a promotion baseline for a model.
func (r *Registry) SetBaseline(ctx context.Context, b *catalog.Baseline) error {
	if b.MetricName == "" {
		return fault.Validation("baseline metric name is required")
	}

	if err := catalog.ValidateOperator(b.Operator); err != nil {
		return err
	}

	return r.cat.Models().SetBaseline(ctx, b)
}

// CheckBaselines evaluates every baseline recorded for the model against its
// training metrics. Returns a *BaselinesNotMetError listing every violation,
// or nil when all pass. A model with no baselines passes.
func (r *Registry) CheckBaselines(ctx context.Context, m *catalog.Model) error {
	return r.EvaluateBaselines(ctx, m.ID, m)
}

// EvaluateBaselines checks the model's metrics against the baselines recorded
// for baselineModelID. Retraining gates candidates on the base model's
// baselines before they have any of their own.
func (r *Registry) EvaluateBaselines(ctx context.Context, baselineModelID string, m *catalog.Model) error {
	baselines, err := r.cat.Models().Baselines(ctx, baselineModelID)
	if err != nil {
		return err
	}

	var failed []BaselineViolation

	for _, b := range baselines {
		value, ok := m.Metrics[b.MetricName]
		if ok && b.Satisfied(value) {
			continue
		}

		failed = append(failed, BaselineViolation{
			Metric:    b.MetricName,
			Value:     value,
			Threshold: b.Threshold,
			Operator:  b.Operator,
		})
	}

	if len(failed) == 0 {
		return nil
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].Metric < failed[j].Metric })

	return &BaselinesNotMetError{ModelID: m.ID, Failed: failed}
}

// Promote moves a STAGING model to PRODUCTION: the baseline gate runs first,
// then the catalog swap (archiving any previous production model with reason
// "superseded"), then the activation event. Returns the id of the demoted
// model, empty if none was in production.
func (r *Registry) Promote(ctx context.Context, modelID string) (string, error) {
	m, err := r.cat.Models().Get(ctx, modelID)
	if err != nil {
		return "", err
	}

	if m.Status != catalog.ModelStaging {
		return "", fault.Conflict("model %s is %s, promotion requires %s", modelID, m.Status, catalog.ModelStaging)
	}

	if err := r.CheckBaselines(ctx, m); err != nil {
		return "", err
	}

	demoted, err := r.cat.Models().PromoteToProduction(ctx, modelID)
	if err != nil {
		return "", err
	}

	r.announce(ctx, m)

	r.logger.Info("model promoted to production",
		slog.String("model_id", modelID),
		slog.String("demoted_model_id", demoted))

	return demoted, nil
}

// announce publishes ModelActivated. Event delivery is best effort: the
// catalog is already updated and remains the source of truth.
func (r *Registry) announce(ctx context.Context, m *catalog.Model) {
	err := r.pub.PublishModelActivated(ctx, bus.ModelActivated{
		ModelID:     m.ID,
		SchemaHash:  m.SchemaHash,
		PortableRef: m.PortableRef,
		PromotedAt:  time.Now().UTC(),
	})
	if err != nil {
		r.logger.Warn("publishing model activation",
			slog.String("model_id", m.ID),
			slog.String("error", err.Error()))
	}
}

// LoadPortable fetches and decodes the model's portable artifact, verifying
// the bytes against the checksum recorded at registration. The artifact
// store's own checksum guards the stored bytes; this second check guards
// against the catalog pointing at the wrong blob.
func (r *Registry) LoadPortable(ctx context.Context, modelID string) (*training.Bundle, error) {
	m, err := r.cat.Models().Get(ctx, modelID)
	if err != nil {
		return nil, err
	}

	data, err := r.blobs.Get(ctx, m.PortableRef)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != m.Checksum {
		return nil, fault.Corrupted("model %s portable artifact checksum %s does not match recorded %s", modelID, got, m.Checksum)
	}

	return training.DecodePortable(data)
}

// RecoverCorrupted handles a corrupted PRODUCTION artifact: the model is
// archived with reason "corrupted" and the most recently superseded model is
// re-promoted. Returns the id of the re-promoted model, or empty when no
// fallback exists.
func (r *Registry) RecoverCorrupted(ctx context.Context, modelID string) (string, error) {
	if err := r.cat.Models().PatchState(ctx, modelID, catalog.ModelProduction, catalog.ModelArchived, ReasonCorrupted); err != nil {
		return "", err
	}

	r.logger.Error("production model artifact corrupted, archived",
		slog.String("model_id", modelID))

	fallback, err := r.latestSuperseded(ctx, modelID)
	if err != nil {
		return "", err
	}

	if fallback == nil {
		r.logger.Error("no superseded model available, serving continues on the in-memory copy")

		return "", nil
	}

	if _, err := r.cat.Models().PromoteToProduction(ctx, fallback.ID); err != nil {
		return "", err
	}

	r.announce(ctx, fallback)

	r.logger.Warn("re-promoted previous production model",
		slog.String("model_id", fallback.ID))

	return fallback.ID, nil
}

// latestSuperseded finds the most recently updated ARCHIVED model with
// reason "superseded", excluding the one just archived.
func (r *Registry) latestSuperseded(ctx context.Context, excludeID string) (*catalog.Model, error) {
	archived, err := r.cat.Models().List(ctx, catalog.ModelFilter{Status: catalog.ModelArchived}, catalog.Page{})
	if err != nil {
		return nil, err
	}

	var best *catalog.Model

	for _, m := range archived {
		if m.ID == excludeID || m.ArchivedReason != ReasonSuperseded {
			continue
		}

		if best == nil || m.UpdatedAt.After(best.UpdatedAt) {
			best = m
		}
	}

	return best, nil
}

// MetricDelta is one metric compared across two models.
type MetricDelta struct {
	Metric string  `json:"metric"`
	A      float64 `json:"a"`
	B      float64 `json:"b"`
	Delta  float64 `json:"delta"` // B - A
}

// Compare returns per-metric deltas between two models over the union of
// their metric names, sorted by metric name.
func (r *Registry) Compare(ctx context.Context, idA, idB string) ([]MetricDelta, error) {
	a, err := r.cat.Models().Get(ctx, idA)
	if err != nil {
		return nil, err
	}

	b, err := r.cat.Models().Get(ctx, idB)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(a.Metrics))
	for name := range a.Metrics {
		names[name] = true
	}

	for name := range b.Metrics {
		names[name] = true
	}

	out := make([]MetricDelta, 0, len(names))
	for name := range names {
		out = append(out, MetricDelta{
			Metric: name,
			A:      a.Metrics[name],
			B:      b.Metrics[name],
			Delta:  b.Metrics[name] - a.Metrics[name],
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })

	return out, nil
}
