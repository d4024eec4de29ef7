package catalog

import (
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Lifecycle state machines. Stores call these before any compare-and-set
// transition so an invalid edge fails with ConflictingState instead of
// silently overwriting state. The storage layer re-enforces the critical
// invariants (one PRODUCTION model, terminal job states) as a second line of
// defense.

var modelEdges = map[ModelStatus][]ModelStatus{
	ModelTrained:    {ModelStaging},
	ModelStaging:    {ModelProduction, ModelTrained}, // demote allowed
	ModelProduction: {ModelArchived},                 // via promotion of another or explicit retire
	ModelArchived:   {ModelProduction},               // re-promotion within the retention window
}

// ValidateModelTransition checks one model lifecycle edge.
func ValidateModelTransition(from, to ModelStatus) error {
	for _, next := range modelEdges[from] {
		if next == to {
			return nil
		}
	}

	return fault.Conflict("model transition %s → %s not allowed", from, to)
}

// The store itself also re-queues jobs outside these edges: the stale-lease
// sweep resets RUNNING to QUEUED, and SetNextRun cycles a completed recurring
// job back to QUEUED for its next fire time.
var jobEdges = map[JobState][]JobState{
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled, JobQueued},
}

// IsTerminal reports whether the job state admits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ValidateJobTransition checks one job lifecycle edge. Terminal states are
// immutable; re-asserting a terminal state is idempotent and allowed (so a
// duplicate cancel is a no-op, not an error).
func ValidateJobTransition(from, to JobState) error {
	if from.IsTerminal() {
		if from == to {
			return nil
		}

		return fault.Conflict("job state %s is terminal", from)
	}

	for _, next := range jobEdges[from] {
		if next == to {
			return nil
		}
	}

	return fault.Conflict("job transition %s → %s not allowed", from, to)
}

var alertEdges = map[AlertStatus][]AlertStatus{
	AlertActive:       {AlertAcknowledged, AlertResolved, AlertDismissed},
	AlertAcknowledged: {AlertResolved, AlertDismissed},
}

// IsTerminal reports whether the alert status admits no further transitions.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

// ValidateAlertTransition checks one alert lifecycle edge. Like job states,
// re-asserting a terminal status is idempotent.
func ValidateAlertTransition(from, to AlertStatus) error {
	if from == to {
		return nil // acknowledge(acknowledge(a)) is a no-op
	}

	for _, next := range alertEdges[from] {
		if next == to {
			return nil
		}
	}

	return fault.Conflict("alert transition %s → %s not allowed", from, to)
}

var retrainEdges = map[RetrainState][]RetrainState{
	RetrainPending:    {RetrainDataPrep, RetrainFailed},
	RetrainDataPrep:   {RetrainTraining, RetrainFailed},
	RetrainTraining:   {RetrainValidation, RetrainFailed},
	RetrainValidation: {RetrainComparison, RetrainRejected, RetrainFailed},
	RetrainComparison: {RetrainPromoted, RetrainRejected, RetrainFailed},
}

// IsTerminal reports whether the retrain state admits no further transitions.
func (s RetrainState) IsTerminal() bool {
	return s == RetrainPromoted || s == RetrainRejected || s == RetrainFailed
}

// ValidateRetrainTransition checks one retrain pipeline edge.
func ValidateRetrainTransition(from, to RetrainState) error {
	if from.IsTerminal() {
		return fault.Conflict("retrain state %s is terminal", from)
	}

	for _, next := range retrainEdges[from] {
		if next == to {
			return nil
		}
	}

	return fault.Conflict("retrain transition %s → %s not allowed", from, to)
}

var abEdges = map[ABState][]ABState{
	ABDraft:      {ABRunning, ABAborted},
	ABRunning:    {ABEvaluating, ABAborted},
	ABEvaluating: {ABCompleted, ABRunning, ABAborted}, // back to RUNNING while samples accumulate
}

// IsTerminal reports whether the A/B test state admits no further transitions.
func (s ABState) IsTerminal() bool {
	return s == ABCompleted || s == ABAborted
}

// ValidateABTransition checks one A/B test lifecycle edge.
func ValidateABTransition(from, to ABState) error {
	if from.IsTerminal() {
		return fault.Conflict("ab test state %s is terminal", from)
	}

	for _, next := range abEdges[from] {
		if next == to {
			return nil
		}
	}

	return fault.Conflict("ab test transition %s → %s not allowed", from, to)
}

// ValidateDatasetTransition checks one dataset lifecycle edge. Datasets are
// immutable once ACTIVE; the only edges are PROCESSING → ACTIVE and
// ACTIVE → ARCHIVED.
func ValidateDatasetTransition(from, to DatasetStatus) error {
	switch {
	case from == DatasetProcessing && to == DatasetActive:
		return nil
	case from == DatasetActive && to == DatasetArchived:
		return nil
	default:
		return fault.Conflict("dataset transition %s → %s not allowed", from, to)
	}
}

// ValidateFeatureSetTransition checks one feature set lifecycle edge.
func ValidateFeatureSetTransition(from, to FeatureSetStatus) error {
	valid := map[FeatureSetStatus][]FeatureSetStatus{
		FeatureSetPending: {FeatureSetRunning, FeatureSetFailed},
		FeatureSetRunning: {FeatureSetCompleted, FeatureSetFailed},
	}

	for _, next := range valid[from] {
		if next == to {
			return nil
		}
	}

	return fault.Conflict("feature set transition %s → %s not allowed", from, to)
}

// ValidateSeverity rejects unknown severities at the boundary.
func ValidateSeverity(s AlertSeverity) error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fault.Validation("unknown severity %q", s)
	}
}

// ValidateOperator rejects unknown baseline operators at the boundary.
func ValidateOperator(op BaselineOperator) error {
	switch op {
	case OpGTE, OpLTE, OpGT, OpLT, OpEQ:
		return nil
	default:
		return fault.Validation("unknown baseline operator %q", op)
	}
}
