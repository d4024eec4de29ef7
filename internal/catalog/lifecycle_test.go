package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelplane-io/modelplane/internal/fault"
)

func TestValidateModelTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ModelStatus
		to      ModelStatus
		allowed bool
	}{
		{"trained to staging", ModelTrained, ModelStaging, true},
		{"staging to production", ModelStaging, ModelProduction, true},
		{"staging demote to trained", ModelStaging, ModelTrained, true},
		{"production to archived", ModelProduction, ModelArchived, true},
		{"archived re-promotion", ModelArchived, ModelProduction, true},
		{"trained directly to production", ModelTrained, ModelProduction, false},
		{"production back to staging", ModelProduction, ModelStaging, false},
		{"archived to trained", ModelArchived, ModelTrained, false},
		{"trained to archived", ModelTrained, ModelArchived, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModelTransition(tt.from, tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, fault.ErrConflictingState)
			}
		})
	}
}

func TestValidateJobTransition(t *testing.T) {
	t.Run("queued to running", func(t *testing.T) {
		assert.NoError(t, ValidateJobTransition(JobQueued, JobRunning))
	})

	t.Run("running back to queued via lease reset", func(t *testing.T) {
		assert.NoError(t, ValidateJobTransition(JobRunning, JobQueued))
	})

	t.Run("terminal states are immutable", func(t *testing.T) {
		for _, terminal := range []JobState{JobCompleted, JobFailed, JobCancelled} {
			assert.ErrorIs(t, ValidateJobTransition(terminal, JobRunning), fault.ErrConflictingState)
		}
	})

	t.Run("re-asserting a terminal state is idempotent", func(t *testing.T) {
		assert.NoError(t, ValidateJobTransition(JobCancelled, JobCancelled))
	})

	t.Run("queued cannot complete directly", func(t *testing.T) {
		assert.ErrorIs(t, ValidateJobTransition(JobQueued, JobCompleted), fault.ErrConflictingState)
	})
}

func TestValidateAlertTransition(t *testing.T) {
	t.Run("active to acknowledged", func(t *testing.T) {
		assert.NoError(t, ValidateAlertTransition(AlertActive, AlertAcknowledged))
	})

	t.Run("acknowledge twice is a no-op", func(t *testing.T) {
		assert.NoError(t, ValidateAlertTransition(AlertAcknowledged, AlertAcknowledged))
	})

	t.Run("resolved cannot reopen", func(t *testing.T) {
		assert.ErrorIs(t, ValidateAlertTransition(AlertResolved, AlertActive), fault.ErrConflictingState)
	})

	t.Run("dismiss from active", func(t *testing.T) {
		assert.NoError(t, ValidateAlertTransition(AlertActive, AlertDismissed))
	})
}

func TestValidateRetrainTransition(t *testing.T) {
	t.Run("full happy path", func(t *testing.T) {
		path := []RetrainState{
			RetrainPending, RetrainDataPrep, RetrainTraining,
			RetrainValidation, RetrainComparison, RetrainPromoted,
		}
		for i := 1; i < len(path); i++ {
			assert.NoError(t, ValidateRetrainTransition(path[i-1], path[i]),
				"%s → %s should be allowed", path[i-1], path[i])
		}
	})

	t.Run("validation may reject", func(t *testing.T) {
		assert.NoError(t, ValidateRetrainTransition(RetrainValidation, RetrainRejected))
	})

	t.Run("cannot skip training", func(t *testing.T) {
		assert.ErrorIs(t, ValidateRetrainTransition(RetrainDataPrep, RetrainComparison), fault.ErrConflictingState)
	})

	t.Run("terminal states are immutable", func(t *testing.T) {
		assert.ErrorIs(t, ValidateRetrainTransition(RetrainPromoted, RetrainPending), fault.ErrConflictingState)
		assert.ErrorIs(t, ValidateRetrainTransition(RetrainRejected, RetrainTraining), fault.ErrConflictingState)
	})
}

func TestValidateABTransition(t *testing.T) {
	assert.NoError(t, ValidateABTransition(ABDraft, ABRunning))
	assert.NoError(t, ValidateABTransition(ABRunning, ABEvaluating))
	assert.NoError(t, ValidateABTransition(ABEvaluating, ABRunning)) // not enough samples yet
	assert.NoError(t, ValidateABTransition(ABEvaluating, ABCompleted))
	assert.NoError(t, ValidateABTransition(ABRunning, ABAborted))
	assert.ErrorIs(t, ValidateABTransition(ABCompleted, ABRunning), fault.ErrConflictingState)
	assert.ErrorIs(t, ValidateABTransition(ABDraft, ABCompleted), fault.ErrConflictingState)
}

func TestValidateDatasetTransition(t *testing.T) {
	assert.NoError(t, ValidateDatasetTransition(DatasetProcessing, DatasetActive))
	assert.NoError(t, ValidateDatasetTransition(DatasetActive, DatasetArchived))
	assert.ErrorIs(t, ValidateDatasetTransition(DatasetActive, DatasetProcessing), fault.ErrConflictingState)
	assert.ErrorIs(t, ValidateDatasetTransition(DatasetArchived, DatasetActive), fault.ErrConflictingState)
}

func TestValidateFeatureSetTransition(t *testing.T) {
	assert.NoError(t, ValidateFeatureSetTransition(FeatureSetPending, FeatureSetRunning))
	assert.NoError(t, ValidateFeatureSetTransition(FeatureSetRunning, FeatureSetCompleted))
	assert.NoError(t, ValidateFeatureSetTransition(FeatureSetRunning, FeatureSetFailed))
	assert.ErrorIs(t, ValidateFeatureSetTransition(FeatureSetCompleted, FeatureSetRunning), fault.ErrConflictingState)
	assert.ErrorIs(t, ValidateFeatureSetTransition(FeatureSetPending, FeatureSetCompleted), fault.ErrConflictingState)
}

func TestBaselineSatisfied(t *testing.T) {
	tests := []struct {
		op        BaselineOperator
		threshold float64
		value     float64
		want      bool
	}{
		{OpGTE, 0.9, 0.95, true},
		{OpGTE, 0.9, 0.9, true},
		{OpGTE, 0.9, 0.85, false},
		{OpLTE, 0.05, 0.02, true},
		{OpLTE, 0.05, 0.07, false},
		{OpGT, 0.5, 0.5, false},
		{OpLT, 0.5, 0.4, true},
		{OpEQ, 1, 1, true},
		{OpEQ, 1, 0.99, false},
	}

	for _, tt := range tests {
		b := Baseline{Operator: tt.op, Threshold: tt.threshold}
		assert.Equal(t, tt.want, b.Satisfied(tt.value), "%v %s %v", tt.value, tt.op, tt.threshold)
	}
}

func TestValidateSeverityAndOperator(t *testing.T) {
	assert.NoError(t, ValidateSeverity(SeverityCritical))
	assert.ErrorIs(t, ValidateSeverity(AlertSeverity("FATAL")), fault.ErrValidation)
	assert.NoError(t, ValidateOperator(OpGTE))
	assert.ErrorIs(t, ValidateOperator(BaselineOperator("!=")), fault.ErrValidation)
}
