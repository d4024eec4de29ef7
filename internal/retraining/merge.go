package retraining

import (
	"math"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// maxWeightMultiplier bounds how often weighted merge replicates the fresh
// rows, so a tiny fresh sample cannot explode the training set.
const maxWeightMultiplier = 100

// mergeRows combines the historical training rows with freshly labeled rows
// according to the strategy. Rows are feature values plus the trailing label.
func mergeRows(strategy catalog.MergeStrategy, hist, fresh [][]float64) ([][]float64, error) {
	switch strategy.Kind {
	case catalog.MergeReplace:
		if len(fresh) == 0 {
			return nil, fault.Validation("replace merge with no new labeled rows")
		}

		return fresh, nil

	case catalog.MergeAppend:
		return append(append([][]float64{}, hist...), fresh...), nil

	case catalog.MergeWeighted:
		return mergeWeighted(strategy.NewWeight, hist, fresh)

	case catalog.MergeSlidingWindow:
		if strategy.MaxRows <= 0 {
			return nil, fault.Validation("sliding_window merge requires max_rows > 0")
		}

		merged := append(append([][]float64{}, hist...), fresh...)
		if len(merged) > strategy.MaxRows {
			// Oldest rows fall out; fresh rows are last.
			merged = merged[len(merged)-strategy.MaxRows:]
		}

		return merged, nil

	default:
		return nil, fault.Validation("unknown merge strategy %q", strategy.Kind)
	}
}

// mergeWeighted replicates the fresh rows so they make up roughly newWeight
// of the merged set. Row replication stands in for per-row sample weights,
// which the stored matrix format does not carry.
func mergeWeighted(newWeight float64, hist, fresh [][]float64) ([][]float64, error) {
	if newWeight <= 0 || newWeight >= 1 {
		return nil, fault.Validation("weighted merge requires new_weight in (0,1), got %g", newWeight)
	}

	if len(fresh) == 0 {
		return nil, fault.Validation("weighted merge with no new labeled rows")
	}

	// fresh*m / (hist + fresh*m) ≈ newWeight
	m := int(math.Round(newWeight / (1 - newWeight) * float64(len(hist)) / float64(len(fresh))))
	if m < 1 {
		m = 1
	}

	if m > maxWeightMultiplier {
		m = maxWeightMultiplier
	}

	merged := append([][]float64{}, hist...)
	for i := 0; i < m; i++ {
		merged = append(merged, fresh...)
	}

	return merged, nil
}
