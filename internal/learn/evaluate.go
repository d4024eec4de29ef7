package learn

import (
	"sort"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// Metric names shared between training output, baselines and monitoring.
const (
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"
	MetricAUC       = "auc"
	MetricFPR       = "fpr"
)

// Evaluation is the fitted metric set at a decision threshold. Every field
// is always populated; a degenerate test split is an error, not a partial
// result.
type Evaluation struct {
	Precision float64
	Recall    float64
	F1        float64
	AUC       float64
	FPR       float64
	Threshold float64
}

// Map returns the metrics keyed by their canonical names.
func (e Evaluation) Map() map[string]float64 {
	return map[string]float64{
		MetricPrecision: e.Precision,
		MetricRecall:    e.Recall,
		MetricF1:        e.F1,
		MetricAUC:       e.AUC,
		MetricFPR:       e.FPR,
	}
}

// Evaluate computes precision, recall, F1, AUC-ROC and FPR of the scores
// against the labels at the given decision threshold.
func Evaluate(scores, y []float64, threshold float64) (Evaluation, error) {
	if len(scores) != len(y) {
		return Evaluation{}, fault.Validation("scores and labels length mismatch (%d vs %d)", len(scores), len(y))
	}

	if len(scores) == 0 {
		return Evaluation{}, fault.Validation("empty evaluation split")
	}

	var tp, fp, tn, fn float64

	for i, s := range scores {
		predicted := s >= threshold
		actual := y[i] > 0.5

		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		default:
			tn++
		}
	}

	eval := Evaluation{Threshold: threshold, AUC: AUC(scores, y)}

	if tp+fp > 0 {
		eval.Precision = tp / (tp + fp)
	}

	if tp+fn > 0 {
		eval.Recall = tp / (tp + fn)
	}

	if eval.Precision+eval.Recall > 0 {
		eval.F1 = 2 * eval.Precision * eval.Recall / (eval.Precision + eval.Recall)
	}

	if fp+tn > 0 {
		eval.FPR = fp / (fp + tn)
	}

	return eval, nil
}

// AUC is the rank-based AUC-ROC (equivalent to the Mann-Whitney U
// statistic), with average ranks for tied scores. A single-class label set
// yields 0.5.
func AUC(scores, y []float64) float64 {
	n := len(scores)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)

	for i := 0; i < n; {
		j := i
		for j+1 < n && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}

		avgRank := float64(i+j)/2 + 1

		for k := i; k <= j; k++ {
			ranks[idx[k]] = avgRank
		}

		i = j + 1
	}

	var posRankSum, nPos, nNeg float64

	for i := range y {
		if y[i] > 0.5 {
			posRankSum += ranks[i]
			nPos++
		} else {
			nNeg++
		}
	}

	if nPos == 0 || nNeg == 0 {
		return 0.5
	}

	return (posRankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}
