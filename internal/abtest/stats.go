package abtest

import (
	"hash/fnv"
	"math"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/learn"
)

// zCritical is the two-sided 95% significance bound.
const zCritical = 1.96

// routesToChallenger deterministically buckets a transaction id. The same id
// always lands on the same arm for the same split.
func routesToChallenger(transactionID string, split float64) bool {
	h := fnv.New64a()
	h.Write([]byte(transactionID))

	return h.Sum64()%100 < uint64(split*100)
}

// armStats accumulates one arm's labeled outcomes.
type armStats struct {
	tp, fp, tn, fn float64
	scores         []float64
	labels         []float64
}

func collectArm(preds []*catalog.Prediction) armStats {
	var a armStats

	for _, p := range preds {
		if p.ActualLabel == nil {
			continue
		}

		a.scores = append(a.scores, p.Score)

		if *p.ActualLabel {
			a.labels = append(a.labels, 1)
		} else {
			a.labels = append(a.labels, 0)
		}

		switch {
		case p.Label && *p.ActualLabel:
			a.tp++
		case p.Label && !*p.ActualLabel:
			a.fp++
		case !p.Label && *p.ActualLabel:
			a.fn++
		default:
			a.tn++
		}
	}

	return a
}

// metric returns the primary metric's value and the denominator backing it.
// ok is false when the arm has no rows the metric is defined over.
func (a armStats) metric(name string) (value float64, n int, ok bool) {
	switch name {
	case learn.MetricPrecision:
		d := a.tp + a.fp
		if d == 0 {
			return 0, 0, false
		}

		return a.tp / d, int(d), true

	case learn.MetricRecall:
		d := a.tp + a.fn
		if d == 0 {
			return 0, 0, false
		}

		return a.tp / d, int(d), true

	case learn.MetricFPR:
		d := a.fp + a.tn
		if d == 0 {
			return 0, 0, false
		}

		return a.fp / d, int(d), true

	case learn.MetricAUC:
		if a.positives() == 0 || a.negatives() == 0 {
			return 0, 0, false
		}

		return learn.AUC(a.scores, a.labels), len(a.labels), true

	default:
		return 0, 0, false
	}
}

func (a armStats) positives() int { return int(a.tp + a.fn) }
func (a armStats) negatives() int { return int(a.fp + a.tn) }

// twoProportionZ is the pooled two-proportion z statistic for p2 - p1.
func twoProportionZ(p1 float64, n1 int, p2 float64, n2 int) float64 {
	if n1 == 0 || n2 == 0 {
		return 0
	}

	pooled := (p1*float64(n1) + p2*float64(n2)) / float64(n1+n2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0
	}

	return (p2 - p1) / se
}

// hanleyMcNeilSE is the Hanley-McNeil standard error of an AUC estimate.
func hanleyMcNeilSE(auc float64, nPos, nNeg int) float64 {
	if nPos == 0 || nNeg == 0 {
		return 0
	}

	q1 := auc / (2 - auc)
	q2 := 2 * auc * auc / (1 + auc)

	v := (auc*(1-auc) +
		float64(nPos-1)*(q1-auc*auc) +
		float64(nNeg-1)*(q2-auc*auc)) /
		(float64(nPos) * float64(nNeg))

	if v <= 0 {
		return 0
	}

	return math.Sqrt(v)
}

// aucZ compares two AUC estimates from independent samples.
func aucZ(auc1 float64, a1 armStats, auc2 float64, a2 armStats) float64 {
	se1 := hanleyMcNeilSE(auc1, a1.positives(), a1.negatives())
	se2 := hanleyMcNeilSE(auc2, a2.positives(), a2.negatives())

	denom := math.Sqrt(se1*se1 + se2*se2)
	if denom == 0 {
		return 0
	}

	return (auc2 - auc1) / denom
}
