package learn

import "sort"

// Contributions computes per-feature signed contributions for one prediction
// by mean substitution: contribution_i = score(x) - score(x with feature i
// replaced by its training mean). Positive values pushed the score up.
//
// This is the lightweight local explainer; it costs one extra Score call per
// feature and runs off the serving hot path.
func Contributions(c Classifier, means, x []float64) []float64 {
	base := c.Score(x)
	out := make([]float64, len(x))

	probe := make([]float64, len(x))
	copy(probe, x)

	for i := range x {
		probe[i] = means[i]
		out[i] = base - c.Score(probe)
		probe[i] = x[i]
	}

	return out
}

// Ranked is one feature index with its contribution, ordered for top-k
// selection.
type Ranked struct {
	Index        int
	Contribution float64
}

// TopContributions splits contributions into the k most positive and k most
// negative, each ordered by magnitude descending. Zero contributions are
// omitted.
func TopContributions(contribs []float64, k int) (positive, negative []Ranked) {
	for i, c := range contribs {
		switch {
		case c > 0:
			positive = append(positive, Ranked{Index: i, Contribution: c})
		case c < 0:
			negative = append(negative, Ranked{Index: i, Contribution: c})
		}
	}

	sort.Slice(positive, func(a, b int) bool {
		if positive[a].Contribution != positive[b].Contribution {
			return positive[a].Contribution > positive[b].Contribution
		}

		return positive[a].Index < positive[b].Index
	})
	sort.Slice(negative, func(a, b int) bool {
		if negative[a].Contribution != negative[b].Contribution {
			return negative[a].Contribution < negative[b].Contribution
		}

		return negative[a].Index < negative[b].Index
	})

	if len(positive) > k {
		positive = positive[:k]
	}

	if len(negative) > k {
		negative = negative[:k]
	}

	return positive, negative
}

// ColumnMeans returns the per-column mean of the training rows, the
// substitution baseline for Contributions.
func ColumnMeans(x [][]float64) []float64 {
	if len(x) == 0 {
		return nil
	}

	means := make([]float64, len(x[0]))

	for _, row := range x {
		for j, v := range row {
			means[j] += v
		}
	}

	for j := range means {
		means[j] /= float64(len(x))
	}

	return means
}
