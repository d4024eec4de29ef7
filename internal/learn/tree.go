package learn

import (
	"math"
	"math/rand"
	"sort"
)

// TreeNode is one node of a regression tree. Exported fields so the native
// (gob) and portable (JSON) model forms can serialize trees directly.
type TreeNode struct {
	Leaf      bool      `json:"leaf"`
	Value     float64   `json:"value,omitempty"`
	Feature   int       `json:"feature,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Gain      float64   `json:"gain,omitempty"`
	Left      *TreeNode `json:"left,omitempty"`
	Right     *TreeNode `json:"right,omitempty"`
}

// Predict walks the tree for one feature vector.
func (n *TreeNode) Predict(x []float64) float64 {
	node := n
	for !node.Leaf {
		if x[node.Feature] <= node.Threshold {
			node = node.Left
		} else {
			node = node.Right
		}
	}

	return node.Value
}

// addGains accumulates per-feature split gain into acc.
func (n *TreeNode) addGains(acc []float64) {
	if n == nil || n.Leaf {
		return
	}

	acc[n.Feature] += n.Gain
	n.Left.addGains(acc)
	n.Right.addGains(acc)
}

// treeParams bounds a single tree fit.
type treeParams struct {
	maxDepth int
	minLeaf  int
	// maxThresholds caps candidate split points per feature; quantile
	// sampling keeps fitting near-linear on wide value ranges.
	maxThresholds int
	// featureFrac subsamples candidate features per split (random forest).
	// 1.0 considers every feature.
	featureFrac float64
}

// fitTree grows a weighted least-squares regression tree on the rows in idx.
// Splits maximize weighted variance reduction; candidate order is
// deterministic so equal-gain ties resolve to the lowest feature index.
func fitTree(x [][]float64, target, w []float64, idx []int, p treeParams, rng *rand.Rand) *TreeNode {
	return growNode(x, target, w, idx, p, 0, rng)
}

func growNode(x [][]float64, target, w []float64, idx []int, p treeParams, depth int, rng *rand.Rand) *TreeNode {
	mean := weightedMean(target, w, idx)

	if depth >= p.maxDepth || len(idx) < 2*p.minLeaf {
		return &TreeNode{Leaf: true, Value: mean}
	}

	feature, threshold, gain := bestSplit(x, target, w, idx, p, rng)
	if feature < 0 {
		return &TreeNode{Leaf: true, Value: mean}
	}

	var left, right []int

	for _, i := range idx {
		if x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	if len(left) < p.minLeaf || len(right) < p.minLeaf {
		return &TreeNode{Leaf: true, Value: mean}
	}

	return &TreeNode{
		Feature:   feature,
		Threshold: threshold,
		Gain:      gain,
		Left:      growNode(x, target, w, left, p, depth+1, rng),
		Right:     growNode(x, target, w, right, p, depth+1, rng),
	}
}

// bestSplit scans candidate features and thresholds for the split with the
// highest weighted variance reduction. Returns feature -1 when no split
// improves on the parent.
func bestSplit(x [][]float64, target, w []float64, idx []int, p treeParams, rng *rand.Rand) (int, float64, float64) {
	numFeatures := len(x[idx[0]])

	features := make([]int, numFeatures)
	for f := range features {
		features[f] = f
	}

	if p.featureFrac > 0 && p.featureFrac < 1 {
		keep := int(math.Ceil(p.featureFrac * float64(numFeatures)))

		rng.Shuffle(numFeatures, func(i, j int) { features[i], features[j] = features[j], features[i] })
		features = features[:keep]
		sort.Ints(features) // deterministic scan order after the draw
	}

	parentSSE, totalW := weightedSSE(target, w, idx)
	if totalW <= 0 {
		return -1, 0, 0
	}

	bestFeature, bestThreshold, bestGain := -1, 0.0, 1e-12

	values := make([]float64, 0, len(idx))

	for _, f := range features {
		values = values[:0]
		for _, i := range idx {
			values = append(values, x[i][f])
		}

		for _, t := range candidateThresholds(values, p.maxThresholds) {
			gain := splitGain(x, target, w, idx, f, t, parentSSE)
			if gain > bestGain {
				bestFeature, bestThreshold, bestGain = f, t, gain
			}
		}
	}

	if bestFeature < 0 {
		return -1, 0, 0
	}

	return bestFeature, bestThreshold, bestGain
}

// candidateThresholds returns midpoints between sorted unique values,
// quantile-sampled down to at most maxN points.
func candidateThresholds(values []float64, maxN int) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	uniq := sorted[:0]

	for i, v := range sorted {
		if i == 0 || v != uniq[len(uniq)-1] {
			uniq = append(uniq, v)
		}
	}

	if len(uniq) < 2 {
		return nil
	}

	mids := make([]float64, 0, len(uniq)-1)
	for i := 1; i < len(uniq); i++ {
		mids = append(mids, (uniq[i-1]+uniq[i])/2)
	}

	if maxN <= 0 || len(mids) <= maxN {
		return mids
	}

	sampled := make([]float64, 0, maxN)
	for k := 0; k < maxN; k++ {
		sampled = append(sampled, mids[k*len(mids)/maxN])
	}

	return sampled
}

func splitGain(x [][]float64, target, w []float64, idx []int, feature int, threshold, parentSSE float64) float64 {
	var sumL, sumR, sqL, sqR, wL, wR float64

	for _, i := range idx {
		wi := w[i]
		if x[i][feature] <= threshold {
			sumL += wi * target[i]
			sqL += wi * target[i] * target[i]
			wL += wi
		} else {
			sumR += wi * target[i]
			sqR += wi * target[i] * target[i]
			wR += wi
		}
	}

	if wL <= 0 || wR <= 0 {
		return 0
	}

	sseL := sqL - sumL*sumL/wL
	sseR := sqR - sumR*sumR/wR

	return parentSSE - sseL - sseR
}

func weightedMean(target, w []float64, idx []int) float64 {
	var sum, totalW float64

	for _, i := range idx {
		sum += w[i] * target[i]
		totalW += w[i]
	}

	if totalW <= 0 {
		return 0
	}

	return sum / totalW
}

func weightedSSE(target, w []float64, idx []int) (sse, totalW float64) {
	var sum, sq float64

	for _, i := range idx {
		sum += w[i] * target[i]
		sq += w[i] * target[i] * target[i]
		totalW += w[i]
	}

	if totalW <= 0 {
		return 0, 0
	}

	return sq - sum*sum/totalW, totalW
}
