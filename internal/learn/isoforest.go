package learn

import (
	"math"
	"math/rand"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// IsoConfig bounds an isolation forest fit.
type IsoConfig struct {
	NEstimators int `json:"nEstimators"`
	SampleSize  int `json:"sampleSize"`
}

// IsoConfigFrom maps a hyperparameter map onto the config.
func IsoConfigFrom(hyper map[string]float64) IsoConfig {
	cfg := IsoConfig{NEstimators: 100, SampleSize: 256}

	if v, ok := hyper["n_estimators"]; ok {
		cfg.NEstimators = int(v)
	}

	if v, ok := hyper["sample_size"]; ok {
		cfg.SampleSize = int(v)
	}

	return cfg
}

func (c IsoConfig) validate() error {
	switch {
	case c.NEstimators < 1 || c.NEstimators > 1000:
		return fault.Validation("n_estimators %d out of range [1, 1000]", c.NEstimators)
	case c.SampleSize < 2:
		return fault.Validation("sample_size %d must be at least 2", c.SampleSize)
	default:
		return nil
	}
}

// isoNode is one node of an isolation tree. Leaves record how many samples
// terminated there so the path length estimate can be extended by c(size).
type isoNode struct {
	Feature   int      `json:"feature"`
	Threshold float64  `json:"threshold"`
	Left      *isoNode `json:"left,omitempty"`
	Right     *isoNode `json:"right,omitempty"`
	Size      int      `json:"size,omitempty"` // leaf only
}

// IsolationForest scores anomalies: unusual transactions isolate in fewer
// random splits. The unsupervised fit ignores labels entirely.
type IsolationForest struct {
	Trees       []*isoNode `json:"trees"`
	SampleSize  int        `json:"sampleSize"`
	NumFeatures int        `json:"numFeatures"`
	// SplitCounts per feature, the importance proxy for an unsupervised fit.
	SplitCounts []float64 `json:"splitCounts"`
}

var _ Classifier = (*IsolationForest)(nil)

// FitIsolationForest builds NEstimators random isolation trees over
// subsamples of SampleSize rows.
func FitIsolationForest(x [][]float64, cfg IsoConfig, rng *rand.Rand) (*IsolationForest, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := len(x)

	sampleSize := cfg.SampleSize
	if sampleSize > n {
		sampleSize = n
	}

	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	forest := &IsolationForest{
		SampleSize:  sampleSize,
		NumFeatures: len(x[0]),
		SplitCounts: make([]float64, len(x[0])),
	}

	for t := 0; t < cfg.NEstimators; t++ {
		idx := make([]int, sampleSize)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}

		forest.Trees = append(forest.Trees, growIsoNode(x, idx, 0, maxDepth, rng, forest.SplitCounts))
	}

	return forest, nil
}

func growIsoNode(x [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand, splitCounts []float64) *isoNode {
	if depth >= maxDepth || len(idx) <= 1 {
		return &isoNode{Feature: -1, Size: len(idx)}
	}

	feature := rng.Intn(len(x[idx[0]]))

	lo, hi := x[idx[0]][feature], x[idx[0]][feature]
	for _, i := range idx {
		v := x[i][feature]
		if v < lo {
			lo = v
		}

		if v > hi {
			hi = v
		}
	}

	if lo == hi {
		return &isoNode{Feature: -1, Size: len(idx)}
	}

	threshold := lo + rng.Float64()*(hi-lo)
	splitCounts[feature]++

	var left, right []int

	for _, i := range idx {
		if x[i][feature] < threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	return &isoNode{
		Feature:   feature,
		Threshold: threshold,
		Left:      growIsoNode(x, left, depth+1, maxDepth, rng, splitCounts),
		Right:     growIsoNode(x, right, depth+1, maxDepth, rng, splitCounts),
	}
}

// Score maps the mean isolation path length onto the standard anomaly score
// 2^(-E[h]/c(n)) in [0,1]; higher means more anomalous.
func (f *IsolationForest) Score(x []float64) float64 {
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}

	mean := total / float64(len(f.Trees))

	return math.Pow(2, -mean/avgPathLength(f.SampleSize))
}

func pathLength(node *isoNode, x []float64, depth float64) float64 {
	if node.Feature < 0 {
		return depth + avgPathLength(node.Size)
	}

	if x[node.Feature] < node.Threshold {
		return pathLength(node.Left, x, depth+1)
	}

	return pathLength(node.Right, x, depth+1)
}

// avgPathLength is c(n), the average unsuccessful-search path length of a
// binary search tree over n items.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}

	h := math.Log(float64(n-1)) + 0.5772156649 // Euler-Mascheroni constant

	return 2*h - 2*float64(n-1)/float64(n)
}

func (f *IsolationForest) Importance() []float64 {
	acc := append([]float64(nil), f.SplitCounts...)

	return normalize(acc)
}
