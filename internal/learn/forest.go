package learn

import (
	"math/rand"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// ForestConfig bounds a random forest fit.
type ForestConfig struct {
	NEstimators int     `json:"nEstimators"`
	MaxDepth    int     `json:"maxDepth"`
	MinLeaf     int     `json:"minLeaf"`
	FeatureFrac float64 `json:"featureFrac"`
}

// ForestConfigFrom maps a hyperparameter map onto the config.
func ForestConfigFrom(hyper map[string]float64) ForestConfig {
	cfg := ForestConfig{
		NEstimators: 50,
		MaxDepth:    8,
		MinLeaf:     3,
		FeatureFrac: 0.7,
	}

	if v, ok := hyper["n_estimators"]; ok {
		cfg.NEstimators = int(v)
	}

	if v, ok := hyper["max_depth"]; ok {
		cfg.MaxDepth = int(v)
	}

	if v, ok := hyper["min_leaf"]; ok {
		cfg.MinLeaf = int(v)
	}

	if v, ok := hyper["feature_frac"]; ok {
		cfg.FeatureFrac = v
	}

	return cfg
}

func (c ForestConfig) validate() error {
	switch {
	case c.NEstimators < 1 || c.NEstimators > 1000:
		return fault.Validation("n_estimators %d out of range [1, 1000]", c.NEstimators)
	case c.MaxDepth < 1 || c.MaxDepth > 32:
		return fault.Validation("max_depth %d out of range [1, 32]", c.MaxDepth)
	case c.MinLeaf < 1:
		return fault.Validation("min_leaf %d must be positive", c.MinLeaf)
	case c.FeatureFrac <= 0 || c.FeatureFrac > 1:
		return fault.Validation("feature_frac %g out of range (0, 1]", c.FeatureFrac)
	default:
		return nil
	}
}

// Forest is a bagged ensemble of regression trees on the binary label;
// the score is the ensemble mean, already in [0,1].
type Forest struct {
	Trees       []*TreeNode `json:"trees"`
	NumFeatures int         `json:"numFeatures"`
}

var _ Classifier = (*Forest)(nil)

// FitForest fits NEstimators trees on bootstrap resamples with per-split
// feature subsampling.
func FitForest(x [][]float64, y []float64, cfg ForestConfig, rng *rand.Rand) (*Forest, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := len(x)

	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}

	params := treeParams{
		maxDepth:      cfg.MaxDepth,
		minLeaf:       cfg.MinLeaf,
		maxThresholds: 32,
		featureFrac:   cfg.FeatureFrac,
	}

	forest := &Forest{NumFeatures: len(x[0])}

	for t := 0; t < cfg.NEstimators; t++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n) // bootstrap with replacement
		}

		forest.Trees = append(forest.Trees, fitTree(x, y, w, idx, params, rng))
	}

	return forest, nil
}

func (f *Forest) Score(x []float64) float64 {
	var sum float64
	for _, tree := range f.Trees {
		sum += tree.Predict(x)
	}

	p := sum / float64(len(f.Trees))

	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

func (f *Forest) Importance() []float64 {
	acc := make([]float64, f.NumFeatures)
	for _, tree := range f.Trees {
		tree.addGains(acc)
	}

	return normalize(acc)
}
