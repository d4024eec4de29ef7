package learn

import (
	"math"
	"math/rand"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// GBTConfig bounds a gradient-boosted trees fit.
type GBTConfig struct {
	NEstimators  int     `json:"nEstimators"`
	MaxDepth     int     `json:"maxDepth"`
	LearningRate float64 `json:"learningRate"`
	MinLeaf      int     `json:"minLeaf"`
	Subsample    float64 `json:"subsample"`
	// ScalePosWeight multiplies the weight of positive samples, the usual
	// imbalance knob for boosted trees.
	ScalePosWeight float64 `json:"scalePosWeight"`
}

// GBTConfigFrom maps a hyperparameter map onto the config, with defaults for
// absent keys. Values are validated by FitGBT.
func GBTConfigFrom(hyper map[string]float64) GBTConfig {
	cfg := GBTConfig{
		NEstimators:    100,
		MaxDepth:       6,
		LearningRate:   0.1,
		MinLeaf:        5,
		Subsample:      1.0,
		ScalePosWeight: 1.0,
	}

	if v, ok := hyper["n_estimators"]; ok {
		cfg.NEstimators = int(v)
	}

	if v, ok := hyper["max_depth"]; ok {
		cfg.MaxDepth = int(v)
	}

	if v, ok := hyper["learning_rate"]; ok {
		cfg.LearningRate = v
	}

	if v, ok := hyper["min_leaf"]; ok {
		cfg.MinLeaf = int(v)
	}

	if v, ok := hyper["subsample"]; ok {
		cfg.Subsample = v
	}

	if v, ok := hyper["scale_pos_weight"]; ok {
		cfg.ScalePosWeight = v
	}

	return cfg
}

func (c GBTConfig) validate() error {
	switch {
	case c.NEstimators < 1 || c.NEstimators > 2000:
		return fault.Validation("n_estimators %d out of range [1, 2000]", c.NEstimators)
	case c.MaxDepth < 1 || c.MaxDepth > 16:
		return fault.Validation("max_depth %d out of range [1, 16]", c.MaxDepth)
	case c.LearningRate <= 0 || c.LearningRate > 1:
		return fault.Validation("learning_rate %g out of range (0, 1]", c.LearningRate)
	case c.MinLeaf < 1:
		return fault.Validation("min_leaf %d must be positive", c.MinLeaf)
	case c.Subsample <= 0 || c.Subsample > 1:
		return fault.Validation("subsample %g out of range (0, 1]", c.Subsample)
	case c.ScalePosWeight <= 0:
		return fault.Validation("scale_pos_weight %g must be positive", c.ScalePosWeight)
	default:
		return nil
	}
}

// GBT is a gradient-boosted trees binary classifier with logistic loss.
type GBT struct {
	Bias         float64     `json:"bias"`
	LearningRate float64     `json:"learningRate"`
	Trees        []*TreeNode `json:"trees"`
	NumFeatures  int         `json:"numFeatures"`
}

var _ Classifier = (*GBT)(nil)

// FitGBT boosts regression trees on the logistic-loss gradient.
func FitGBT(x [][]float64, y []float64, w []float64, cfg GBTConfig, rng *rand.Rand) (*GBT, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := len(x)

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1.0
		if w != nil {
			weights[i] = w[i]
		}

		if y[i] > 0.5 {
			weights[i] *= cfg.ScalePosWeight
		}
	}

	// Initial prediction: log-odds of the weighted positive rate.
	var posW, totalW float64

	for i := range y {
		totalW += weights[i]
		if y[i] > 0.5 {
			posW += weights[i]
		}
	}

	p0 := clamp01(posW / totalW)

	model := &GBT{
		Bias:         math.Log(p0 / (1 - p0)),
		LearningRate: cfg.LearningRate,
		NumFeatures:  len(x[0]),
	}

	raw := make([]float64, n)
	for i := range raw {
		raw[i] = model.Bias
	}

	residual := make([]float64, n)

	params := treeParams{
		maxDepth:      cfg.MaxDepth,
		minLeaf:       cfg.MinLeaf,
		maxThresholds: 32,
		featureFrac:   1.0,
	}

	for t := 0; t < cfg.NEstimators; t++ {
		for i := range residual {
			residual[i] = y[i] - sigmoid(raw[i])
		}

		idx := sampleRows(n, cfg.Subsample, rng)

		tree := fitTree(x, residual, weights, idx, params, rng)
		model.Trees = append(model.Trees, tree)

		for i := range raw {
			raw[i] += cfg.LearningRate * tree.Predict(x[i])
		}
	}

	return model, nil
}

// Score returns the fraud probability for one feature vector.
func (g *GBT) Score(x []float64) float64 {
	raw := g.Bias
	for _, tree := range g.Trees {
		raw += g.LearningRate * tree.Predict(x)
	}

	return sigmoid(raw)
}

// Importance is the normalized total split gain per feature.
func (g *GBT) Importance() []float64 {
	acc := make([]float64, g.NumFeatures)
	for _, tree := range g.Trees {
		tree.addGains(acc)
	}

	return normalize(acc)
}

// sampleRows draws frac*n rows without replacement, or every row when
// frac >= 1.
func sampleRows(n int, frac float64, rng *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	if frac >= 1 {
		return idx
	}

	keep := int(math.Ceil(frac * float64(n)))
	if keep < 1 {
		keep = 1
	}

	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	return idx[:keep]
}
