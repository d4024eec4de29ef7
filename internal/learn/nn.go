package learn

import (
	"math"
	"math/rand"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// NNConfig bounds a small feed-forward network fit.
type NNConfig struct {
	Hidden       int     `json:"hidden"`
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learningRate"`
}

// NNConfigFrom maps a hyperparameter map onto the config.
func NNConfigFrom(hyper map[string]float64) NNConfig {
	cfg := NNConfig{Hidden: 8, Epochs: 30, LearningRate: 0.05}

	if v, ok := hyper["hidden"]; ok {
		cfg.Hidden = int(v)
	}

	if v, ok := hyper["epochs"]; ok {
		cfg.Epochs = int(v)
	}

	if v, ok := hyper["learning_rate"]; ok {
		cfg.LearningRate = v
	}

	return cfg
}

func (c NNConfig) validate() error {
	switch {
	case c.Hidden < 1 || c.Hidden > 256:
		return fault.Validation("hidden %d out of range [1, 256]", c.Hidden)
	case c.Epochs < 1 || c.Epochs > 1000:
		return fault.Validation("epochs %d out of range [1, 1000]", c.Epochs)
	case c.LearningRate <= 0 || c.LearningRate > 1:
		return fault.Validation("learning_rate %g out of range (0, 1]", c.LearningRate)
	default:
		return nil
	}
}

// NN is a one-hidden-layer sigmoid network trained with weighted SGD on
// log loss. Inputs are standardized with the training means and deviations
// baked into the model.
type NN struct {
	W1    [][]float64 `json:"w1"` // hidden x input
	B1    []float64   `json:"b1"`
	W2    []float64   `json:"w2"` // hidden
	B2    float64     `json:"b2"`
	Mean  []float64   `json:"mean"`
	Scale []float64   `json:"scale"`
}

var _ Classifier = (*NN)(nil)

// FitNN trains the network. The sample order is reshuffled each epoch from
// the provided RNG, so a fixed seed reproduces the fit exactly.
func FitNN(x [][]float64, y []float64, w []float64, cfg NNConfig, rng *rand.Rand) (*NN, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n, d := len(x), len(x[0])

	nn := &NN{
		W1:    make([][]float64, cfg.Hidden),
		B1:    make([]float64, cfg.Hidden),
		W2:    make([]float64, cfg.Hidden),
		Mean:  make([]float64, d),
		Scale: make([]float64, d),
	}

	for j := 0; j < d; j++ {
		var sum float64
		for i := range x {
			sum += x[i][j]
		}

		nn.Mean[j] = sum / float64(n)

		var sq float64
		for i := range x {
			dv := x[i][j] - nn.Mean[j]
			sq += dv * dv
		}

		nn.Scale[j] = 1
		if sq > 0 {
			nn.Scale[j] = 1 / math.Sqrt(sq/float64(n)+1e-12)
		}
	}

	for h := range nn.W1 {
		nn.W1[h] = make([]float64, d)
		for j := range nn.W1[h] {
			nn.W1[h][j] = (rng.Float64() - 0.5) * 0.5
		}

		nn.W2[h] = (rng.Float64() - 0.5) * 0.5
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	hidden := make([]float64, cfg.Hidden)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })

		for _, i := range order {
			weight := 1.0
			if w != nil {
				weight = w[i]
			}

			out := nn.forward(x[i], hidden)
			grad := (out - y[i]) * weight * cfg.LearningRate

			for h := 0; h < cfg.Hidden; h++ {
				gh := grad * nn.W2[h] * hidden[h] * (1 - hidden[h])

				nn.W2[h] -= grad * hidden[h]
				nn.B1[h] -= gh

				for j := 0; j < d; j++ {
					nn.W1[h][j] -= gh * (x[i][j] - nn.Mean[j]) * nn.Scale[j]
				}
			}

			nn.B2 -= grad
		}
	}

	return nn, nil
}

func (nn *NN) forward(x []float64, hidden []float64) float64 {
	raw := nn.B2

	for h := range nn.W1 {
		z := nn.B1[h]
		for j, wj := range nn.W1[h] {
			z += wj * (x[j] - nn.Mean[j]) * nn.Scale[j]
		}

		hidden[h] = sigmoid(z)
		raw += nn.W2[h] * hidden[h]
	}

	return sigmoid(raw)
}

func (nn *NN) Score(x []float64) float64 {
	hidden := make([]float64, len(nn.W2))

	return nn.forward(x, hidden)
}

// Importance is the normalized sum of absolute first-layer weights per input.
func (nn *NN) Importance() []float64 {
	acc := make([]float64, len(nn.Mean))

	for h := range nn.W1 {
		for j, wj := range nn.W1[h] {
			if wj < 0 {
				wj = -wj
			}

			acc[j] += wj
		}
	}

	return normalize(acc)
}
