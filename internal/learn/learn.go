// Package learn implements the small in-process learners the control plane
// trains and serves: gradient-boosted trees (the xgboost_like and
// lightgbm_like algorithm tags), random forests, isolation forests and a
// small feed-forward network, plus the split, imbalance and evaluation
// helpers around them.
//
// Every stochastic step takes an explicit *rand.Rand so a run seeded from a
// job id is fully reproducible.
package learn

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// Algorithm tags.
const (
	AlgoIsolationForest = "isolation_forest"
	AlgoXGBoostLike     = "xgboost_like"
	AlgoLightGBMLike    = "lightgbm_like"
	AlgoRandomForest    = "random_forest"
	AlgoSmallNN         = "small_nn"
)

// Algorithms lists the supported algorithm tags.
func Algorithms() []string {
	return []string{AlgoIsolationForest, AlgoXGBoostLike, AlgoLightGBMLike, AlgoRandomForest, AlgoSmallNN}
}

// KnownAlgorithm reports whether the tag names a supported learner.
func KnownAlgorithm(tag string) bool {
	switch tag {
	case AlgoIsolationForest, AlgoXGBoostLike, AlgoLightGBMLike, AlgoRandomForest, AlgoSmallNN:
		return true
	default:
		return false
	}
}

// Classifier scores one feature vector to a fraud probability in [0,1].
type Classifier interface {
	Score(x []float64) float64
	// Importance returns one non-negative weight per input feature,
	// summing to 1 (or all zeros for a degenerate fit).
	Importance() []float64
}

// SeedFrom derives a deterministic RNG seed from an id (typically the job
// id), so reruns of the same job reproduce the same randomness.
func SeedFrom(id string) int64 {
	sum := sha256.Sum256([]byte(id))

	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
}

// NewRand returns a deterministic RNG seeded from the id.
func NewRand(id string) *rand.Rand {
	return rand.New(rand.NewSource(SeedFrom(id)))
}

// Fit trains the learner named by the algorithm tag. Hyperparameters outside
// the learner's accepted ranges fail with a Validation fault (the
// AlgorithmRejected class); unknown tags likewise.
func Fit(algorithm string, x [][]float64, y []float64, w []float64, hyper map[string]float64, rng *rand.Rand) (Classifier, error) {
	if len(x) == 0 {
		return nil, fault.Validation("training set is empty")
	}

	switch algorithm {
	case AlgoXGBoostLike:
		cfg := GBTConfigFrom(hyper)

		return FitGBT(x, y, w, cfg, rng)
	case AlgoLightGBMLike:
		// Same boosting core, leaf-heavier defaults.
		cfg := GBTConfigFrom(hyper)
		if _, ok := hyper["max_depth"]; !ok {
			cfg.MaxDepth = 8
		}

		if _, ok := hyper["learning_rate"]; !ok {
			cfg.LearningRate = 0.05
		}

		return FitGBT(x, y, w, cfg, rng)
	case AlgoRandomForest:
		return FitForest(x, y, ForestConfigFrom(hyper), rng)
	case AlgoIsolationForest:
		return FitIsolationForest(x, IsoConfigFrom(hyper), rng)
	case AlgoSmallNN:
		return FitNN(x, y, w, NNConfigFrom(hyper), rng)
	default:
		return nil, fault.Validation("unknown algorithm %q", algorithm)
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// clamp01 keeps probabilities inside the open unit interval.
func clamp01(p float64) float64 {
	switch {
	case p < 1e-9:
		return 1e-9
	case p > 1-1e-9:
		return 1 - 1e-9
	default:
		return p
	}
}

// normalize scales the weights to sum to 1 in place and returns them.
// All-zero input is returned unchanged.
func normalize(ws []float64) []float64 {
	var total float64
	for _, w := range ws {
		total += w
	}

	if total <= 0 {
		return ws
	}

	for i := range ws {
		ws[i] /= total
	}

	return ws
}
