package learn

import (
	"math"
	"math/rand"
	"sort"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// Imbalance strategy tags. Applied to the training split only, never to the
// evaluation split.
const (
	StrategyClassWeight = "class_weight"
	StrategySMOTE       = "smote"
	StrategyUndersample = "undersample"
)

// KnownStrategy reports whether the tag names a supported imbalance strategy.
func KnownStrategy(tag string) bool {
	switch tag {
	case StrategyClassWeight, StrategySMOTE, StrategyUndersample:
		return true
	default:
		return false
	}
}

// ApplyImbalance rebalances the training data per the strategy and returns
// the (possibly resampled) rows, labels and per-sample weights.
func ApplyImbalance(strategy string, x [][]float64, y []float64, rng *rand.Rand) ([][]float64, []float64, []float64, error) {
	pos, neg := splitByLabel(y)

	w := make([]float64, len(y))
	for i := range w {
		w[i] = 1
	}

	if len(pos) == 0 || len(neg) == 0 {
		return nil, nil, nil, fault.Validation("training split has a single class (%d positive, %d negative)", len(pos), len(neg))
	}

	switch strategy {
	case StrategyClassWeight:
		ratio := float64(len(neg)) / float64(len(pos))
		for _, i := range pos {
			w[i] = ratio
		}

		return x, y, w, nil

	case StrategySMOTE:
		return smote(x, y, w, pos, rng)

	case StrategyUndersample:
		return undersample(x, y, w, pos, neg, rng)

	default:
		return nil, nil, nil, fault.Validation("unknown imbalance strategy %q", strategy)
	}
}

func splitByLabel(y []float64) (pos, neg []int) {
	for i, label := range y {
		if label > 0.5 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}

	return pos, neg
}

// smote synthesizes minority samples by interpolating between each minority
// row and one of its k=5 nearest minority neighbors until classes balance.
func smote(x [][]float64, y, w []float64, pos []int, rng *rand.Rand) ([][]float64, []float64, []float64, error) {
	const k = 5

	need := len(y) - 2*len(pos) // negatives minus positives
	if need <= 0 {
		return x, y, w, nil
	}

	neighbors := minorityNeighbors(x, pos, k)

	outX := append([][]float64(nil), x...)
	outY := append([]float64(nil), y...)
	outW := append([]float64(nil), w...)

	for s := 0; s < need; s++ {
		i := pos[rng.Intn(len(pos))]

		nbrs := neighbors[i]
		if len(nbrs) == 0 {
			nbrs = []int{i} // lone minority point duplicates itself
		}

		j := nbrs[rng.Intn(len(nbrs))]
		u := rng.Float64()

		synth := make([]float64, len(x[i]))
		for f := range synth {
			synth[f] = x[i][f] + u*(x[j][f]-x[i][f])
		}

		outX = append(outX, synth)
		outY = append(outY, 1)
		outW = append(outW, 1)
	}

	return outX, outY, outW, nil
}

// minorityNeighbors finds up to k nearest minority neighbors (by Euclidean
// distance) for each minority row.
func minorityNeighbors(x [][]float64, pos []int, k int) map[int][]int {
	type distIdx struct {
		d   float64
		idx int
	}

	out := make(map[int][]int, len(pos))

	for _, i := range pos {
		dists := make([]distIdx, 0, len(pos)-1)

		for _, j := range pos {
			if i == j {
				continue
			}

			var d float64

			for f := range x[i] {
				diff := x[i][f] - x[j][f]
				d += diff * diff
			}

			dists = append(dists, distIdx{d: math.Sqrt(d), idx: j})
		}

		sort.Slice(dists, func(a, b int) bool {
			if dists[a].d != dists[b].d {
				return dists[a].d < dists[b].d
			}

			return dists[a].idx < dists[b].idx
		})

		n := k
		if n > len(dists) {
			n = len(dists)
		}

		nbrs := make([]int, n)
		for m := 0; m < n; m++ {
			nbrs[m] = dists[m].idx
		}

		out[i] = nbrs
	}

	return out
}

// undersample drops majority rows at random until classes balance.
func undersample(x [][]float64, y, w []float64, pos, neg []int, rng *rand.Rand) ([][]float64, []float64, []float64, error) {
	if len(neg) <= len(pos) {
		return x, y, w, nil
	}

	shuffled := append([]int(nil), neg...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	keep := append([]int(nil), pos...)
	keep = append(keep, shuffled[:len(pos)]...)
	sort.Ints(keep)

	outX := make([][]float64, len(keep))
	outY := make([]float64, len(keep))
	outW := make([]float64, len(keep))

	for m, i := range keep {
		outX[m] = x[i]
		outY[m] = y[i]
		outW[m] = w[i]
	}

	return outX, outY, outW, nil
}
