package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mathext"
)

// miNeighbors is the k of the k-NN mutual information estimator for
// continuous features.
const miNeighbors = 5

// maxDiscreteLevels is the cutoff for treating a column as discrete: at or
// below this many distinct values the contingency-table estimator applies.
const maxDiscreteLevels = 12

// MutualInfo estimates I(X; Y) in nats between one feature column and the
// binary label. Discrete columns use the plug-in contingency estimator;
// continuous ones the k-NN estimator of Ross (2014) with k=5. Negative
// estimates clamp to zero.
func MutualInfo(xs, y []float64) float64 {
	if isDiscrete(xs) {
		return discreteMI(xs, y)
	}

	return knnMI(xs, y)
}

func isDiscrete(xs []float64) bool {
	distinct := make(map[float64]struct{}, maxDiscreteLevels+1)

	for _, v := range xs {
		distinct[v] = struct{}{}
		if len(distinct) > maxDiscreteLevels {
			return false
		}
	}

	return true
}

// discreteMI is the plug-in estimator over the (x level, label) contingency
// table.
func discreteMI(xs, y []float64) float64 {
	n := float64(len(xs))

	joint := make(map[[2]float64]float64)
	px := make(map[float64]float64)
	py := make(map[float64]float64)

	for i, x := range xs {
		label := 0.0
		if y[i] > 0.5 {
			label = 1
		}

		joint[[2]float64{x, label}]++
		px[x]++
		py[label]++
	}

	var mi float64

	for key, c := range joint {
		pxy := c / n
		mi += pxy * math.Log(pxy*n*n/(px[key[0]]*py[key[1]]))
	}

	if mi < 0 {
		return 0
	}

	return mi
}

// knnMI is the Ross (2014) estimator for continuous X against discrete Y:
//
//	I = psi(N) - <psi(N_y)> + psi(k) - <psi(m)>
//
// where m_i counts all points within the distance to the i-th point's k-th
// nearest same-label neighbor. One-dimensional distances make both lookups
// binary searches over sorted copies.
func knnMI(xs, y []float64) float64 {
	n := len(xs)

	all := append([]float64(nil), xs...)
	sort.Float64s(all)

	var pos, neg []float64

	for i, x := range xs {
		if y[i] > 0.5 {
			pos = append(pos, x)
		} else {
			neg = append(neg, x)
		}
	}

	sort.Float64s(pos)
	sort.Float64s(neg)

	if len(pos) == 0 || len(neg) == 0 {
		return 0
	}

	var psiM, psiNy float64

	for i, x := range xs {
		class := neg
		if y[i] > 0.5 {
			class = pos
		}

		k := miNeighbors
		if k > len(class)-1 {
			k = len(class) - 1
		}

		if k < 1 {
			continue
		}

		d := kthNeighborDist(class, x, k)

		// Count points within d across all labels (both edges inclusive),
		// minus self.
		lo := sort.SearchFloat64s(all, x-d)
		hi := sort.SearchFloat64s(all, math.Nextafter(x+d, math.Inf(1)))

		m := hi - lo - 1
		if m < k {
			m = k
		}

		psiM += mathext.Digamma(float64(m))
		psiNy += mathext.Digamma(float64(len(class)))
	}

	mi := mathext.Digamma(float64(n)) - psiNy/float64(n) + mathext.Digamma(float64(miNeighbors)) - psiM/float64(n)
	if mi < 0 {
		return 0
	}

	return mi
}

// kthNeighborDist finds the distance from x to its k-th nearest neighbor in
// the sorted slice (self excluded when x is a member).
func kthNeighborDist(sorted []float64, x float64, k int) float64 {
	i := sort.SearchFloat64s(sorted, x)

	// Two-pointer expansion around the insertion point; skip one exact
	// self match.
	left, right := i-1, i
	if right < len(sorted) && sorted[right] == x {
		right++
	}

	var d float64

	for found := 0; found < k; found++ {
		switch {
		case left < 0 && right >= len(sorted):
			return d
		case left < 0:
			d = sorted[right] - x
			right++
		case right >= len(sorted):
			d = x - sorted[left]
			left--
		case x-sorted[left] <= sorted[right]-x:
			d = x - sorted[left]
			left--
		default:
			d = sorted[right] - x
			right++
		}
	}

	return d
}
