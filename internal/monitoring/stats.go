package monitoring

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/modelplane-io/modelplane/internal/catalog"
)

// Drift statistic thresholds. PSI bands follow the common industry cutoffs;
// KS bands apply to the two-sample statistic; chi-square bands apply to the
// p-value.
const (
	psiWarn = 0.10
	psiCrit = 0.25

	ksWarn = 0.05
	ksCrit = 0.15

	chi2PWarn = 0.05
	chi2PCrit = 0.01

	// Laplace smoothing for chi-square cells.
	chi2Epsilon = 1e-3

	defaultBins = 10
)

// PSI computes the population stability index between a reference and a
// current sample over equal-width bins spanning the reference range.
// Proportions are epsilon-smoothed so empty bins never produce infinities.
func PSI(ref, cur []float64, bins int) float64 {
	if len(ref) == 0 || len(cur) == 0 {
		return 0
	}

	if bins <= 0 {
		bins = defaultBins
	}

	lo, hi := ref[0], ref[0]

	for _, v := range ref {
		if v < lo {
			lo = v
		}

		if v > hi {
			hi = v
		}
	}

	if hi == lo {
		// Constant reference: two-bin PSI over "still the constant" vs
		// "moved off it".
		var moved float64

		for _, v := range cur {
			if v != lo {
				moved++
			}
		}

		if moved == 0 {
			return 0
		}

		const eps = 1e-6

		q2 := moved / float64(len(cur))
		q1 := math.Max(1-q2, eps)
		p1 := 1 - eps
		p2 := eps

		return (q1-p1)*math.Log(q1/p1) + (q2-p2)*math.Log(q2/p2)
	}

	width := (hi - lo) / float64(bins)

	bucket := func(v float64) int {
		// Out-of-range current values clamp to the edge bins.
		b := int((v - lo) / width)
		if b < 0 {
			b = 0
		}

		if b >= bins {
			b = bins - 1
		}

		return b
	}

	refCounts := make([]float64, bins)
	curCounts := make([]float64, bins)

	for _, v := range ref {
		refCounts[bucket(v)]++
	}

	for _, v := range cur {
		curCounts[bucket(v)]++
	}

	const eps = 1e-6

	var psi float64

	for i := 0; i < bins; i++ {
		p := math.Max(refCounts[i]/float64(len(ref)), eps)
		q := math.Max(curCounts[i]/float64(len(cur)), eps)
		psi += (q - p) * math.Log(q/p)
	}

	return psi
}

// PSIStatus bands a PSI value.
func PSIStatus(v float64) catalog.MetricStatus {
	switch {
	case v >= psiCrit:
		return catalog.MetricCritical
	case v >= psiWarn:
		return catalog.MetricWarning
	default:
		return catalog.MetricOK
	}
}

// KS computes the two-sample Kolmogorov-Smirnov statistic and its asymptotic
// p-value.
func KS(ref, cur []float64) (stat, pvalue float64) {
	n1, n2 := len(ref), len(cur)
	if n1 == 0 || n2 == 0 {
		return 0, 1
	}

	a := append([]float64(nil), ref...)
	b := append([]float64(nil), cur...)
	sort.Float64s(a)
	sort.Float64s(b)

	var i, j int

	for i < n1 && j < n2 {
		var step float64
		if a[i] <= b[j] {
			step = a[i]
		} else {
			step = b[j]
		}

		for i < n1 && a[i] <= step {
			i++
		}

		for j < n2 && b[j] <= step {
			j++
		}

		d := math.Abs(float64(i)/float64(n1) - float64(j)/float64(n2))
		if d > stat {
			stat = d
		}
	}

	en := math.Sqrt(float64(n1) * float64(n2) / float64(n1+n2))
	lambda := (en + 0.12 + 0.11/en) * stat

	return stat, ksPValue(lambda)
}

// ksPValue evaluates the Kolmogorov distribution tail Q(lambda) =
// 2 * sum_{k>=1} (-1)^{k-1} exp(-2 k^2 lambda^2).
func ksPValue(lambda float64) float64 {
	if lambda <= 0 {
		return 1
	}

	var sum float64

	sign := 1.0

	for k := 1; k <= 100; k++ {
		term := sign * math.Exp(-2*float64(k*k)*lambda*lambda)
		sum += term

		if math.Abs(term) < 1e-12 {
			break
		}

		sign = -sign
	}

	p := 2 * sum

	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// KSStatus bands a KS statistic.
func KSStatus(stat float64) catalog.MetricStatus {
	switch {
	case stat >= ksCrit:
		return catalog.MetricCritical
	case stat >= ksWarn:
		return catalog.MetricWarning
	default:
		return catalog.MetricOK
	}
}

// ChiSquare computes the chi-square homogeneity statistic and p-value between
// two categorical distributions given as per-level counts. Cells are Laplace
// smoothed so levels absent from one side stay finite.
func ChiSquare(refCounts, curCounts map[string]float64) (stat, pvalue float64) {
	levels := make(map[string]bool, len(refCounts))
	for l := range refCounts {
		levels[l] = true
	}

	for l := range curCounts {
		levels[l] = true
	}

	if len(levels) < 2 {
		return 0, 1
	}

	var refTotal, curTotal float64

	for l := range levels {
		refTotal += refCounts[l] + chi2Epsilon
		curTotal += curCounts[l] + chi2Epsilon
	}

	for l := range levels {
		r := refCounts[l] + chi2Epsilon
		c := curCounts[l] + chi2Epsilon

		rowTotal := r + c
		expectedR := rowTotal * refTotal / (refTotal + curTotal)
		expectedC := rowTotal * curTotal / (refTotal + curTotal)

		stat += (r-expectedR)*(r-expectedR)/expectedR + (c-expectedC)*(c-expectedC)/expectedC
	}

	dof := float64(len(levels) - 1)
	dist := distuv.ChiSquared{K: dof}

	return stat, dist.Survival(stat)
}

// ChiSquareStatus bands a chi-square p-value: small p-values mean the
// distributions diverged.
func ChiSquareStatus(pvalue float64) catalog.MetricStatus {
	switch {
	case pvalue < chi2PCrit:
		return catalog.MetricCritical
	case pvalue < chi2PWarn:
		return catalog.MetricWarning
	default:
		return catalog.MetricOK
	}
}

// worstStatus returns the more severe of two statuses.
func worstStatus(a, b catalog.MetricStatus) catalog.MetricStatus {
	rank := map[catalog.MetricStatus]int{
		catalog.MetricOK:       0,
		catalog.MetricWarning:  1,
		catalog.MetricCritical: 2,
	}

	if rank[b] > rank[a] {
		return b
	}

	return a
}

// distinctCount counts distinct values, stopping early once the limit is
// exceeded.
func distinctCount(vals []float64, limit int) int {
	seen := make(map[float64]bool, limit+1)

	for _, v := range vals {
		seen[v] = true
		if len(seen) > limit {
			return len(seen)
		}
	}

	return len(seen)
}
