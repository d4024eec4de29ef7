package monitoring

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane-io/modelplane/internal/catalog"
)

func normalSample(n int, mean, sd float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))

	out := make([]float64, n)
	for i := range out {
		out[i] = mean + sd*rng.NormFloat64()
	}

	return out
}

func TestPSIStableDistribution(t *testing.T) {
	ref := normalSample(2000, 0, 1, 1)
	cur := normalSample(2000, 0, 1, 2)

	psi := PSI(ref, cur, 10)
	assert.Less(t, psi, psiWarn)
	assert.Equal(t, catalog.MetricOK, PSIStatus(psi))
}

func TestPSIShiftedDistribution(t *testing.T) {
	ref := normalSample(2000, 0, 1, 3)
	cur := normalSample(2000, 3, 1, 4)

	psi := PSI(ref, cur, 10)
	assert.Greater(t, psi, psiCrit)
	assert.Equal(t, catalog.MetricCritical, PSIStatus(psi))
}

func TestPSIConstantReference(t *testing.T) {
	ref := []float64{1, 1, 1, 1}

	assert.Zero(t, PSI(ref, []float64{1, 1, 1}, 10))
	assert.Greater(t, PSI(ref, []float64{1, 2, 2, 2}, 10), psiCrit)
}

func TestPSIStatusBands(t *testing.T) {
	assert.Equal(t, catalog.MetricOK, PSIStatus(0.05))
	assert.Equal(t, catalog.MetricWarning, PSIStatus(0.10))
	assert.Equal(t, catalog.MetricWarning, PSIStatus(0.24))
	assert.Equal(t, catalog.MetricCritical, PSIStatus(0.25))
}

func TestKSIdenticalSamples(t *testing.T) {
	ref := normalSample(1000, 0, 1, 5)

	stat, p := KS(ref, ref)
	assert.Zero(t, stat)
	assert.InDelta(t, 1.0, p, 1e-9)
}

func TestKSDisjointSamples(t *testing.T) {
	ref := normalSample(500, 0, 0.1, 6)
	cur := normalSample(500, 10, 0.1, 7)

	stat, p := KS(ref, cur)
	assert.InDelta(t, 1.0, stat, 1e-9)
	assert.Less(t, p, 1e-6)
	assert.Equal(t, catalog.MetricCritical, KSStatus(stat))
}

func TestKSSameDistribution(t *testing.T) {
	ref := normalSample(2000, 0, 1, 8)
	cur := normalSample(2000, 0, 1, 9)

	stat, p := KS(ref, cur)
	assert.Less(t, stat, ksCrit, "same-distribution samples stay out of the critical band")
	assert.Greater(t, p, 0.001)
}

func TestChiSquareSameCounts(t *testing.T) {
	counts := map[string]float64{"0": 500, "1": 300, "2": 200}

	stat, p := ChiSquare(counts, counts)
	assert.InDelta(t, 0, stat, 1e-6)
	assert.Greater(t, p, 0.99)
	assert.Equal(t, catalog.MetricOK, ChiSquareStatus(p))
}

func TestChiSquareSkewedCounts(t *testing.T) {
	ref := map[string]float64{"0": 900, "1": 100}
	cur := map[string]float64{"0": 100, "1": 900}

	_, p := ChiSquare(ref, cur)
	assert.Less(t, p, chi2PCrit)
	assert.Equal(t, catalog.MetricCritical, ChiSquareStatus(p))
}

func TestChiSquareNewLevel(t *testing.T) {
	ref := map[string]float64{"0": 500, "1": 500}
	cur := map[string]float64{"0": 250, "1": 250, "2": 500}

	_, p := ChiSquare(ref, cur)
	assert.Less(t, p, chi2PCrit, "a level unseen in the reference is drift")
}

func TestWorstStatus(t *testing.T) {
	assert.Equal(t, catalog.MetricWarning, worstStatus(catalog.MetricOK, catalog.MetricWarning))
	assert.Equal(t, catalog.MetricCritical, worstStatus(catalog.MetricCritical, catalog.MetricWarning))
	assert.Equal(t, catalog.MetricOK, worstStatus(catalog.MetricOK, catalog.MetricOK))
}

func TestLoadBiasConfig(t *testing.T) {
	cfg, err := LoadBiasConfig([]byte(`
attributes:
  - name: country_group
    max_parity_diff: 0.15
  - name: device_type
`))
	require.NoError(t, err)
	require.Len(t, cfg.Attributes, 2)

	assert.Equal(t, "country_group", cfg.Attributes[0].Name)
	assert.InDelta(t, 0.15, cfg.Attributes[0].MaxParityDiff, 1e-12)
	assert.InDelta(t, DefaultMinDisparateImpact, cfg.Attributes[0].MinDisparateImpact, 1e-12)

	assert.InDelta(t, DefaultMaxParityDiff, cfg.Attributes[1].MaxParityDiff, 1e-12)
	assert.Equal(t, 30, cfg.Attributes[1].MinGroupSamples)
}

func TestLoadBiasConfigRejectsUnnamed(t *testing.T) {
	_, err := LoadBiasConfig([]byte("attributes:\n  - max_parity_diff: 0.2\n"))
	require.Error(t, err)
}

func TestComputeBiasBalancedGroups(t *testing.T) {
	groups := map[string]*groupStats{
		"0": {total: 100, positives: 20},
		"1": {total: 100, positives: 22},
	}

	results := computeBias(groups, BiasAttribute{Name: "g", MaxParityDiff: 0.10, MinDisparateImpact: 0.80})
	require.Len(t, results, 2, "no labels, only rate metrics")

	byName := map[string]BiasResult{}
	for _, r := range results {
		byName[r.Metric] = r
	}

	assert.Equal(t, catalog.MetricOK, byName[MetricDemographicParity].Status)
	assert.InDelta(t, 0.02, byName[MetricDemographicParity].Value, 1e-12)
	assert.Equal(t, catalog.MetricOK, byName[MetricDisparateImpact].Status)
}

func TestComputeBiasSkewedGroups(t *testing.T) {
	groups := map[string]*groupStats{
		"0": {total: 100, positives: 50},
		"1": {total: 100, positives: 10},
	}

	results := computeBias(groups, BiasAttribute{Name: "g", MaxParityDiff: 0.10, MinDisparateImpact: 0.80})

	byName := map[string]BiasResult{}
	for _, r := range results {
		byName[r.Metric] = r
	}

	assert.Equal(t, catalog.MetricCritical, byName[MetricDemographicParity].Status)
	assert.InDelta(t, 0.40, byName[MetricDemographicParity].Value, 1e-12)

	assert.Equal(t, catalog.MetricCritical, byName[MetricDisparateImpact].Status)
	assert.InDelta(t, 0.20, byName[MetricDisparateImpact].Value, 1e-12)
}

func TestComputeBiasWithLabels(t *testing.T) {
	groups := map[string]*groupStats{
		"0": {total: 100, positives: 30, tp: 25, fp: 5, fn: 5, tn: 65},
		"1": {total: 100, positives: 30, tp: 10, fp: 20, fn: 20, tn: 50},
	}

	results := computeBias(groups, BiasAttribute{Name: "g", MaxParityDiff: 0.10, MinDisparateImpact: 0.80})

	byName := map[string]BiasResult{}
	for _, r := range results {
		byName[r.Metric] = r
	}

	// TPR gap: 25/30 vs 10/30.
	odds := byName[MetricEqualizedOdds]
	assert.InDelta(t, 0.5, odds.Value, 1e-9)
	assert.Equal(t, catalog.MetricCritical, odds.Status)

	// FPR gap: 5/70 vs 20/70.
	fpr := byName[MetricFPRParity]
	assert.InDelta(t, 15.0/70.0, fpr.Value, 1e-9)
	assert.Equal(t, catalog.MetricCritical, fpr.Status)
}

func TestComputeBiasSingleGroup(t *testing.T) {
	groups := map[string]*groupStats{"0": {total: 100, positives: 10}}

	assert.Nil(t, computeBias(groups, BiasAttribute{Name: "g", MaxParityDiff: 0.10, MinDisparateImpact: 0.80}))
}
