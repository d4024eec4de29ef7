package monitoring

import (
	"math"

	"gopkg.in/yaml.v3"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
)

// Fairness metric names.
const (
	MetricDemographicParity = "demographic_parity"
	MetricDisparateImpact   = "disparate_impact"
	MetricEqualizedOdds     = "equalized_odds"
	MetricFPRParity         = "fpr_parity"
)

// Default fairness thresholds: the maximum tolerated positive-rate gap and
// the four-fifths rule for disparate impact.
const (
	DefaultMaxParityDiff      = 0.10
	DefaultMinDisparateImpact = 0.80
)

// BiasAttribute configures monitoring for one protected attribute. The
// attribute must appear in the prediction inputs; its values are treated as
// group codes.
type BiasAttribute struct {
	Name               string  `yaml:"name"`
	MaxParityDiff      float64 `yaml:"max_parity_diff"`
	MinDisparateImpact float64 `yaml:"min_disparate_impact"`
	// MinGroupSamples drops groups too small to measure. Defaults to 30.
	MinGroupSamples int `yaml:"min_group_samples"`
}

// BiasConfig is the fairness monitoring configuration, normally loaded from
// a YAML file.
type BiasConfig struct {
	Attributes []BiasAttribute `yaml:"attributes"`
}

// LoadBiasConfig parses a YAML bias configuration and applies defaults.
func LoadBiasConfig(data []byte) (BiasConfig, error) {
	var cfg BiasConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BiasConfig{}, fault.Validation("parsing bias config: %v", err)
	}

	for i := range cfg.Attributes {
		a := &cfg.Attributes[i]

		if a.Name == "" {
			return BiasConfig{}, fault.Validation("bias attribute %d has no name", i)
		}

		if a.MaxParityDiff <= 0 {
			a.MaxParityDiff = DefaultMaxParityDiff
		}

		if a.MinDisparateImpact <= 0 {
			a.MinDisparateImpact = DefaultMinDisparateImpact
		}

		if a.MinGroupSamples <= 0 {
			a.MinGroupSamples = 30
		}
	}

	return cfg, nil
}

// groupStats accumulates per-group confusion counts. Labeled counts are a
// subset of the totals; rate metrics use totals, error-rate metrics use only
// labeled rows.
type groupStats struct {
	total     float64
	positives float64

	tp, fp, tn, fn float64
}

func (g groupStats) positiveRate() float64 {
	if g.total == 0 {
		return 0
	}

	return g.positives / g.total
}

func (g groupStats) tpr() (float64, bool) {
	if g.tp+g.fn == 0 {
		return 0, false
	}

	return g.tp / (g.tp + g.fn), true
}

func (g groupStats) fpr() (float64, bool) {
	if g.fp+g.tn == 0 {
		return 0, false
	}

	return g.fp / (g.fp + g.tn), true
}

// BiasResult is one computed fairness metric for an attribute.
type BiasResult struct {
	Metric string
	Value  float64
	Status catalog.MetricStatus
}

// computeBias evaluates the fairness metrics over per-group stats.
// Equalized odds and FPR parity require labeled rows in at least two groups
// and are omitted otherwise.
func computeBias(groups map[string]*groupStats, attr BiasAttribute) []BiasResult {
	if len(groups) < 2 {
		return nil
	}

	var out []BiasResult

	// Demographic parity: the largest pairwise positive-rate gap.
	minRate, maxRate := math.Inf(1), math.Inf(-1)

	for _, g := range groups {
		r := g.positiveRate()
		minRate = math.Min(minRate, r)
		maxRate = math.Max(maxRate, r)
	}

	parity := maxRate - minRate
	out = append(out, BiasResult{
		Metric: MetricDemographicParity,
		Value:  parity,
		Status: diffStatus(parity, attr.MaxParityDiff),
	})

	// Disparate impact: four-fifths rule on the rate ratio.
	impact := 1.0
	if maxRate > 0 {
		impact = minRate / maxRate
	}

	out = append(out, BiasResult{
		Metric: MetricDisparateImpact,
		Value:  impact,
		Status: impactStatus(impact, attr.MinDisparateImpact),
	})

	// Equalized odds (TPR gap) and FPR parity need labels.
	if v, ok := pairwiseGap(groups, func(g *groupStats) (float64, bool) { return g.tpr() }); ok {
		out = append(out, BiasResult{
			Metric: MetricEqualizedOdds,
			Value:  v,
			Status: diffStatus(v, attr.MaxParityDiff),
		})
	}

	if v, ok := pairwiseGap(groups, func(g *groupStats) (float64, bool) { return g.fpr() }); ok {
		out = append(out, BiasResult{
			Metric: MetricFPRParity,
			Value:  v,
			Status: diffStatus(v, attr.MaxParityDiff),
		})
	}

	return out
}

// pairwiseGap returns the largest gap of a per-group rate, requiring the rate
// to be defined for at least two groups.
func pairwiseGap(groups map[string]*groupStats, rate func(*groupStats) (float64, bool)) (float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	defined := 0

	for _, g := range groups {
		v, ok := rate(g)
		if !ok {
			continue
		}

		defined++
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	if defined < 2 {
		return 0, false
	}

	return hi - lo, true
}

// diffStatus bands a gap metric: WARNING at the threshold, CRITICAL at twice
// the threshold.
func diffStatus(v, threshold float64) catalog.MetricStatus {
	switch {
	case v >= 2*threshold:
		return catalog.MetricCritical
	case v >= threshold:
		return catalog.MetricWarning
	default:
		return catalog.MetricOK
	}
}

// impactStatus bands a disparate impact ratio: WARNING below the minimum,
// CRITICAL once it degrades another 0.2 below.
func impactStatus(v, minimum float64) catalog.MetricStatus {
	switch {
	case v < minimum-0.2:
		return catalog.MetricCritical
	case v < minimum:
		return catalog.MetricWarning
	default:
		return catalog.MetricOK
	}
}
