package features

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/learn"
)

// Selection is the output of the four-stage feature selection pipeline.
type Selection struct {
	// All lists every extracted feature name in matrix order.
	All []string
	// Selected is the final ordered feature list (best rank first); its
	// order defines the schema hash.
	Selected []string
	// Scores records per-feature stage scores, for every feature that
	// reached at least stage 1.
	Scores []catalog.FeatureScore
}

// Select runs the fixed four-stage pipeline over the matrix:
//
//  1. variance filter (drop below cfg.VarianceThreshold)
//  2. correlation filter (greedy, |Pearson r| above cfg.CorrelationThreshold
//     drops the lexicographically later column)
//  3. mutual information against the label
//  4. model-based importance from a small gradient-boosted trees fit
//
// The final ranking averages the stage 3 and 4 ranks (0.5/0.5) and keeps the
// top cfg.MaxFeatures. All randomness comes from rng, so a seeded run is
// reproducible.
func Select(m *Matrix, label []float64, cfg catalog.FeatureConfig, rng *rand.Rand) (*Selection, error) {
	if m.Rows == 0 || len(m.Names) == 0 {
		return nil, fault.Validation("empty feature matrix")
	}

	if len(label) != m.Rows {
		return nil, fault.Validation("label length %d does not match %d rows", len(label), m.Rows)
	}

	sel := &Selection{All: append([]string(nil), m.Names...)}

	scores := make(map[string]*catalog.FeatureScore, len(m.Names))
	for _, name := range m.Names {
		scores[name] = &catalog.FeatureScore{Feature: name}
	}

	// Stage 1: variance filter.
	var survivors []string

	for i, name := range m.Names {
		v := stat.Variance(m.Cols[i], nil)
		scores[name].Variance = v

		if v >= cfg.VarianceThreshold {
			survivors = append(survivors, name)
		}
	}

	if len(survivors) == 0 {
		return nil, fault.Validation("variance filter dropped every feature (threshold %g)", cfg.VarianceThreshold)
	}

	// Stage 2: correlation filter, scanned in name order for determinism.
	sort.Strings(survivors)

	dropped := make(map[string]bool)

	for i := 0; i < len(survivors); i++ {
		if dropped[survivors[i]] {
			continue
		}

		for j := i + 1; j < len(survivors); j++ {
			if dropped[survivors[j]] {
				continue
			}

			r := stat.Correlation(m.Column(survivors[i]), m.Column(survivors[j]), nil)
			if r < 0 {
				r = -r
			}

			if r > cfg.CorrelationThreshold {
				dropped[survivors[j]] = true // keep the name-ascending first
			}
		}
	}

	var kept []string

	for _, name := range survivors {
		if !dropped[name] {
			kept = append(kept, name)
		}
	}

	// Stage 3: mutual information against the label.
	for _, name := range kept {
		scores[name].MutualInfo = MutualInfo(m.Column(name), label)
	}

	// Stage 4: importance from a small-capacity boosted trees fit on the
	// survivors.
	sub, err := m.Select(kept)
	if err != nil {
		return nil, err
	}

	importance, err := fitImportance(sub, label, rng)
	if err != nil {
		return nil, err
	}

	for i, name := range kept {
		scores[name].Importance = importance[i]
	}

	// Final ranking: average of the MI and importance ranks, 0.5/0.5.
	miRank := rankOf(kept, func(name string) float64 { return scores[name].MutualInfo })
	impRank := rankOf(kept, func(name string) float64 { return scores[name].Importance })

	for _, name := range kept {
		scores[name].RankAvg = 0.5*float64(miRank[name]) + 0.5*float64(impRank[name])
	}

	final := append([]string(nil), kept...)
	sort.Slice(final, func(a, b int) bool {
		if scores[final[a]].RankAvg != scores[final[b]].RankAvg {
			return scores[final[a]].RankAvg < scores[final[b]].RankAvg
		}

		return final[a] < final[b]
	})

	maxFeatures := cfg.MaxFeatures
	if maxFeatures > 0 && len(final) > maxFeatures {
		final = final[:maxFeatures]
	}

	sel.Selected = final

	// Report scores in matrix order for every extracted feature.
	for _, name := range sel.All {
		sel.Scores = append(sel.Scores, *scores[name])
	}

	return sel, nil
}

// fitImportance fits a small-capacity gradient-boosted trees model on the
// surviving columns and returns per-column importance.
func fitImportance(m *Matrix, label []float64, rng *rand.Rand) ([]float64, error) {
	cfg := learn.GBTConfigFrom(map[string]float64{
		"n_estimators":  30,
		"max_depth":     3,
		"learning_rate": 0.2,
	})

	model, err := learn.FitGBT(m.RowMajor(), label, nil, cfg, rng)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "fitting selection importance model")
	}

	return model.Importance(), nil
}

// rankOf assigns 1-based descending ranks by score, ties broken by name
// ascending.
func rankOf(names []string, score func(string) float64) map[string]int {
	ordered := append([]string(nil), names...)
	sort.Slice(ordered, func(a, b int) bool {
		if score(ordered[a]) != score(ordered[b]) {
			return score(ordered[a]) > score(ordered[b])
		}

		return ordered[a] < ordered[b]
	})

	ranks := make(map[string]int, len(ordered))
	for i, name := range ordered {
		ranks[name] = i + 1
	}

	return ranks
}
