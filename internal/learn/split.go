package learn

import (
	"math/rand"
	"sort"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// StratifiedSplit partitions row indices into train and test sets preserving
// the label ratio in both. ratio is the train share. The shuffle comes from
// rng so a seeded split is reproducible.
func StratifiedSplit(y []float64, ratio float64, rng *rand.Rand) (train, test []int, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, fault.Validation("split ratio %g out of range (0, 1)", ratio)
	}

	if len(y) < 2 {
		return nil, nil, fault.Validation("need at least 2 rows to split, have %d", len(y))
	}

	var pos, neg []int

	for i, label := range y {
		if label > 0.5 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}

	for _, class := range [][]int{neg, pos} {
		class := class

		rng.Shuffle(len(class), func(i, j int) { class[i], class[j] = class[j], class[i] })

		cut := int(float64(len(class)) * ratio)

		// Keep at least one row of a non-empty class on each side.
		if cut == len(class) && cut > 1 {
			cut--
		}

		if cut == 0 && len(class) > 1 {
			cut = 1
		}

		train = append(train, class[:cut]...)
		test = append(test, class[cut:]...)
	}

	sort.Ints(train)
	sort.Ints(test)

	if len(train) == 0 || len(test) == 0 {
		return nil, nil, fault.Validation("split produced an empty side (rows=%d, ratio=%g)", len(y), ratio)
	}

	return train, test, nil
}

// Subset returns the rows of x and y selected by idx.
func Subset(x [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))

	for k, i := range idx {
		xs[k] = x[i]
		ys[k] = y[i]
	}

	return xs, ys
}
