package learn

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane-io/modelplane/internal/fault"
)

// synthetic builds a linearly separable-ish fraud set: positives cluster at
// high amounts and high velocity, with rate positive share.
func synthetic(n int, rate float64, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))

	x := make([][]float64, n)
	y := make([]float64, n)

	for i := 0; i < n; i++ {
		if rng.Float64() < rate {
			y[i] = 1
			x[i] = []float64{
				3 + rng.NormFloat64(),   // amount zscore
				0.8 + rng.Float64()*0.2, // velocity
				rng.Float64(),           // noise
			}
		} else {
			x[i] = []float64{
				rng.NormFloat64(),
				rng.Float64() * 0.3,
				rng.Float64(),
			}
		}
	}

	return x, y
}

func TestSeedFromIsStable(t *testing.T) {
	a := SeedFrom("11111111-1111-1111-1111-111111111111")
	b := SeedFrom("11111111-1111-1111-1111-111111111111")
	c := SeedFrom("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, a, int64(0))
}

func TestStratifiedSplitPreservesRatio(t *testing.T) {
	_, y := synthetic(1000, 0.1, 1)

	train, test, err := StratifiedSplit(y, 0.8, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	assert.InDelta(t, 800, len(train), 2)
	assert.InDelta(t, 200, len(test), 2)

	countPos := func(idx []int) int {
		var n int

		for _, i := range idx {
			if y[i] > 0.5 {
				n++
			}
		}

		return n
	}

	trainRate := float64(countPos(train)) / float64(len(train))
	testRate := float64(countPos(test)) / float64(len(test))

	assert.InDelta(t, trainRate, testRate, 0.02, "stratification must preserve the label ratio")
}

func TestStratifiedSplitDeterministic(t *testing.T) {
	_, y := synthetic(200, 0.2, 2)

	train1, test1, err := StratifiedSplit(y, 0.8, rand.New(rand.NewSource(42)))
	require.NoError(t, err)

	train2, test2, err := StratifiedSplit(y, 0.8, rand.New(rand.NewSource(42)))
	require.NoError(t, err)

	assert.Equal(t, train1, train2)
	assert.Equal(t, test1, test2)
}

func TestStratifiedSplitRejectsBadRatio(t *testing.T) {
	_, _, err := StratifiedSplit([]float64{0, 1}, 1.0, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestGBTLearnsSeparableData(t *testing.T) {
	x, y := synthetic(600, 0.2, 3)

	model, err := FitGBT(x, y, nil, GBTConfigFrom(map[string]float64{
		"n_estimators": 40, "max_depth": 3, "learning_rate": 0.2,
	}), rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	scores := make([]float64, len(x))
	for i := range x {
		scores[i] = model.Score(x[i])
	}

	eval, err := Evaluate(scores, y, 0.5)
	require.NoError(t, err)
	assert.Greater(t, eval.AUC, 0.95, "GBT must separate the synthetic classes")
	assert.Greater(t, eval.F1, 0.8)
}

func TestGBTImportanceFavorsInformativeFeatures(t *testing.T) {
	x, y := synthetic(600, 0.2, 4)

	model, err := FitGBT(x, y, nil, GBTConfigFrom(nil), rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	imp := model.Importance()
	require.Len(t, imp, 3)

	assert.Greater(t, imp[1], imp[2], "velocity must outrank noise")
	assert.InDelta(t, 1.0, imp[0]+imp[1]+imp[2], 1e-9)
}

func TestGBTRejectsBadHyperparameters(t *testing.T) {
	x, y := synthetic(50, 0.2, 5)

	tests := []struct {
		name  string
		hyper map[string]float64
	}{
		{"zero learning rate", map[string]float64{"learning_rate": 0}},
		{"depth too large", map[string]float64{"max_depth": 64}},
		{"negative estimators", map[string]float64{"n_estimators": -1}},
		{"bad subsample", map[string]float64{"subsample": 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FitGBT(x, y, nil, GBTConfigFrom(tt.hyper), rand.New(rand.NewSource(1)))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrValidation))
		})
	}
}

func TestGBTDeterministicWithSameSeed(t *testing.T) {
	x, y := synthetic(300, 0.2, 6)
	cfg := GBTConfigFrom(map[string]float64{"n_estimators": 10, "subsample": 0.8})

	m1, err := FitGBT(x, y, nil, cfg, rand.New(rand.NewSource(123)))
	require.NoError(t, err)

	m2, err := FitGBT(x, y, nil, cfg, rand.New(rand.NewSource(123)))
	require.NoError(t, err)

	probe := []float64{1.5, 0.5, 0.5}
	assert.Equal(t, m1.Score(probe), m2.Score(probe))
}

func TestForestLearns(t *testing.T) {
	x, y := synthetic(400, 0.25, 7)

	model, err := FitForest(x, y, ForestConfigFrom(map[string]float64{"n_estimators": 20}), rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	scores := make([]float64, len(x))
	for i := range x {
		scores[i] = model.Score(x[i])
	}

	assert.Greater(t, AUC(scores, y), 0.9)
}

func TestIsolationForestScoresAnomaliesHigher(t *testing.T) {
	x, _ := synthetic(500, 0.0, 8) // all normal points

	model, err := FitIsolationForest(x, IsoConfigFrom(map[string]float64{"n_estimators": 50}), rand.New(rand.NewSource(13)))
	require.NoError(t, err)

	normal := model.Score([]float64{0, 0.1, 0.5})
	anomaly := model.Score([]float64{12, 5, 9})

	assert.Greater(t, anomaly, normal, "far outlier must isolate faster")
}

func TestNNLearns(t *testing.T) {
	x, y := synthetic(500, 0.3, 14)

	model, err := FitNN(x, y, nil, NNConfigFrom(map[string]float64{"epochs": 40}), rand.New(rand.NewSource(15)))
	require.NoError(t, err)

	scores := make([]float64, len(x))
	for i := range x {
		scores[i] = model.Score(x[i])
	}

	assert.Greater(t, AUC(scores, y), 0.85)
}

func TestFitUnknownAlgorithm(t *testing.T) {
	x, y := synthetic(50, 0.2, 16)

	_, err := Fit("deep_transformer", x, y, nil, nil, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestEvaluateKnownConfusionMatrix(t *testing.T) {
	// 2 TP, 1 FP, 1 FN, 2 TN at threshold 0.5.
	scores := []float64{0.9, 0.8, 0.7, 0.2, 0.1, 0.3}
	y := []float64{1, 1, 0, 1, 0, 0}

	eval, err := Evaluate(scores, y, 0.5)
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3.0, eval.Precision, 1e-9)
	assert.InDelta(t, 2.0/3.0, eval.Recall, 1e-9)
	assert.InDelta(t, 2.0/3.0, eval.F1, 1e-9)
	assert.InDelta(t, 1.0/3.0, eval.FPR, 1e-9)
}

func TestAUCPerfectAndRandom(t *testing.T) {
	perfect := AUC([]float64{0.9, 0.8, 0.2, 0.1}, []float64{1, 1, 0, 0})
	assert.InDelta(t, 1.0, perfect, 1e-9)

	inverted := AUC([]float64{0.1, 0.2, 0.8, 0.9}, []float64{1, 1, 0, 0})
	assert.InDelta(t, 0.0, inverted, 1e-9)

	singleClass := AUC([]float64{0.5, 0.6}, []float64{1, 1})
	assert.InDelta(t, 0.5, singleClass, 1e-9)
}

func TestAUCHandlesTies(t *testing.T) {
	// All scores equal: AUC must be exactly 0.5 via average ranks.
	auc := AUC([]float64{0.5, 0.5, 0.5, 0.5}, []float64{1, 0, 1, 0})
	assert.InDelta(t, 0.5, auc, 1e-9)
}

func TestApplyImbalanceClassWeight(t *testing.T) {
	x := [][]float64{{1}, {2}, {3}, {4}, {5}}
	y := []float64{1, 0, 0, 0, 0}

	outX, outY, w, err := ApplyImbalance(StrategyClassWeight, x, y, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, x, outX, "class_weight must not resample")
	assert.Equal(t, y, outY)
	assert.Equal(t, 4.0, w[0], "positive weight must equal the class ratio")
	assert.Equal(t, 1.0, w[1])
}

func TestApplyImbalanceSMOTEBalances(t *testing.T) {
	x, y := synthetic(200, 0.1, 17)

	outX, outY, _, err := ApplyImbalance(StrategySMOTE, x, y, rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	var pos, neg int

	for _, label := range outY {
		if label > 0.5 {
			pos++
		} else {
			neg++
		}
	}

	assert.Equal(t, neg, pos, "SMOTE must balance the classes")
	assert.Len(t, outX, len(outY))
	assert.Greater(t, len(outX), len(x))
}

func TestApplyImbalanceUndersampleBalances(t *testing.T) {
	x, y := synthetic(200, 0.1, 18)

	outX, outY, _, err := ApplyImbalance(StrategyUndersample, x, y, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	var pos, neg int

	for _, label := range outY {
		if label > 0.5 {
			pos++
		} else {
			neg++
		}
	}

	assert.Equal(t, neg, pos, "undersampling must balance the classes")
	assert.Less(t, len(outX), len(x))
}

func TestApplyImbalanceSingleClassFails(t *testing.T) {
	x := [][]float64{{1}, {2}}
	y := []float64{0, 0}

	_, _, _, err := ApplyImbalance(StrategyClassWeight, x, y, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrValidation))
}

func TestContributionsSignsFollowModel(t *testing.T) {
	// Two features: amount cleanly separates the classes, noise is ignored.
	rng := rand.New(rand.NewSource(19))

	x := make([][]float64, 0, 64)
	y := make([]float64, 0, 64)

	for i := 0; i < 32; i++ {
		x = append(x, []float64{0.4 * float64(i) / 32, rng.Float64()})
		y = append(y, 0)

		x = append(x, []float64{0.7 + 0.3*float64(i)/32, rng.Float64()})
		y = append(y, 1)
	}

	model, err := FitGBT(x, y, nil, GBTConfigFrom(map[string]float64{"n_estimators": 20}), rand.New(rand.NewSource(21)))
	require.NoError(t, err)

	means := ColumnMeans(x)

	fraudy := []float64{0.95, 0.5}
	contribs := Contributions(model, means, fraudy)

	require.Len(t, contribs, 2)
	assert.Greater(t, contribs[0], 0.0, "a high amount must contribute positively")
	assert.InDelta(t, 0.0, contribs[1], 1e-9, "an unsplit feature must not contribute")

	pos, neg := TopContributions(contribs, 2)
	require.NotEmpty(t, pos)
	assert.Equal(t, 0, pos[0].Index)
	assert.Empty(t, neg, "zero contributions are omitted")
}
