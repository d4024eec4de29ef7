package abtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/bus"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/learn"
	"github.com/modelplane-io/modelplane/internal/registry"
	"github.com/modelplane-io/modelplane/internal/storage"
)

type stubScorer map[string]float64

func (s stubScorer) ScoreModel(_ context.Context, modelID string, _ map[string]float64) (float64, error) {
	score, ok := s[modelID]
	if !ok {
		return 0, fault.NotFound("model %s", modelID)
	}

	return score, nil
}

type abEnv struct {
	ctrl       *Controller
	cat        *storage.Memory
	champion   *catalog.Model
	challenger *catalog.Model
	scores     stubScorer
}

func newABEnv(t *testing.T) *abEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	cat := storage.NewMemory()

	ds := &catalog.Dataset{ID: uuid.NewString(), Name: "transactions", Version: 1, Status: catalog.DatasetActive}
	require.NoError(t, cat.Datasets().Create(ctx, ds))

	fs := &catalog.FeatureSet{ID: uuid.NewString(), DatasetID: ds.ID}
	require.NoError(t, cat.FeatureSets().Create(ctx, fs))

	champion := &catalog.Model{ID: uuid.NewString(), Algorithm: "xgboost_like", FeatureSetID: fs.ID}
	require.NoError(t, cat.Models().Create(ctx, champion))

	challenger := &catalog.Model{ID: uuid.NewString(), Algorithm: "lightgbm_like", FeatureSetID: fs.ID}
	require.NoError(t, cat.Models().Create(ctx, challenger))

	scores := stubScorer{champion.ID: 0.3, challenger.ID: 0.8}

	blobs, err := artifact.NewFSStore(t.TempDir(), logger)
	require.NoError(t, err)

	reg := registry.New(cat, blobs, bus.Noop{}, logger)

	return &abEnv{
		ctrl:       New(cat, scores, reg, logger),
		cat:        cat,
		champion:   champion,
		challenger: challenger,
		scores:     scores,
	}
}

func (env *abEnv) createRunning(t *testing.T, split float64, minSamples int, metric string, mirror bool) *catalog.ABTest {
	t.Helper()

	ctx := context.Background()

	test, err := env.ctrl.Create(ctx, &catalog.ABTest{
		ChampionModelID:   env.champion.ID,
		ChallengerModelID: env.challenger.ID,
		TrafficSplit:      split,
		MinSamples:        minSamples,
		PrimaryMetric:     metric,
		MirrorMode:        mirror,
	})
	require.NoError(t, err)
	require.NoError(t, env.ctrl.Start(ctx, test.ID))

	return test
}

// txnRoutedTo finds a transaction id that routes to the wanted arm.
func txnRoutedTo(t *testing.T, split float64, challenger bool) string {
	t.Helper()

	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("txn-%d", i)
		if routesToChallenger(id, split) == challenger {
			return id
		}
	}

	t.Fatalf("no transaction id routes to challenger=%v at split %g", challenger, split)

	return ""
}

// appendLabeled logs labeled outcomes for one arm: tp true positives and fp
// false positives, all predicted positive.
func (env *abEnv) appendLabeled(t *testing.T, modelID string, tp, fp int) {
	t.Helper()

	ctx := context.Background()

	for i := 0; i < tp+fp; i++ {
		actual := i < tp

		require.NoError(t, env.cat.Predictions().Append(ctx, &catalog.Prediction{
			ID:          uuid.NewString(),
			ModelID:     modelID,
			Input:       map[string]float64{"amount_zscore": 1},
			Score:       0.9,
			Label:       true,
			CreatedAt:   time.Now(),
			ActualLabel: &actual,
		}))
	}
}

func TestCreateValidation(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec catalog.ABTest
	}{
		{"missing challenger", catalog.ABTest{ChampionModelID: env.champion.ID, TrafficSplit: 0.1}},
		{"same arms", catalog.ABTest{ChampionModelID: env.champion.ID, ChallengerModelID: env.champion.ID, TrafficSplit: 0.1}},
		{"split zero", catalog.ABTest{ChampionModelID: env.champion.ID, ChallengerModelID: env.challenger.ID}},
		{"split one", catalog.ABTest{ChampionModelID: env.champion.ID, ChallengerModelID: env.challenger.ID, TrafficSplit: 1}},
		{"bad metric", catalog.ABTest{ChampionModelID: env.champion.ID, ChallengerModelID: env.challenger.ID, TrafficSplit: 0.1, PrimaryMetric: "accuracy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.ctrl.Create(ctx, &tt.spec)
			assert.ErrorIs(t, err, fault.ErrValidation)
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	env := newABEnv(t)

	test, err := env.ctrl.Create(context.Background(), &catalog.ABTest{
		ChampionModelID:   env.champion.ID,
		ChallengerModelID: env.challenger.ID,
		TrafficSplit:      0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, catalog.ABDraft, test.State)
	assert.Equal(t, defaultMinSamples, test.MinSamples)
	assert.Equal(t, learn.MetricPrecision, test.PrimaryMetric)
}

func TestRoutingIsDeterministicAndNearSplit(t *testing.T) {
	const split = 0.2

	routed := 0

	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("txn-%d", i)

		first := routesToChallenger(id, split)
		assert.Equal(t, first, routesToChallenger(id, split))

		if first {
			routed++
		}
	}

	share := float64(routed) / 10000
	assert.InDelta(t, split, share, 0.05)
}

func TestPredictServesRoutedArm(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 10, "", false)

	toChallenger := txnRoutedTo(t, 0.5, true)

	d, err := env.ctrl.Predict(ctx, test.ID, toChallenger, map[string]float64{"amount_zscore": 2})
	require.NoError(t, err)

	assert.True(t, d.RoutedChallenger)
	assert.Equal(t, env.challenger.ID, d.ServedModelID)
	assert.InDelta(t, 0.8, d.Score, 1e-12)
	assert.InDelta(t, 0.3, d.ChampionScore, 1e-12)

	toChampion := txnRoutedTo(t, 0.5, false)

	d, err = env.ctrl.Predict(ctx, test.ID, toChampion, map[string]float64{"amount_zscore": 2})
	require.NoError(t, err)

	assert.False(t, d.RoutedChallenger)
	assert.Equal(t, env.champion.ID, d.ServedModelID)
	assert.InDelta(t, 0.3, d.Score, 1e-12)

	stored, err := env.cat.ABTests().Get(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ChampionSamples)
	assert.Equal(t, 1, stored.ChallengerSamples)
}

func TestPredictMirrorModeAlwaysServesChampion(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 10, "", true)

	d, err := env.ctrl.Predict(ctx, test.ID, txnRoutedTo(t, 0.5, true), map[string]float64{"amount_zscore": 2})
	require.NoError(t, err)

	assert.True(t, d.RoutedChallenger)
	assert.Equal(t, env.champion.ID, d.ServedModelID)
	assert.InDelta(t, 0.3, d.Score, 1e-12)
	assert.InDelta(t, 0.8, d.ChallengerScore, 1e-12, "challenger still scored in the shadow")
}

func TestPredictLogsRoutedArm(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 10, "", false)

	_, err := env.ctrl.Predict(ctx, test.ID, txnRoutedTo(t, 0.5, true), map[string]float64{"amount_zscore": 2})
	require.NoError(t, err)

	preds, err := env.cat.Predictions().List(ctx, catalog.PredictionFilter{ModelID: env.challenger.ID}, catalog.Page{})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.InDelta(t, 0.8, preds[0].Score, 1e-12)
	assert.True(t, preds[0].Label)
}

func TestPredictRequiresRunning(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()

	test, err := env.ctrl.Create(ctx, &catalog.ABTest{
		ChampionModelID:   env.champion.ID,
		ChallengerModelID: env.challenger.ID,
		TrafficSplit:      0.5,
	})
	require.NoError(t, err)

	_, err = env.ctrl.Predict(ctx, test.ID, "txn-1", nil)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestEvaluateGatesOnMinSamples(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 500, "", false)

	require.NoError(t, env.cat.ABTests().AddSamples(ctx, test.ID, 600, 100))

	eval, err := env.ctrl.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	assert.True(t, eval.Gated)

	stored, err := env.cat.ABTests().Get(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ABRunning, stored.State, "under-sampled tests keep running")
}

func TestEvaluateChallengerWinsOnPrecision(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 500, learn.MetricPrecision, false)

	require.NoError(t, env.cat.ABTests().AddSamples(ctx, test.ID, 500, 500))
	env.appendLabeled(t, env.champion.ID, 350, 150)  // precision 0.70
	env.appendLabeled(t, env.challenger.ID, 425, 75) // precision 0.85

	eval, err := env.ctrl.Evaluate(ctx, test.ID)
	require.NoError(t, err)

	assert.False(t, eval.Gated)
	assert.InDelta(t, 0.70, eval.Champion.Value, 1e-9)
	assert.InDelta(t, 0.85, eval.Challenger.Value, 1e-9)
	assert.Greater(t, eval.Z, zCritical)
	assert.True(t, eval.Significant)
	assert.Equal(t, catalog.ChallengerWins, eval.Recommendation)

	stored, err := env.cat.ABTests().Get(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ABEvaluating, stored.State)
	assert.Equal(t, catalog.ChallengerWins, stored.Result)
}

func TestEvaluateNoSignificantDifference(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 100, learn.MetricPrecision, false)

	require.NoError(t, env.cat.ABTests().AddSamples(ctx, test.ID, 200, 200))
	env.appendLabeled(t, env.champion.ID, 150, 50)
	env.appendLabeled(t, env.challenger.ID, 152, 48)

	eval, err := env.ctrl.Evaluate(ctx, test.ID)
	require.NoError(t, err)

	assert.False(t, eval.Significant)
	assert.Equal(t, catalog.NoSignificantDifference, eval.Recommendation)
}

func TestEvaluateAUCUsesHanleyMcNeil(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 100, learn.MetricAUC, false)

	require.NoError(t, env.cat.ABTests().AddSamples(ctx, test.ID, 200, 200))

	// Champion scores carry no signal; challenger scores separate perfectly.
	for i := 0; i < 200; i++ {
		actual := i%2 == 0

		champScore := 0.4
		if i%4 < 2 {
			champScore = 0.6
		}

		require.NoError(t, env.cat.Predictions().Append(ctx, &catalog.Prediction{
			ID: uuid.NewString(), ModelID: env.champion.ID,
			Input: map[string]float64{"x": 1}, Score: champScore, Label: champScore >= 0.5,
			CreatedAt: time.Now(), ActualLabel: &actual,
		}))

		challScore := 0.1
		if actual {
			challScore = 0.9
		}

		require.NoError(t, env.cat.Predictions().Append(ctx, &catalog.Prediction{
			ID: uuid.NewString(), ModelID: env.challenger.ID,
			Input: map[string]float64{"x": 1}, Score: challScore, Label: challScore >= 0.5,
			CreatedAt: time.Now(), ActualLabel: &actual,
		}))
	}

	eval, err := env.ctrl.Evaluate(ctx, test.ID)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, eval.Challenger.Value, 1e-9)
	assert.True(t, eval.Significant)
	assert.Equal(t, catalog.ChallengerWins, eval.Recommendation)
}

func TestConcludePromotesWinningChallenger(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 100, learn.MetricPrecision, false)

	require.NoError(t, env.cat.ABTests().AddSamples(ctx, test.ID, 200, 200))
	env.appendLabeled(t, env.champion.ID, 120, 80)
	env.appendLabeled(t, env.challenger.ID, 190, 10)

	eval, err := env.ctrl.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.ChallengerWins, eval.Recommendation)

	require.NoError(t, env.ctrl.Conclude(ctx, test.ID, true))

	stored, err := env.cat.ABTests().Get(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ABCompleted, stored.State)

	challenger, err := env.cat.Models().Get(ctx, env.challenger.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ModelProduction, challenger.Status)
}

func TestConcludeWithoutPromotionLeavesArms(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 100, learn.MetricPrecision, false)

	require.NoError(t, env.cat.ABTests().AddSamples(ctx, test.ID, 200, 200))
	env.appendLabeled(t, env.champion.ID, 120, 80)
	env.appendLabeled(t, env.challenger.ID, 190, 10)

	_, err := env.ctrl.Evaluate(ctx, test.ID)
	require.NoError(t, err)
	require.NoError(t, env.ctrl.Conclude(ctx, test.ID, false))

	challenger, err := env.cat.Models().Get(ctx, env.challenger.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ModelTrained, challenger.Status)
}

func TestConcludeRequiresEvaluationResult(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 100, "", false)

	err := env.ctrl.Conclude(ctx, test.ID, true)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}

func TestAbort(t *testing.T) {
	env := newABEnv(t)
	ctx := context.Background()
	test := env.createRunning(t, 0.5, 100, "", false)

	require.NoError(t, env.ctrl.Abort(ctx, test.ID))

	stored, err := env.cat.ABTests().Get(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ABAborted, stored.State)

	_, err = env.ctrl.Predict(ctx, test.ID, "txn-1", nil)
	assert.ErrorIs(t, err, fault.ErrConflictingState)
}
