// Package abtest runs champion/challenger experiments over live traffic.
//
// Routing is a deterministic hash of the transaction id, so one transaction
// always sees the same arm and experiments are reproducible. Both arms score
// every routed request; unless the test runs in mirror mode, requests routed
// to the challenger are also served its score. Evaluation compares the arms
// on the primary metric with a two-sided 95% significance test.
package abtest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/learn"
)

// defaultMinSamples gates evaluation until each arm saw this many requests.
const defaultMinSamples = 500

// decisionThreshold converts a routed score into the logged decision.
const decisionThreshold = 0.5

// evalScanLimit caps how many labeled predictions one evaluation reads per
// arm.
const evalScanLimit = 100000

// Scorer scores a feature map against a specific registered model. The
// inference service implements it.
type Scorer interface {
	ScoreModel(ctx context.Context, modelID string, features map[string]float64) (float64, error)
}

// Promoter is the registry slice Conclude needs.
type Promoter interface {
	Stage(ctx context.Context, modelID string) error
	Promote(ctx context.Context, modelID string) (string, error)
}

// Decision is the outcome of routing one transaction through a test.
type Decision struct {
	TestID           string
	ServedModelID    string
	RoutedChallenger bool
	ChampionScore    float64
	ChallengerScore  float64
	// Score is what the caller serves: the champion's unless the request
	// routed to the challenger outside mirror mode.
	Score float64
}

// ArmResult is one arm's primary-metric outcome.
type ArmResult struct {
	ModelID string
	Value   float64
	N       int
}

// Evaluation is the result of one evaluation pass.
type Evaluation struct {
	TestID         string
	Gated          bool
	GateReason     string
	Champion       ArmResult
	Challenger     ArmResult
	Z              float64
	Significant    bool
	Recommendation catalog.ABRecommendation
}

// Controller owns the A/B test lifecycle.
type Controller struct {
	cat    catalog.Catalog
	scorer Scorer
	reg    Promoter
	logger *slog.Logger
	now    func() time.Time
}

// New wires the controller.
func New(cat catalog.Catalog, scorer Scorer, reg Promoter, logger *slog.Logger) *Controller {
	return &Controller{
		cat:    cat,
		scorer: scorer,
		reg:    reg,
		logger: logger,
		now:    time.Now,
	}
}

// Create registers a test in DRAFT.
func (c *Controller) Create(ctx context.Context, t *catalog.ABTest) (*catalog.ABTest, error) {
	if t.ChampionModelID == "" || t.ChallengerModelID == "" {
		return nil, fault.Validation("a/b test requires champion and challenger model ids")
	}

	if t.ChampionModelID == t.ChallengerModelID {
		return nil, fault.Validation("champion and challenger must differ")
	}

	if t.TrafficSplit <= 0 || t.TrafficSplit >= 1 {
		return nil, fault.Validation("traffic split must be in (0,1), got %g", t.TrafficSplit)
	}

	for _, id := range []string{t.ChampionModelID, t.ChallengerModelID} {
		if _, err := c.cat.Models().Get(ctx, id); err != nil {
			return nil, err
		}
	}

	cp := *t
	cp.ID = uuid.NewString()

	if cp.MinSamples <= 0 {
		cp.MinSamples = defaultMinSamples
	}

	if cp.PrimaryMetric == "" {
		cp.PrimaryMetric = learn.MetricPrecision
	}

	switch cp.PrimaryMetric {
	case learn.MetricPrecision, learn.MetricRecall, learn.MetricFPR, learn.MetricAUC:
	default:
		return nil, fault.Validation("unsupported primary metric %q", cp.PrimaryMetric)
	}

	if err := c.cat.ABTests().Create(ctx, &cp); err != nil {
		return nil, err
	}

	return c.cat.ABTests().Get(ctx, cp.ID)
}

// Start moves a DRAFT test to RUNNING.
func (c *Controller) Start(ctx context.Context, testID string) error {
	return c.cat.ABTests().PatchState(ctx, testID, catalog.ABDraft, catalog.ABRunning)
}

// Abort terminates a test from any non-terminal state.
func (c *Controller) Abort(ctx context.Context, testID string) error {
	t, err := c.cat.ABTests().Get(ctx, testID)
	if err != nil {
		return err
	}

	return c.cat.ABTests().PatchState(ctx, testID, t.State, catalog.ABAborted)
}

// Predict routes one transaction through a RUNNING test. Both arms score the
// request; the routed arm's outcome is logged for evaluation.
func (c *Controller) Predict(ctx context.Context, testID, transactionID string, features map[string]float64) (*Decision, error) {
	if transactionID == "" {
		return nil, fault.Validation("transaction id is required")
	}

	t, err := c.cat.ABTests().Get(ctx, testID)
	if err != nil {
		return nil, err
	}

	if t.State != catalog.ABRunning {
		return nil, fault.Conflict("a/b test %s is %s, prediction requires RUNNING", t.ID, t.State)
	}

	champion, err := c.scorer.ScoreModel(ctx, t.ChampionModelID, features)
	if err != nil {
		return nil, err
	}

	challenger, err := c.scorer.ScoreModel(ctx, t.ChallengerModelID, features)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		TestID:          t.ID,
		ChampionScore:   champion,
		ChallengerScore: challenger,
	}

	d.RoutedChallenger = routesToChallenger(transactionID, t.TrafficSplit)

	routedModel := t.ChampionModelID
	routedScore := champion

	if d.RoutedChallenger {
		routedModel = t.ChallengerModelID
		routedScore = challenger

		if err := c.cat.ABTests().AddSamples(ctx, t.ID, 0, 1); err != nil {
			return nil, err
		}
	} else {
		if err := c.cat.ABTests().AddSamples(ctx, t.ID, 1, 0); err != nil {
			return nil, err
		}
	}

	// Mirror mode shadows the challenger: it scores and logs, but the
	// champion's decision is always the one served.
	d.Score = champion
	d.ServedModelID = t.ChampionModelID

	if d.RoutedChallenger && !t.MirrorMode {
		d.Score = challenger
		d.ServedModelID = t.ChallengerModelID
	}

	err = c.cat.Predictions().Append(ctx, &catalog.Prediction{
		ID:        uuid.NewString(),
		ModelID:   routedModel,
		Input:     features,
		Score:     routedScore,
		Label:     routedScore >= decisionThreshold,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		c.logger.Warn("logging a/b prediction",
			slog.String("test_id", t.ID),
			slog.String("error", err.Error()))
	}

	return d, nil
}

// Evaluate compares the arms once both saw enough traffic. An under-sampled
// test returns to RUNNING; otherwise the recommendation is recorded and the
// test stays EVALUATING until Conclude.
func (c *Controller) Evaluate(ctx context.Context, testID string) (*Evaluation, error) {
	t, err := c.cat.ABTests().Get(ctx, testID)
	if err != nil {
		return nil, err
	}

	if t.State == catalog.ABRunning {
		if err := c.cat.ABTests().PatchState(ctx, testID, catalog.ABRunning, catalog.ABEvaluating); err != nil {
			return nil, err
		}
	} else if t.State != catalog.ABEvaluating {
		return nil, fault.Conflict("a/b test %s is %s, evaluation requires RUNNING or EVALUATING", t.ID, t.State)
	}

	eval := &Evaluation{TestID: t.ID}

	if t.ChampionSamples < t.MinSamples || t.ChallengerSamples < t.MinSamples {
		eval.Gated = true
		eval.GateReason = "minimum samples not reached"

		return eval, c.cat.ABTests().PatchState(ctx, testID, catalog.ABEvaluating, catalog.ABRunning)
	}

	champ, err := c.armResult(ctx, t, t.ChampionModelID)
	if err != nil {
		return nil, err
	}

	chall, err := c.armResult(ctx, t, t.ChallengerModelID)
	if err != nil {
		return nil, err
	}

	champValue, champN, champOK := champ.metric(t.PrimaryMetric)
	challValue, challN, challOK := chall.metric(t.PrimaryMetric)

	if !champOK || !challOK {
		eval.Gated = true
		eval.GateReason = "not enough labeled outcomes for " + t.PrimaryMetric

		return eval, c.cat.ABTests().PatchState(ctx, testID, catalog.ABEvaluating, catalog.ABRunning)
	}

	eval.Champion = ArmResult{ModelID: t.ChampionModelID, Value: champValue, N: champN}
	eval.Challenger = ArmResult{ModelID: t.ChallengerModelID, Value: challValue, N: challN}

	if t.PrimaryMetric == learn.MetricAUC {
		eval.Z = aucZ(champValue, champ, challValue, chall)
	} else {
		eval.Z = twoProportionZ(champValue, champN, challValue, challN)
	}

	eval.Significant = eval.Z > zCritical || eval.Z < -zCritical

	// For FPR lower is better; everywhere else higher is.
	challengerBetter := eval.Z > 0
	if t.PrimaryMetric == learn.MetricFPR {
		challengerBetter = eval.Z < 0
	}

	switch {
	case !eval.Significant:
		eval.Recommendation = catalog.NoSignificantDifference
	case challengerBetter:
		eval.Recommendation = catalog.ChallengerWins
	default:
		eval.Recommendation = catalog.ChampionWins
	}

	if err := c.cat.ABTests().SetResult(ctx, testID, eval.Recommendation); err != nil {
		return nil, err
	}

	c.logger.Info("a/b test evaluated",
		slog.String("test_id", t.ID),
		slog.String("metric", t.PrimaryMetric),
		slog.Float64("champion", champValue),
		slog.Float64("challenger", challValue),
		slog.Float64("z", eval.Z),
		slog.String("recommendation", string(eval.Recommendation)))

	return eval, nil
}

// armResult gathers one arm's labeled predictions since the test started.
func (c *Controller) armResult(ctx context.Context, t *catalog.ABTest, modelID string) (armStats, error) {
	labeled := true

	preds, err := c.cat.Predictions().List(ctx, catalog.PredictionFilter{
		ModelID: modelID,
		From:    t.CreatedAt,
		To:      c.now().UTC().Add(time.Second),
		Labeled: &labeled,
	}, catalog.Page{Limit: evalScanLimit})
	if err != nil {
		return armStats{}, err
	}

	return collectArm(preds), nil
}

// Conclude closes an EVALUATING test. With promote set and a CHALLENGER_WINS
// result, the challenger is staged and promoted to production.
func (c *Controller) Conclude(ctx context.Context, testID string, promote bool) error {
	t, err := c.cat.ABTests().Get(ctx, testID)
	if err != nil {
		return err
	}

	if t.State != catalog.ABEvaluating {
		return fault.Conflict("a/b test %s is %s, conclude requires EVALUATING", t.ID, t.State)
	}

	if t.Result == "" {
		return fault.Conflict("a/b test %s has no evaluation result", t.ID)
	}

	if err := c.cat.ABTests().PatchState(ctx, testID, catalog.ABEvaluating, catalog.ABCompleted); err != nil {
		return err
	}

	if !promote || t.Result != catalog.ChallengerWins {
		return nil
	}

	challenger, err := c.cat.Models().Get(ctx, t.ChallengerModelID)
	if err != nil {
		return err
	}

	if challenger.Status == catalog.ModelTrained {
		if err := c.reg.Stage(ctx, challenger.ID); err != nil {
			return err
		}
	}

	if _, err := c.reg.Promote(ctx, challenger.ID); err != nil {
		return err
	}

	c.logger.Info("a/b challenger promoted",
		slog.String("test_id", t.ID),
		slog.String("model_id", challenger.ID))

	return nil
}
