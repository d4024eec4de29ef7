// Package inference serves real-time fraud predictions from the current
// production model. The hot path is lock-free: the active model lives behind
// an atomic pointer that a background watcher swaps copy-then-load on every
// promotion, so in-flight predictions always finish on the model they
// started with.
package inference

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/learn"
	"github.com/modelplane-io/modelplane/internal/metrics"
	"github.com/modelplane-io/modelplane/internal/training"
)

// ModelLoader fetches and verifies a model's portable artifact. The registry
// implements it.
type ModelLoader interface {
	LoadPortable(ctx context.Context, modelID string) (*training.Bundle, error)
}

// Recoverer handles a corrupted production artifact. Optional; the registry
// implements it.
type Recoverer interface {
	RecoverCorrupted(ctx context.Context, modelID string) (string, error)
}

// Config tunes the inference service.
type Config struct {
	// RateLimit caps predictions per second; RateBurst is the token bucket
	// size. Zero values default to 1000 / 1000.
	RateLimit float64
	RateBurst int
	// LogBuffer is the prediction log channel capacity.
	LogBuffer    int
	LogBatchSize int
	LogInterval  time.Duration
	// SpillPath is the JSON-lines file the log overflows to. Empty disables
	// spilling (overflow drops directly).
	SpillPath string
	// ExplainTopK bounds the explanation to the k strongest contributions
	// per sign. Defaults to 3.
	ExplainTopK int
	// BatchConcurrency bounds concurrent scoring in PredictBatch.
	// Defaults to 8.
	BatchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 1000
	}

	if c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit)
	}

	if c.ExplainTopK <= 0 {
		c.ExplainTopK = 3
	}

	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 8
	}

	return c
}

// Request is one scoring request. Features carries the caller-supplied
// values; anything the model needs beyond those is resolved from the feature
// cache keyed by EntityKey. Unknown feature names are ignored.
type Request struct {
	TransactionID string             `json:"transactionId"`
	EntityKey     string             `json:"entityKey,omitempty"`
	Features      map[string]float64 `json:"features"`
	Explain       bool               `json:"explain,omitempty"`
}

// Response is one scoring result.
type Response struct {
	PredictionID string               `json:"predictionId"`
	ModelID      string               `json:"modelId"`
	Score        float64              `json:"score"`
	Label        bool                 `json:"label"`
	Confidence   float64              `json:"confidence"`
	LatencyMS    float64              `json:"latencyMs"`
	Degraded     bool                 `json:"degraded"`
	Explanation  *catalog.Explanation `json:"explanation,omitempty"`
}

// loaded is one immutable, ready-to-score model. Swapped whole, never
// mutated.
type loaded struct {
	modelID string
	bundle  *training.Bundle
	clf     learn.Classifier
}

// Service is the inference engine.
type Service struct {
	cfg      Config
	cat      catalog.Catalog
	loader   ModelLoader
	recover  Recoverer
	resolver FeatureResolver
	limiter  *rate.Limiter
	met      *metrics.Set
	logger   *slog.Logger

	active atomic.Pointer[loaded]
	plog   *predLog

	mu     sync.Mutex
	byID   map[string]*loaded // LoadModel cache for shadow/challenger scoring
	cancel func()
	wg     sync.WaitGroup
}

// New wires the inference service. resolver may be nil when every request
// carries its full feature vector; recoverer may be nil.
func New(cat catalog.Catalog, loader ModelLoader, recoverer Recoverer, resolver FeatureResolver, met *metrics.Set, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()

	return &Service{
		cfg:      cfg,
		cat:      cat,
		loader:   loader,
		recover:  recoverer,
		resolver: resolver,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		met:      met,
		logger:   logger,
		plog:     newPredLog(cat.Predictions(), met, logger, cfg.LogBuffer, cfg.LogBatchSize, cfg.LogInterval, cfg.SpillPath),
		byID:     make(map[string]*loaded),
	}
}

// Start loads the current production model (absence is not an error: the
// service answers Unavailable until a promotion lands), replays any spilled
// prediction records and begins watching the catalog feed for promotions.
func (s *Service) Start(ctx context.Context) error {
	if err := s.plog.replay(ctx); err != nil {
		s.logger.Warn("replaying prediction spill", slog.String("error", err.Error()))
	}

	s.plog.start()

	current, err := s.cat.Models().CurrentProduction(ctx)

	switch {
	case err == nil:
		if err := s.activate(ctx, current.ID); err != nil {
			return err
		}
	case errors.Is(err, fault.ErrNotFound):
		s.logger.Info("no production model yet, serving deferred")
	default:
		return err
	}

	feed, cancelFeed := s.cat.Feed().Subscribe()
	s.cancel = cancelFeed

	s.wg.Add(1)

	go s.watch(feed)

	return nil
}

// watch processes model feed events in arrival order. Promotions are
// strictly ordered per model by the catalog, so the last PRODUCTION event
// seen is the model to serve.
func (s *Service) watch(feed <-chan catalog.Change) {
	defer s.wg.Done()

	for change := range feed {
		if change.Kind != catalog.ChangeModel || change.State != string(catalog.ModelProduction) {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		if err := s.activate(ctx, change.ID); err != nil {
			s.logger.Error("activating promoted model",
				slog.String("model_id", change.ID),
				slog.String("error", err.Error()))
		}

		cancel()
	}
}

// activate loads the model and swaps it in. The previous model keeps serving
// until the new one is fully loaded; on any load failure the swap does not
// happen. A corrupted artifact additionally triggers registry recovery,
// which re-promotes the previous model and produces a fresh feed event.
func (s *Service) activate(ctx context.Context, modelID string) error {
	if cur := s.active.Load(); cur != nil && cur.modelID == modelID {
		return nil
	}

	l, err := s.load(ctx, modelID)
	if err != nil {
		if errors.Is(err, fault.ErrArtifactCorrupted) && s.recover != nil {
			if _, rerr := s.recover.RecoverCorrupted(ctx, modelID); rerr != nil {
				s.logger.Error("recovering from corrupted model artifact",
					slog.String("model_id", modelID),
					slog.String("error", rerr.Error()))
			}
		}

		return err
	}

	s.active.Store(l)

	s.logger.Info("model activated",
		slog.String("model_id", modelID),
		slog.String("schema_hash", l.bundle.SchemaHash))

	return nil
}

// load fetches and prepares a model for scoring, memoized by id.
func (s *Service) load(ctx context.Context, modelID string) (*loaded, error) {
	s.mu.Lock()
	if l, ok := s.byID[modelID]; ok {
		s.mu.Unlock()

		return l, nil
	}
	s.mu.Unlock()

	bundle, err := s.loader.LoadPortable(ctx, modelID)
	if err != nil {
		return nil, err
	}

	clf, err := bundle.Classifier()
	if err != nil {
		return nil, err
	}

	l := &loaded{modelID: modelID, bundle: bundle, clf: clf}

	s.mu.Lock()
	s.byID[modelID] = l
	s.mu.Unlock()

	return l, nil
}

// ActiveModelID returns the id of the model currently serving, or empty.
func (s *Service) ActiveModelID() string {
	if l := s.active.Load(); l != nil {
		return l.modelID
	}

	return ""
}

// Predict scores one transaction against the active production model.
func (s *Service) Predict(ctx context.Context, req Request) (*Response, error) {
	if !s.limiter.Allow() {
		return nil, fault.Exhausted("prediction rate limit exceeded")
	}

	l := s.active.Load()
	if l == nil {
		return nil, fault.Unavailable(nil, "no production model is active")
	}

	if req.TransactionID == "" {
		return nil, fault.Validation("transaction id is required")
	}

	started := time.Now()

	vec, degraded, err := s.vector(ctx, l, req)
	if err != nil {
		return nil, err
	}

	score := l.clf.Score(vec)
	label := score >= l.bundle.Threshold
	latency := time.Since(started)

	resp := &Response{
		PredictionID: uuid.NewString(),
		ModelID:      l.modelID,
		Score:        score,
		Label:        label,
		Confidence:   confidence(score),
		LatencyMS:    float64(latency.Microseconds()) / 1000,
		Degraded:     degraded,
	}

	if req.Explain {
		resp.Explanation = s.explain(l, vec)
	}

	s.met.PredictionLatency.Observe(latency.Seconds())
	s.met.PredictionsTotal.WithLabelValues(l.modelID, boolLabel(degraded)).Inc()

	s.plog.offer(&catalog.Prediction{
		ID:          resp.PredictionID,
		ModelID:     l.modelID,
		Input:       req.Features,
		Score:       score,
		Label:       label,
		Confidence:  resp.Confidence,
		Explanation: resp.Explanation,
		LatencyMS:   resp.LatencyMS,
		Degraded:    degraded,
		CreatedAt:   started.UTC(),
	})

	return resp, nil
}

// PredictBatch scores many transactions concurrently. The whole batch shares
// one rate limiter reservation per item; the first hard failure cancels the
// rest.
func (s *Service) PredictBatch(ctx context.Context, reqs []Request) ([]*Response, error) {
	out := make([]*Response, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BatchConcurrency)

	for i, req := range reqs {
		g.Go(func() error {
			resp, err := s.Predict(ctx, req)
			if err != nil {
				return err
			}

			out[i] = resp

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// ScoreModel scores a feature map against an arbitrary registered model,
// bypassing the rate limiter and the prediction log. Used for shadow and
// challenger scoring.
func (s *Service) ScoreModel(ctx context.Context, modelID string, features map[string]float64) (float64, error) {
	l, err := s.load(ctx, modelID)
	if err != nil {
		return 0, err
	}

	vec := make([]float64, len(l.bundle.FeatureNames))

	for i, name := range l.bundle.FeatureNames {
		v, ok := features[name]
		if !ok {
			return 0, fault.Validation("feature %q missing for model %s", name, modelID)
		}

		vec[i] = v
	}

	return l.clf.Score(vec), nil
}

// vector assembles the model's ordered input from the request, resolving
// anything missing through the feature cache. Extra request features are
// ignored.
func (s *Service) vector(ctx context.Context, l *loaded, req Request) ([]float64, bool, error) {
	names := l.bundle.FeatureNames
	vec := make([]float64, len(names))

	var missing []string

	for i, name := range names {
		if v, ok := req.Features[name]; ok {
			vec[i] = v
		} else {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return vec, false, nil
	}

	if s.resolver == nil {
		return nil, false, fault.Validation("missing features: %v", missing)
	}

	resolved, degraded, err := s.resolver.Resolve(ctx, req.EntityKey, missing)
	if err != nil {
		return nil, false, err
	}

	var unresolved []string

	for i, name := range names {
		if _, ok := req.Features[name]; ok {
			continue
		}

		v, ok := resolved[name]
		if !ok {
			unresolved = append(unresolved, name)

			continue
		}

		vec[i] = v
	}

	if len(unresolved) > 0 {
		return nil, false, fault.Validation("missing features: %v", unresolved)
	}

	return vec, degraded, nil
}

// explain maps the top contributions onto feature names. Runs only when the
// caller asked for it.
func (s *Service) explain(l *loaded, vec []float64) *catalog.Explanation {
	contribs := learn.Contributions(l.clf, l.bundle.Means, vec)
	pos, neg := learn.TopContributions(contribs, s.cfg.ExplainTopK)

	out := &catalog.Explanation{}

	for _, r := range pos {
		out.Positive = append(out.Positive, catalog.FeatureContribution{
			Feature:      l.bundle.FeatureNames[r.Index],
			Contribution: r.Contribution,
		})
	}

	for _, r := range neg {
		out.Negative = append(out.Negative, catalog.FeatureContribution{
			Feature:      l.bundle.FeatureNames[r.Index],
			Contribution: r.Contribution,
		})
	}

	return out
}

// Close stops the feed watcher and flushes the prediction log.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
	s.plog.close()

	return nil
}

// confidence maps a score to distance from the undecided point, scaled to
// [0, 1].
func confidence(score float64) float64 {
	return math.Min(1, 2*math.Abs(score-0.5))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}

	return "false"
}
