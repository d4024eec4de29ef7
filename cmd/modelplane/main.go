// Package main provides the modelplane control-plane service.
//
// One process hosts the full model lifecycle: feature computation, training,
// registry and promotion, real-time inference, drift and bias monitoring,
// alerting, the job scheduler, automated retraining and A/B testing.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelplane-io/modelplane/internal/abtest"
	"github.com/modelplane-io/modelplane/internal/alerting"
	"github.com/modelplane-io/modelplane/internal/artifact"
	"github.com/modelplane-io/modelplane/internal/bus"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/featurecache"
	"github.com/modelplane-io/modelplane/internal/features"
	"github.com/modelplane-io/modelplane/internal/inference"
	"github.com/modelplane-io/modelplane/internal/metrics"
	"github.com/modelplane-io/modelplane/internal/monitoring"
	"github.com/modelplane-io/modelplane/internal/registry"
	"github.com/modelplane-io/modelplane/internal/retraining"
	"github.com/modelplane-io/modelplane/internal/scheduler"
	"github.com/modelplane-io/modelplane/internal/storage"
	"github.com/modelplane-io/modelplane/internal/training"
)

// Version information.
const (
	version = "0.3.0"
	name    = "modelplane"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg := LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting modelplane",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("log_level", cfg.LogLevel.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("modelplane failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("modelplane stopped")
}

//nolint:funlen // single linear wiring sequence
func run(ctx context.Context, cfg *ServerConfig, logger *slog.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())

	met := metrics.NewSet(promReg)

	busCfg, err := bus.LoadConfig()
	if err != nil {
		return err
	}

	pub := bus.NewPublisher(busCfg, logger)
	defer func() { _ = pub.Close() }()

	cat, closeCat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer closeCat()

	blobs, err := artifact.NewFSStore(cfg.ArtifactDir, logger)
	if err != nil {
		return err
	}

	reg := registry.New(cat, blobs, pub, logger)
	trainer := training.NewEngine(cat, blobs, logger)
	pipeline := features.NewPipeline(cat, blobs, features.NoHolidays{}, logger)

	resolver, err := buildResolver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	svc := inference.New(cat, reg, reg, resolver, met, inference.Config{
		RateLimit: cfg.PredictRateLimit,
		SpillPath: cfg.SpillPath,
	}, logger)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	alerts := alerting.New(cat, met, logger,
		alerting.SlogSink{Logger: logger},
		alerting.BusSink{Pub: pub})

	retrainer := retraining.New(cat, blobs, trainer, reg, cfg.PrimaryMetric, logger)

	monCfg := monitoring.Config{Window: cfg.MonitorWindow}

	if cfg.BiasConfigPath != "" {
		data, err := os.ReadFile(cfg.BiasConfigPath)
		if err != nil {
			return err
		}

		monCfg.Bias, err = monitoring.LoadBiasConfig(data)
		if err != nil {
			return err
		}

		logger.Info("bias monitoring enabled",
			slog.Int("attributes", len(monCfg.Bias.Attributes)))
	}

	monitor := monitoring.NewEngine(cat, blobs, alerts, retrainer, met, monCfg, logger)

	sched := scheduler.New(cat, pub, alerts, met, scheduler.Config{
		PollInterval: cfg.PollInterval,
		Lease:        cfg.JobLease,
		MaxRetries:   cfg.JobMaxRetries,
	}, logger)

	ab := abtest.New(cat, svc, reg, logger)

	registerHandlers(sched, pipeline, trainer, monitor, retrainer, ab, logger)

	// Monitoring and retrain automation feed the queue, not the engine
	// directly, so one retrain runs at a time and survives restarts.
	retrainer.SetEnqueue(func(ctx context.Context, retrainJobID string) error {
		_, _, err := sched.Enqueue(ctx, scheduler.EnqueueRequest{
			Kind:           catalog.JobRetrain,
			Payload:        scheduler.RetrainPayload{RetrainJobID: retrainJobID},
			IdempotencyKey: "retrain:" + retrainJobID,
		})

		return err
	})

	sched.Start(ctx)
	defer sched.Close()

	httpErr := make(chan error, 1)

	go func() {
		httpErr <- serveMetrics(ctx, cfg, promReg, cat, logger)
	}()

	logger.Info("modelplane running", slog.String("metrics_addr", cfg.MetricsAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-httpErr:
		return err
	}
}

// openCatalog connects to Postgres when DATABASE_URL is set and falls back
// to the in-memory catalog otherwise.
func openCatalog(logger *slog.Logger) (catalog.Catalog, func(), error) {
	storageCfg := storage.LoadConfig()

	if err := storageCfg.Validate(); err != nil {
		if errors.Is(err, storage.ErrDatabaseURLEmpty) {
			logger.Warn("DATABASE_URL not set, using the in-memory catalog",
				slog.String("note", "all state is lost on restart; set DATABASE_URL for persistence"))

			return storage.NewMemory(), func() {}, nil
		}

		return nil, nil, err
	}

	conn, err := storage.NewConnection(storageCfg)
	if err != nil {
		return nil, nil, err
	}

	pg, err := storage.NewPostgres(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	logger.Info("catalog connected",
		slog.String("database_url", storageCfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", storageCfg.MaxOpenConns))

	return pg, func() { _ = conn.Close() }, nil
}

// buildResolver wires the layered feature cache when enabled. A nil resolver
// means every request must carry its full feature vector.
func buildResolver(ctx context.Context, cfg *ServerConfig, logger *slog.Logger) (inference.FeatureResolver, error) {
	if !cfg.CacheEnabled {
		return nil, nil
	}

	remote, err := featurecache.NewRedis(ctx, featurecache.LoadRedisConfig(), logger)
	if err != nil {
		return nil, err
	}

	memory := featurecache.NewMemoryTTL(cfg.CacheMemoryCap)
	layered := featurecache.NewLayered(memory, remote, cfg.CacheMemoryTTL, logger)

	return inference.NewCacheResolver(layered, nil, cfg.ResolveTimeout, logger), nil
}

// registerHandlers installs one handler per job kind. Handlers adapt the
// scheduler hooks onto each engine's own progress and cancellation hooks.
func registerHandlers(
	sched *scheduler.Scheduler,
	pipeline *features.Pipeline,
	trainer *training.Engine,
	monitor *monitoring.Engine,
	retrainer *retraining.Controller,
	ab *abtest.Controller,
	logger *slog.Logger,
) {
	sched.Register(catalog.JobFeatureCompute, func(ctx context.Context, job *catalog.Job, hooks scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.FeatureComputePayload](job)
		if err != nil {
			return err
		}

		_, err = pipeline.Run(ctx, job.ID, p.DatasetID, p.Config, features.Hooks{
			Progress:  hooks.Progress,
			Cancelled: hooks.Cancelled,
		})

		return err
	})

	sched.Register(catalog.JobTrain, func(ctx context.Context, job *catalog.Job, hooks scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.TrainPayload](job)
		if err != nil {
			return err
		}

		_, err = trainer.RunWithRetry(ctx, job.ID, p.Request, training.Hooks{
			Progress:  hooks.Progress,
			Cancelled: hooks.Cancelled,
		})

		return err
	})

	sched.Register(catalog.JobDataDrift, func(ctx context.Context, job *catalog.Job, _ scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.DriftPayload](job)
		if err != nil {
			return err
		}

		report, err := monitor.RunDataDrift(ctx, p.ModelID)
		if err != nil {
			return err
		}

		logReport(logger, job, report)

		return nil
	})

	sched.Register(catalog.JobConceptDrift, func(ctx context.Context, job *catalog.Job, _ scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.ConceptDriftPayload](job)
		if err != nil {
			return err
		}

		report, err := monitor.RunConceptDrift(ctx, p.ModelID)
		if err != nil {
			return err
		}

		logReport(logger, job, report)

		return nil
	})

	sched.Register(catalog.JobBias, func(ctx context.Context, job *catalog.Job, _ scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.BiasPayload](job)
		if err != nil {
			return err
		}

		report, err := monitor.RunBias(ctx, p.ModelID)
		if err != nil {
			return err
		}

		logReport(logger, job, report)

		return nil
	})

	sched.Register(catalog.JobRetrain, func(ctx context.Context, job *catalog.Job, hooks scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.RetrainPayload](job)
		if err != nil {
			return err
		}

		return retrainer.Run(ctx, p.RetrainJobID, retraining.Hooks{
			Progress:  hooks.Progress,
			Cancelled: hooks.Cancelled,
		})
	})

	sched.Register(catalog.JobABEvaluate, func(ctx context.Context, job *catalog.Job, _ scheduler.Hooks) error {
		p, err := scheduler.Decode[scheduler.ABEvaluatePayload](job)
		if err != nil {
			return err
		}

		eval, err := ab.Evaluate(ctx, p.TestID)
		if err != nil {
			return err
		}

		if eval.Gated {
			logger.Info("a/b evaluation gated",
				slog.String("test_id", p.TestID),
				slog.String("reason", eval.GateReason))
		}

		return nil
	})
}

func logReport(logger *slog.Logger, job *catalog.Job, report *monitoring.Report) {
	if report.Skipped {
		logger.Info("monitoring run skipped",
			slog.String("kind", string(job.Kind)),
			slog.String("model_id", report.ModelID),
			slog.String("reason", report.SkipReason))

		return
	}

	logger.Info("monitoring run finished",
		slog.String("kind", string(job.Kind)),
		slog.String("model_id", report.ModelID),
		slog.String("worst", string(report.Worst())),
		slog.Int("alerts_raised", report.AlertsRaised))
}

// serveMetrics exposes /metrics and /healthz until the context is cancelled.
func serveMetrics(ctx context.Context, cfg *ServerConfig, promReg *prometheus.Registry, cat catalog.Catalog, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := cat.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
