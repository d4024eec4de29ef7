// Package scheduler runs background jobs off the catalog job queue: feature
// computation, training, monitoring sweeps, retraining and A/B evaluation.
//
// The catalog is the queue. Workers poll for due jobs and claim them with a
// compare-and-set, so any number of scheduler instances can share one
// catalog without double-running work. Jobs whose worker died are recovered
// by the stale-lease sweeper.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/modelplane-io/modelplane/internal/bus"
	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/metrics"
)

// Per-kind worker caps. Training and retraining are memory-heavy; monitoring
// kinds share one budget.
const (
	capTrain      = 2
	capFeature    = 4
	capMonitoring = 4
	capRetrain    = 1
	capABEvaluate = 2
)

// Hooks are handed to every handler so long jobs can report progress and
// observe cooperative cancellation. Both callbacks are non-nil.
type Hooks struct {
	Progress  func(progress float64, stage string)
	Cancelled func() bool
}

// HandlerFunc executes one claimed job. Returning a Cancelled fault marks
// the job CANCELLED; any other error marks it FAILED.
type HandlerFunc func(ctx context.Context, job *catalog.Job, hooks Hooks) error

// Alerter is the slice of the alert manager the scheduler needs. A nil
// Alerter disables job failure alerts.
type Alerter interface {
	// Raise creates or merges an alert by dedup key.
	Raise(ctx context.Context, a *catalog.Alert) (*catalog.Alert, error)
}

// Config tunes the scheduler.
type Config struct {
	// PollInterval is how often due jobs are fetched. Defaults to 1s.
	PollInterval time.Duration
	// Lease is how long a RUNNING job may go without finishing before the
	// sweeper assumes its worker died. Defaults to 30 minutes.
	Lease time.Duration
	// MaxRetries bounds stale-lease requeues before a job goes FAILED.
	// Defaults to 3.
	MaxRetries int
	// SweepInterval is how often the stale-lease sweeper runs. Defaults to
	// one minute.
	SweepInterval time.Duration
	// MaxQueued back-pressures Enqueue once this many jobs are QUEUED.
	// Defaults to 1000.
	MaxQueued int
	// PollBatch is how many due jobs one poll fetches. Defaults to 50.
	PollBatch int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	if c.Lease <= 0 {
		c.Lease = 30 * time.Minute
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}

	if c.MaxQueued <= 0 {
		c.MaxQueued = 1000
	}

	if c.PollBatch <= 0 {
		c.PollBatch = 50
	}

	return c
}

// EnqueueRequest describes one job to enqueue.
type EnqueueRequest struct {
	Kind    catalog.JobKind
	Payload any
	// IdempotencyKey dedups enqueues: a non-terminal job holding the same
	// key absorbs the request.
	IdempotencyKey string
	// Schedule makes the job recurring. Standard 5-field cron.
	Schedule string
}

// Scheduler owns the worker pool and the poll and sweep loops.
type Scheduler struct {
	cfg      Config
	cat      catalog.Catalog
	pub      bus.Publisher
	alerts   Alerter
	met      *metrics.Set
	logger   *slog.Logger
	handlers map[catalog.JobKind]HandlerFunc
	slots    map[catalog.JobKind]chan struct{}
	now      func() time.Time

	// Consecutive UpstreamUnavailable failures per kind.
	unavailMu sync.Mutex
	unavail   map[catalog.JobKind]int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler. Register handlers before Start.
func New(cat catalog.Catalog, pub bus.Publisher, alerts Alerter, met *metrics.Set, cfg Config, logger *slog.Logger) *Scheduler {
	monitoring := make(chan struct{}, capMonitoring)

	return &Scheduler{
		cfg:      cfg.withDefaults(),
		cat:      cat,
		pub:      pub,
		alerts:   alerts,
		met:      met,
		logger:   logger,
		handlers: make(map[catalog.JobKind]HandlerFunc),
		slots: map[catalog.JobKind]chan struct{}{
			catalog.JobTrain:          make(chan struct{}, capTrain),
			catalog.JobFeatureCompute: make(chan struct{}, capFeature),
			catalog.JobDataDrift:      monitoring,
			catalog.JobConceptDrift:   monitoring,
			catalog.JobBias:           monitoring,
			catalog.JobRetrain:        make(chan struct{}, capRetrain),
			catalog.JobABEvaluate:     make(chan struct{}, capABEvaluate),
		},
		unavail: make(map[catalog.JobKind]int),
		now:     time.Now,
	}
}

// Register installs the handler for a job kind. Jobs of unregistered kinds
// stay queued.
func (s *Scheduler) Register(kind catalog.JobKind, h HandlerFunc) {
	s.handlers[kind] = h
}

// Enqueue inserts a job. Returns the job id; duplicate reports whether an
// idempotency-key match absorbed the request.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (jobID string, duplicate bool, err error) {
	if _, ok := s.slots[req.Kind]; !ok {
		return "", false, fault.Validation("unknown job kind %q", req.Kind)
	}

	payload, err := encodePayload(req.Kind, req.Payload)
	if err != nil {
		return "", false, err
	}

	queued, err := s.cat.Jobs().List(ctx,
		catalog.JobFilter{State: catalog.JobQueued},
		catalog.Page{Limit: s.cfg.MaxQueued})
	if err != nil {
		return "", false, err
	}

	if len(queued) >= s.cfg.MaxQueued {
		return "", false, fault.Exhausted("job queue is full (%d queued)", len(queued))
	}

	job := &catalog.Job{
		ID:             uuid.NewString(),
		Kind:           req.Kind,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        payload,
		Enabled:        true,
	}

	if req.Schedule != "" {
		sched, err := cron.ParseStandard(req.Schedule)
		if err != nil {
			return "", false, fault.Validation("parsing schedule %q: %v", req.Schedule, err)
		}

		next := sched.Next(s.now().UTC())
		job.Recurring = true
		job.Schedule = req.Schedule
		job.NextRunAt = &next
	}

	duplicate, err = s.cat.Jobs().Enqueue(ctx, job)
	if err != nil {
		return "", false, err
	}

	if duplicate {
		s.logger.Debug("enqueue absorbed by idempotency key",
			slog.String("kind", string(req.Kind)),
			slog.String("idempotency_key", req.IdempotencyKey))

		return "", true, nil
	}

	s.met.JobsTotal.WithLabelValues(string(req.Kind), string(catalog.JobQueued)).Inc()
	s.met.QueueDepth.WithLabelValues(string(req.Kind)).Inc()
	s.announce(ctx, job.ID, req.Kind, catalog.JobQueued)

	return job.ID, false, nil
}

// Cancel requests cooperative cancellation. Queued jobs are cancelled
// immediately; running jobs observe the flag at their next checkpoint.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.cat.Jobs().RequestCancel(ctx, id); err != nil {
		return err
	}

	job, err := s.cat.Jobs().Get(ctx, id)
	if err != nil {
		return err
	}

	if job.State != catalog.JobQueued {
		return nil
	}

	if err := s.cat.Jobs().PatchState(ctx, id, catalog.JobQueued, catalog.JobCancelled); err != nil {
		// Lost the race against a claim; the running handler will observe
		// the cancel flag instead.
		if fault.KindOf(err) == fault.KindConflictingState {
			return nil
		}

		return err
	}

	s.met.QueueDepth.WithLabelValues(string(job.Kind)).Dec()
	s.announce(ctx, id, job.Kind, catalog.JobCancelled)

	return nil
}

// SetEnabled pauses or resumes a recurring job.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.cat.Jobs().SetEnabled(ctx, id, enabled)
}

// Start launches the poll and sweep loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.pollLoop(ctx)
	go s.sweepLoop(ctx)
}

// Close stops the loops and waits for in-flight jobs.
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.cat.Jobs().Due(ctx, s.now().UTC(), s.cfg.PollBatch)
	if err != nil {
		s.logger.Error("listing due jobs", slog.String("error", err.Error()))

		return
	}

	for _, job := range due {
		handler, ok := s.handlers[job.Kind]
		if !ok {
			continue
		}

		slot := s.slots[job.Kind]

		select {
		case slot <- struct{}{}:
		default:
			// Kind at capacity; the job stays queued for the next poll.
			continue
		}

		claimed, err := s.cat.Jobs().Claim(ctx, job.ID, s.now().UTC())
		if err != nil || !claimed {
			<-slot

			if err != nil {
				s.logger.Error("claiming job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()))
			}

			continue
		}

		s.wg.Add(1)

		go func(job *catalog.Job) {
			defer s.wg.Done()
			defer func() { <-slot }()

			s.runJob(ctx, job, handler)
		}(job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *catalog.Job, handler HandlerFunc) {
	s.met.JobsTotal.WithLabelValues(string(job.Kind), string(catalog.JobRunning)).Inc()
	s.met.QueueDepth.WithLabelValues(string(job.Kind)).Dec()
	s.announce(ctx, job.ID, job.Kind, catalog.JobRunning)

	logger := s.logger.With(
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)))
	logger.Info("job started")

	hooks := Hooks{
		Progress: func(progress float64, stage string) {
			if err := s.cat.Jobs().UpdateProgress(ctx, job.ID, progress, stage); err != nil {
				logger.Warn("updating job progress", slog.String("error", err.Error()))
			}
		},
		Cancelled: func() bool {
			cancelled, err := s.cat.Jobs().Cancelled(ctx, job.ID)

			return err == nil && cancelled
		},
	}

	start := s.now()
	err := handler(ctx, job, hooks)
	elapsed := time.Since(start)

	repeated := s.trackUnavailable(job.Kind, err)

	if job.Recurring && err == nil {
		s.requeueRecurring(ctx, job, logger)

		return
	}

	state := catalog.JobCompleted
	errMsg := ""

	switch {
	case err == nil:
	case fault.KindOf(err) == fault.KindCancelled:
		state = catalog.JobCancelled
		errMsg = err.Error()
	default:
		state = catalog.JobFailed
		errMsg = err.Error()
	}

	if err := s.cat.Jobs().Complete(ctx, job.ID, state, errMsg); err != nil {
		logger.Error("completing job", slog.String("error", err.Error()))

		return
	}

	s.met.JobsTotal.WithLabelValues(string(job.Kind), string(state)).Inc()
	s.announce(ctx, job.ID, job.Kind, state)

	if state == catalog.JobFailed {
		logger.Error("job failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", errMsg))

		s.alertFailure(ctx, job, err, repeated)
	} else {
		logger.Info("job finished",
			slog.String("state", string(state)),
			slog.Duration("elapsed", elapsed))
	}
}

// trackUnavailable maintains the per-kind run of consecutive
// UpstreamUnavailable failures and reports whether this outcome is at least
// the second in a row. Any other outcome resets the run.
func (s *Scheduler) trackUnavailable(kind catalog.JobKind, err error) bool {
	s.unavailMu.Lock()
	defer s.unavailMu.Unlock()

	if fault.KindOf(err) != fault.KindUpstreamUnavailable {
		delete(s.unavail, kind)

		return false
	}

	s.unavail[kind]++

	return s.unavail[kind] >= 2
}

// alertFailure raises an operator alert for the failure classes that warrant
// one. Upstream unavailability alerts only once it repeats for the kind, and
// at WARNING rather than CRITICAL.
func (s *Scheduler) alertFailure(ctx context.Context, job *catalog.Job, cause error, repeated bool) {
	if s.alerts == nil {
		return
	}

	kind := fault.KindOf(cause)
	if !fault.AlertWorthy(kind) {
		return
	}

	severity := catalog.SeverityCritical

	if kind == fault.KindUpstreamUnavailable {
		if !repeated {
			return
		}

		severity = catalog.SeverityWarning
	}

	_, err := s.alerts.Raise(ctx, &catalog.Alert{
		SourceKind: "scheduler",
		SourceRef:  job.ID,
		Severity:   severity,
		Title:      fmt.Sprintf("%s job failed: %s", job.Kind, kind),
		Details:    fmt.Sprintf("job=%s error=%s", job.ID, cause),
		DedupKey:   fmt.Sprintf("job|%s|%s", job.Kind, kind),
	})
	if err != nil {
		s.logger.Warn("raising job failure alert",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

// requeueRecurring returns a recurring job to the queue with its next cron
// fire time.
func (s *Scheduler) requeueRecurring(ctx context.Context, job *catalog.Job, logger *slog.Logger) {
	sched, err := cron.ParseStandard(job.Schedule)
	if err != nil {
		logger.Error("recurring job has an unparseable schedule, disabling",
			slog.String("schedule", job.Schedule),
			slog.String("error", err.Error()))

		if err := s.cat.Jobs().SetEnabled(ctx, job.ID, false); err != nil {
			logger.Error("disabling job", slog.String("error", err.Error()))
		}

		return
	}

	next := sched.Next(s.now().UTC())

	if err := s.cat.Jobs().SetNextRun(ctx, job.ID, next); err != nil {
		logger.Error("requeueing recurring job", slog.String("error", err.Error()))

		return
	}

	s.met.QueueDepth.WithLabelValues(string(job.Kind)).Inc()
	s.announce(ctx, job.ID, job.Kind, catalog.JobQueued)

	logger.Info("recurring job requeued", slog.Time("next_run_at", next))
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			olderThan := s.now().UTC().Add(-s.cfg.Lease)

			requeued, failed, err := s.cat.Jobs().SweepStale(ctx, olderThan, s.cfg.MaxRetries)
			if err != nil {
				s.logger.Error("sweeping stale jobs", slog.String("error", err.Error()))

				continue
			}

			if requeued > 0 || failed > 0 {
				s.met.JobRetries.Add(float64(requeued))
				s.logger.Warn("stale jobs swept",
					slog.Int("requeued", requeued),
					slog.Int("failed", failed))
			}
		}
	}
}

// announce publishes a job state change; the bus is advisory.
func (s *Scheduler) announce(ctx context.Context, jobID string, kind catalog.JobKind, state catalog.JobState) {
	err := s.pub.PublishJobStateChanged(ctx, bus.JobStateChanged{
		EventID:   uuid.NewString(),
		JobID:     jobID,
		Kind:      string(kind),
		State:     string(state),
		ChangedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publishing job state change",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}
