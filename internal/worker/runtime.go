// Package worker runs the claim/process/report loop for one job type.
//
// A Runtime polls the ledger on a fixed interval, or sooner when Wake is
// called, and keeps at most Concurrency jobs in flight. Every attempt ends in
// exactly one reported outcome; panics and shutdown cancellations included.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/resolver"
)

const (
	defaultPollInterval = 2 * time.Second
	reportTimeout       = 10 * time.Second
)

var errProcessorPanic = errors.New("processor panic")

// Processor executes jobs of a single type.
type Processor interface {
	Type() domain.JobType
	Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error)
}

type funcProcessor struct {
	jobType domain.JobType
	fn      func(context.Context, *domain.Job) (*domain.JobResult, error)
}

func (f funcProcessor) Type() domain.JobType { return f.jobType }

func (f funcProcessor) Process(ctx context.Context, job *domain.Job) (*domain.JobResult, error) {
	return f.fn(ctx, job)
}

// Func adapts a plain function to a Processor.
func Func(jobType domain.JobType, fn func(context.Context, *domain.Job) (*domain.JobResult, error)) Processor {
	return funcProcessor{jobType: jobType, fn: fn}
}

// Reconciler checks proposed enhancements against a manifest's constraints.
type Reconciler func(domain.ProfileContext, domain.HardConstraints, domain.Enhancements) resolver.Result

type Option func(*Runtime)

func WithConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithLivenessTimeout enables reaping of in-progress jobs whose heartbeat is
// older than d.
func WithLivenessTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.livenessTimeout = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) { r.heartbeatInterval = d }
}

func WithWorkerID(id string) Option {
	return func(r *Runtime) {
		if id != "" {
			r.workerID = id
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithResolver replaces the enhancement reconciler; nil disables it.
func WithResolver(fn Reconciler) Option {
	return func(r *Runtime) { r.reconcile = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

type Runtime struct {
	ledger            domain.Ledger
	proc              Processor
	logger            infra.Logger
	concurrency       int
	pollInterval      time.Duration
	livenessTimeout   time.Duration
	heartbeatInterval time.Duration
	workerID          string
	metrics           *Metrics
	reconcile         Reconciler
	now               func() time.Time

	wake     chan struct{}
	mu       sync.Mutex
	inflight map[string]int
}

func New(ledger domain.Ledger, proc Processor, logger infra.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		ledger:       ledger,
		proc:         proc,
		concurrency:  1,
		pollInterval: defaultPollInterval,
		workerID:     defaultWorkerID(proc.Type()),
		reconcile:    resolver.Resolve,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		inflight:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.heartbeatInterval <= 0 && r.livenessTimeout > 0 {
		r.heartbeatInterval = r.livenessTimeout / 3
	}
	r.logger = logger.With().
		Str("worker_id", r.workerID).
		Str("job_type", string(proc.Type())).
		Logger()
	return r
}

func defaultWorkerID(t domain.JobType) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s-%s", host, os.Getpid(), t, uuid.NewString()[:8])
}

func (r *Runtime) WorkerID() string { return r.workerID }

// Wake asks the runtime to poll now. It never blocks.
func (r *Runtime) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Active reports the number of jobs in flight.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Run claims and processes jobs until ctx is cancelled. In-flight jobs see the
// cancellation, and Run returns once each of them has reported an outcome.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info().Int("concurrency", r.concurrency).Msg("worker: started")

	poll := time.NewTicker(r.pollInterval)
	defer poll.Stop()

	var heartbeat <-chan time.Time
	if r.heartbeatInterval > 0 {
		t := time.NewTicker(r.heartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	var wg sync.WaitGroup
	r.reap(ctx)
	for {
		r.fill(ctx, &wg)

		select {
		case <-ctx.Done():
			wg.Wait()
			r.logger.Info().Msg("worker: stopped")
			return nil
		case <-poll.C:
			r.reap(ctx)
		case <-r.wake:
		case <-heartbeat:
			r.beat(ctx)
		}
	}
}

// fill claims jobs until the runtime is saturated or the ledger has none.
func (r *Runtime) fill(ctx context.Context, wg *sync.WaitGroup) {
	for r.Active() < r.concurrency {
		if ctx.Err() != nil {
			return
		}
		job, err := r.ledger.ClaimNextJob(ctx, r.proc.Type(), r.workerID)
		if err != nil {
			if !errors.Is(err, domain.ErrNoJobAvailable) && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("worker: failed to claim job")
			}
			return
		}
		r.track(job)
		r.metrics.jobClaimed(job.Type)

		wg.Add(1)
		go func() {
			defer wg.Done()
			r.execute(ctx, job)
			r.untrack(job.ID)
			r.Wake()
		}()
	}
}

func (r *Runtime) track(job *domain.Job) {
	r.mu.Lock()
	r.inflight[job.ID] = job.Attempts
	r.mu.Unlock()
}

func (r *Runtime) untrack(jobID string) {
	r.mu.Lock()
	delete(r.inflight, jobID)
	r.mu.Unlock()
}

func (r *Runtime) execute(ctx context.Context, job *domain.Job) {
	log := r.logger.With().
		Str("job_id", job.ID).
		Str("manifest_id", job.ManifestID).
		Int("attempt", job.Attempts).
		Logger()
	log.Info().Msg("worker: claimed job")

	start := r.now()
	result, err := r.process(ctx, job)

	// The outcome must land even when shutdown cancelled the job.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	outcome := r.decide(ctx, job, result, err)
	if outcome.Kind == domain.OutcomeCompleted {
		r.reconcileResult(reportCtx, job, outcome.Result, log)
	}

	elapsed := r.now().Sub(start)
	r.metrics.jobFinished(job.Type, outcome.Kind, elapsed)

	if repErr := r.ledger.ReportJobOutcome(reportCtx, job.ID, outcome); repErr != nil {
		if errors.Is(repErr, domain.ErrStaleClaim) {
			log.Warn().Err(repErr).Msg("worker: claim lost before outcome was recorded")
			return
		}
		log.Error().Err(repErr).Msg("worker: report outcome failed")
		return
	}

	switch outcome.Kind {
	case domain.OutcomeCompleted:
		log.Info().Dur("elapsed", elapsed).Str("output_ref", outcome.Result.OutputRef).Msg("worker: job completed")
	case domain.OutcomeRetry:
		log.Warn().Err(err).Time("retry_at", outcome.RetryAt).Msg("worker: job will retry")
	case domain.OutcomeReleased:
		log.Info().Msg("worker: job released on shutdown")
	default:
		log.Error().Err(err).Msg("worker: job failed")
	}
}

func (r *Runtime) process(ctx context.Context, job *domain.Job) (res *domain.JobResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("%w: %v", errProcessorPanic, p)
		}
	}()
	if err := domain.CheckPayload(job); err != nil {
		return nil, err
	}
	return r.proc.Process(ctx, job)
}

// decide maps a processing result to the outcome reported to the ledger.
// A job cut short by shutdown is released rather than charged an attempt.
func (r *Runtime) decide(ctx context.Context, job *domain.Job, result *domain.JobResult, err error) domain.Outcome {
	out := domain.Outcome{WorkerID: r.workerID, Attempt: job.Attempts}
	if err == nil {
		if result == nil {
			result = &domain.JobResult{}
		}
		out.Kind = domain.OutcomeCompleted
		out.Result = result
		return out
	}

	out.Error = err.Error()
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		out.Kind = domain.OutcomeReleased
		out.RetryAt = r.now().UTC()
	case permanent(err), job.RetryPolicy.Exhausted(job.Attempts):
		out.Kind = domain.OutcomeFailed
	default:
		out.Kind = domain.OutcomeRetry
		out.RetryAt = r.now().UTC().Add(job.RetryPolicy.Delay(job.Attempts))
	}
	return out
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrTerminalProvider) ||
		errors.Is(err, domain.ErrPayloadMismatch) ||
		errors.Is(err, domain.ErrDependencyOutputAbsent) ||
		errors.Is(err, errProcessorPanic)
}

// reconcileResult clamps the enhancements a processor applied to the
// manifest's hard constraints and records what was changed.
func (r *Runtime) reconcileResult(ctx context.Context, job *domain.Job, result *domain.JobResult, log infra.Logger) {
	if r.reconcile == nil || result.Enhancements == nil {
		return
	}
	manifest, err := r.ledger.GetManifest(ctx, job.ManifestID)
	if err != nil {
		log.Warn().Err(err).Msg("worker: manifest unavailable, enhancements kept as proposed")
		return
	}
	res := r.reconcile(manifest.Profile, manifest.Profile.Constraints, *result.Enhancements)
	if !res.Changed() {
		return
	}
	applied := res.Apply(*result.Enhancements)
	result.Enhancements = &applied
	result.Warnings = append(result.Warnings, res.Warnings...)
	log.Info().Strs("dropped", res.DroppedEnhancements).Int("warnings", len(res.Warnings)).Msg("worker: enhancements clamped")
}

func (r *Runtime) beat(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.ledger.Heartbeat(ctx, id, r.workerID); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("job_id", id).Msg("worker: heartbeat failed")
		}
	}
}

func (r *Runtime) reap(ctx context.Context) {
	if r.livenessTimeout <= 0 {
		return
	}
	ids, err := r.ledger.ReapStaleJobs(ctx, r.livenessTimeout)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("worker: reap stale jobs failed")
		}
		return
	}
	r.metrics.jobsReaped(len(ids))
	if len(ids) > 0 {
		r.logger.Warn().Strs("job_ids", ids).Msg("worker: reclaimed stale jobs")
	}
}
