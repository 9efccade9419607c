// Package dispatcher is the coordination core. It accepts jobs, runs one
// worker loop per session slot, and drives every job through the status
// machine: claim, pace, lease a session, fetch, then complete, fail or
// requeue with backoff.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/domaingate"
	"github.com/JakeFAU/ghostfetch/internal/events"
	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/JakeFAU/ghostfetch/internal/metrics"
	"github.com/JakeFAU/ghostfetch/internal/retry"
	"github.com/JakeFAU/ghostfetch/internal/session"
)

// ErrWaitTimeout is returned by SubmitAndWait when the job is still running
// at the deadline. The job keeps running and stays queryable.
var ErrWaitTimeout = errors.New("timed out waiting for job")

const tracerName = "github.com/JakeFAU/ghostfetch/internal/dispatcher"

// minSyncTimeout is the floor for caller supplied wait bounds.
const minSyncTimeout = time.Second

// FetchWorker performs one fetch attempt on a leased session.
type FetchWorker interface {
	Fetch(ctx context.Context, h *session.Handle, target string) (job.Result, error)
}

// Notifier accepts terminal jobs for callback delivery without blocking.
type Notifier interface {
	Enqueue(j job.Job) bool
}

// SessionPool leases browser sessions.
type SessionPool interface {
	Acquire(ctx context.Context, affinity string) (*session.Handle, error)
	Release(h *session.Handle, outcome session.Outcome)
	Stats() session.Stats
	Healthy() bool
}

// Config tunes the worker loops and synchronous waits.
type Config struct {
	// Workers defaults to the pool capacity.
	Workers            int
	AttemptTimeout     time.Duration
	PollInterval       time.Duration
	SyncDefaultTimeout time.Duration
	SyncMaxTimeout     time.Duration
}

// Deps are the collaborators the dispatcher coordinates.
type Deps struct {
	Store  job.Store
	Gate   *domaingate.Gate
	Pool   SessionPool
	Worker FetchWorker
	Retry  retry.Policy
	// Notifier may be nil when callbacks are not supported.
	Notifier Notifier
	// Events may be nil; Await then falls back to polling the store.
	Events *events.Broker
	Clock  job.Clock
	Logger *zap.Logger
	// Tracer defaults to the global provider.
	Tracer trace.Tracer
}

// Dispatcher runs jobs from the store.
type Dispatcher struct {
	cfg      Config
	store    job.Store
	gate     *domaingate.Gate
	pool     SessionPool
	worker   FetchWorker
	retry    retry.Policy
	notifier Notifier
	events   *events.Broker
	clock    job.Clock
	logger   *zap.Logger
	tracer   trace.Tracer

	claimMu sync.Mutex
	wake    chan struct{}
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("dispatcher: store is required")
	case deps.Gate == nil:
		return nil, errors.New("dispatcher: domain gate is required")
	case deps.Pool == nil:
		return nil, errors.New("dispatcher: session pool is required")
	case deps.Worker == nil:
		return nil, errors.New("dispatcher: fetch worker is required")
	case deps.Clock == nil:
		return nil, errors.New("dispatcher: clock is required")
	}
	if deps.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("dispatcher: max attempts must be >= 1, got %d", deps.Retry.MaxAttempts)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = deps.Pool.Stats().Capacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SyncMaxTimeout <= 0 {
		cfg.SyncMaxTimeout = 300 * time.Second
	}
	if cfg.SyncDefaultTimeout <= 0 || cfg.SyncDefaultTimeout > cfg.SyncMaxTimeout {
		cfg.SyncDefaultTimeout = min(120*time.Second, cfg.SyncMaxTimeout)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    deps.Store,
		gate:     deps.Gate,
		pool:     deps.Pool,
		worker:   deps.Worker,
		retry:    deps.Retry,
		notifier: deps.Notifier,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   logger,
		tracer:   tracer,
		wake:     make(chan struct{}, cfg.Workers),
	}, nil
}

// Submit validates the target and stores a new queued job.
func (d *Dispatcher) Submit(ctx context.Context, req job.Request) (job.Job, error) {
	if _, err := job.ParseTarget(req.Target); err != nil {
		return job.Job{}, err
	}
	if req.CallbackURL != "" {
		if err := job.ValidateCallback(req.CallbackURL); err != nil {
			return job.Job{}, err
		}
	}
	j, err := d.store.Create(ctx, req)
	if err != nil {
		return job.Job{}, fmt.Errorf("create job: %w", err)
	}
	d.logger.Info("job queued", zap.String("job_id", j.ID), zap.String("url", j.Target))
	d.publish(j)
	d.signal()
	return j, nil
}

// SubmitAndWait submits req and blocks until the job is terminal or timeout
// passes. timeout <= 0 uses the default; larger values are clamped to the
// configured maximum.
func (d *Dispatcher) SubmitAndWait(ctx context.Context, req job.Request, timeout time.Duration) (job.Job, error) {
	j, err := d.Submit(ctx, req)
	if err != nil {
		return job.Job{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, d.SyncTimeout(timeout))
	defer cancel()

	final, err := d.Await(waitCtx, j.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return final, ErrWaitTimeout
		}
		return final, err
	}
	return final, nil
}

// SyncTimeout resolves a caller supplied wait bound.
func (d *Dispatcher) SyncTimeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return d.cfg.SyncDefaultTimeout
	case requested > d.cfg.SyncMaxTimeout:
		return d.cfg.SyncMaxTimeout
	case requested < minSyncTimeout:
		return minSyncTimeout
	default:
		return requested
	}
}

// Await blocks until job id is terminal. On ctx expiry it returns the
// latest known state with the context error.
func (d *Dispatcher) Await(ctx context.Context, id string) (job.Job, error) {
	var updates <-chan events.Event
	if d.events != nil {
		ch, cancel := d.events.Subscribe(id)
		defer cancel()
		updates = ch
	}

	current, err := d.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	for !current.Status.Terminal() {
		select {
		case evt, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if evt.Status.Terminal() {
				return evt.Job, nil
			}
			current = evt.Job
		case <-d.clock.After(d.cfg.PollInterval):
			// Events can be dropped for slow subscribers, so re-read.
			latest, err := d.store.Get(ctx, id)
			if err == nil {
				current = latest
			}
		case <-ctx.Done():
			return current, fmt.Errorf("await job %s: %w", id, ctx.Err())
		}
	}
	return current, nil
}

// Get returns the stored job.
func (d *Dispatcher) Get(ctx context.Context, id string) (job.Job, error) {
	j, err := d.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Health is the service health snapshot.
type Health struct {
	Status           string `json:"status"`
	BrowserReachable bool   `json:"browser_reachable"`
	QueuedJobs       int    `json:"queued_jobs"`
	ActiveSessions   int    `json:"active_sessions"`
	MaxConcurrency   int    `json:"max_concurrency"`
}

// Health reports session backend reachability and queue depth.
func (d *Dispatcher) Health(ctx context.Context) (Health, error) {
	queued, err := d.store.CountByStatus(ctx, job.StatusQueued)
	if err != nil {
		return Health{}, fmt.Errorf("count queued jobs: %w", err)
	}
	stats := d.pool.Stats()
	h := Health{
		Status:           "ok",
		BrowserReachable: d.pool.Healthy(),
		QueuedJobs:       queued,
		ActiveSessions:   stats.Leased,
		MaxConcurrency:   stats.Capacity,
	}
	if !h.BrowserReachable {
		h.Status = "degraded"
	}
	return h, nil
}

// Run requeues jobs interrupted by a previous crash, starts the worker
// loops, and blocks until ctx ends and every loop has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.requeueInterrupted(ctx); err != nil {
		return err
	}
	if err := d.resendPendingNotifications(ctx); err != nil {
		return err
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))

	var wg sync.WaitGroup
	for i := range d.cfg.Workers {
		wg.Go(func() {
			d.loop(ctx, i)
		})
	}
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) requeueInterrupted(ctx context.Context) error {
	stuck, err := d.store.ListByStatus(ctx, job.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list interrupted jobs: %w", err)
	}
	for _, j := range stuck {
		requeued, err := d.store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusQueued, job.Patch{})
		if err != nil {
			d.logger.Warn("requeue interrupted job failed", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		d.logger.Info("requeued interrupted job", zap.String("job_id", j.ID), zap.Int("attempt", j.Attempts))
		d.publish(requeued)
	}
	return nil
}

// resendPendingNotifications re-enqueues terminal jobs whose callback was
// never settled, e.g. because the process stopped before delivery.
func (d *Dispatcher) resendPendingNotifications(ctx context.Context) error {
	if d.notifier == nil {
		return nil
	}
	resent := 0
	for _, status := range []job.Status{job.StatusCompleted, job.StatusFailed} {
		jobs, err := d.store.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, j := range jobs {
			if j.CallbackURL == "" || j.Notification.State != job.NotificationPending {
				continue
			}
			if d.notifier.Enqueue(j) {
				resent++
			}
		}
	}
	if resent > 0 {
		d.logger.Info("re-enqueued pending notifications", zap.Int("jobs", resent))
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	logger := d.logger.With(zap.Int("worker", worker))
	for ctx.Err() == nil {
		claimed, res, ok := d.claim(ctx, logger)
		if !ok {
			d.idle(ctx)
			continue
		}
		d.process(ctx, logger, claimed, res)
	}
}

func (d *Dispatcher) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-d.wake:
	case <-d.clock.After(d.cfg.PollInterval):
	}
}

// signal wakes one idle worker without blocking.
func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// claim takes the oldest ready job and books its host slot. Both happen under
// claimMu so that per-host admission order follows queue order.
func (d *Dispatcher) claim(ctx context.Context, logger *zap.Logger) (job.Job, *domaingate.Reservation, bool) {
	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	queued, err := d.store.ListQueued(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("list queued jobs failed", zap.Error(err))
		}
		return job.Job{}, nil, false
	}
	metrics.SetQueueSize(len(queued))
	now := d.clock.Now()
	for _, candidate := range queued {
		if !candidate.Ready(now) {
			continue
		}
		claimed, err := d.store.Transition(ctx, candidate.ID, job.StatusQueued, job.StatusProcessing, job.Patch{})
		if errors.Is(err, job.ErrConflict) {
			continue
		}
		if err != nil {
			logger.Error("claim job failed", zap.String("job_id", candidate.ID), zap.Error(err))
			return job.Job{}, nil, false
		}
		d.publish(claimed)
		return claimed, d.gate.Reserve(claimed.Host()), true
	}
	return job.Job{}, nil, false
}

func (d *Dispatcher) process(ctx context.Context, logger *zap.Logger, j job.Job, res *domaingate.Reservation) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger = logger.With(zap.String("job_id", j.ID), zap.String("host", res.Host()))
	if d.retry.Exhausted(j.Attempts) {
		// An interrupted final attempt was requeued; no attempt is left.
		res.Cancel()
		d.exhaust(logger, j)
		return
	}
	wait := res.Delay()
	admittedAt, err := res.Wait(ctx)
	if err != nil {
		d.requeue(logger, j, nil, "shutdown during pacing wait")
		return
	}
	metrics.ObserveDomainWait(wait)

	h, err := d.pool.Acquire(ctx, j.Affinity)
	if err != nil {
		if ctx.Err() != nil {
			d.requeue(logger, j, nil, "shutdown during session acquire")
			return
		}
		// No session reached the worker, so no attempt is consumed.
		notBefore := d.clock.Now().Add(d.retry.Backoff(j.Attempts + 1))
		logger.Warn("session unavailable", zap.Error(err), zap.Time("not_before", notBefore))
		metrics.ObserveAttempt("unavailable")
		d.requeue(logger, j, &notBefore, "session unavailable")
		return
	}

	attempt := j.Attempts + 1
	patch := job.Patch{Attempts: &attempt}
	if j.StartedAt == nil {
		patch.StartedAt = &admittedAt
	}
	running, err := d.store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusProcessing, patch)
	if err != nil {
		d.pool.Release(h, session.OutcomeOK)
		logger.Error("record attempt start failed", zap.Error(err))
		d.requeue(logger, j, nil, "attempt start not recorded")
		return
	}
	d.publish(running)

	logger = logger.With(zap.Int("attempt", attempt), zap.String("session_id", h.ID()))
	logger.Info("attempt started", zap.String("url", running.Target))
	spanCtx, span := d.tracer.Start(ctx, "fetch.attempt", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.host", res.Host()),
		attribute.Int("job.attempt", attempt),
		attribute.String("session.id", h.ID()),
	))
	result, fetchErr := d.attempt(spanCtx, h, running.Target)
	if fetchErr != nil {
		span.RecordError(fetchErr)
		span.SetStatus(otelcodes.Error, string(job.KindOf(fetchErr)))
	} else {
		span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))
	}
	span.End()

	if fetchErr != nil && ctx.Err() != nil {
		d.requeue(logger, running, nil, "shutdown during attempt")
		return
	}
	d.finish(logger, running, result, fetchErr)
}

// attempt calls the worker under the attempt timeout. The handle is released
// on every path, including a worker panic.
func (d *Dispatcher) attempt(ctx context.Context, h *session.Handle, target string) (result job.Result, err error) {
	outcome := session.OutcomeOK
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("fetch worker panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			outcome = session.OutcomeBroken
			result = job.Result{}
			err = job.NewTransientError("worker_panic", fmt.Sprintf("fetch worker panicked: %v", r), nil)
		}
		d.pool.Release(h, outcome)
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	result, err = d.worker.Fetch(attemptCtx, h, target)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBrowserGone):
		outcome = session.OutcomeBroken
	default:
		outcome = session.OutcomeFailed
	}
	if err == nil && attemptCtx.Err() != nil {
		// The worker ignored its deadline; the result is kept but the
		// session is not trusted again.
		outcome = session.OutcomeBroken
	}
	return result, err
}

// finish writes the post-attempt transition. Writes use a context detached
// from shutdown so a finished attempt is never lost.
func (d *Dispatcher) finish(logger *zap.Logger, j job.Job, result job.Result, fetchErr error) {
	ctx := context.Background()
	now := d.clock.Now()

	if fetchErr == nil {
		done, err := d.store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusCompleted, job.Patch{
			Result:      &result,
			CompletedAt: &now,
		})
		if err != nil {
			logger.Error("record completion failed", zap.Error(err))
			return
		}
		metrics.ObserveAttempt("success")
		logger.Info("job completed", zap.Int("status", result.StatusCode))
		d.terminal(done)
		return
	}

	failure := job.FailureFrom(fetchErr)
	decision := d.retry.Classify(fetchErr)
	if decision == retry.NonRetryable || d.retry.Exhausted(j.Attempts) {
		failed, err := d.store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusFailed, job.Patch{
			Failure:     &failure,
			CompletedAt: &now,
		})
		if err != nil {
			logger.Error("record failure failed", zap.Error(err))
			return
		}
		metrics.ObserveAttempt("failed")
		logger.Warn("job failed",
			zap.String("kind", string(failure.Kind)),
			zap.String("code", failure.Code),
			zap.String("decision", decision.String()),
			zap.Error(fetchErr),
		)
		d.terminal(failed)
		return
	}

	notBefore := now.Add(d.retry.Backoff(j.Attempts))
	metrics.ObserveAttempt("retry")
	logger.Warn("attempt failed, retrying",
		zap.String("code", failure.Code),
		zap.Time("not_before", notBefore),
		zap.Error(fetchErr),
	)
	d.requeue(logger, j, &notBefore, "retryable failure")
}

// exhaust fails a job that already used every attempt without reaching a
// final outcome.
func (d *Dispatcher) exhaust(logger *zap.Logger, j job.Job) {
	now := d.clock.Now()
	failure := job.FailureFrom(job.NewTransientError("attempts_exhausted",
		fmt.Sprintf("no attempt left after %d interrupted attempts", j.Attempts), nil))
	failed, err := d.store.Transition(context.Background(), j.ID, job.StatusProcessing, job.StatusFailed, job.Patch{
		Failure:     &failure,
		CompletedAt: &now,
	})
	if err != nil {
		logger.Error("record exhausted job failed", zap.Error(err))
		return
	}
	logger.Warn("job failed", zap.String("code", failure.Code), zap.Int("attempts", j.Attempts))
	d.terminal(failed)
}

func (d *Dispatcher) requeue(logger *zap.Logger, j job.Job, notBefore *time.Time, reason string) {
	requeued, err := d.store.Transition(context.Background(), j.ID, job.StatusProcessing, job.StatusQueued, job.Patch{
		NotBefore: notBefore,
	})
	if err != nil {
		logger.Error("requeue job failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	logger.Debug("job requeued", zap.String("reason", reason))
	d.publish(requeued)
	if notBefore == nil {
		d.signal()
	}
}

func (d *Dispatcher) terminal(j job.Job) {
	elapsed := time.Duration(0)
	if j.CompletedAt != nil {
		elapsed = j.CompletedAt.Sub(j.CreatedAt)
	}
	metrics.ObserveJob(string(j.Status), elapsed)
	d.publish(j)
	if j.CallbackURL == "" || d.notifier == nil {
		return
	}
	if !d.notifier.Enqueue(j) {
		d.logger.Warn("notification not queued", zap.String("job_id", j.ID))
	}
}

func (d *Dispatcher) publish(j job.Job) {
	if d.events != nil {
		d.events.Publish(events.NewEvent(j))
	}
}
