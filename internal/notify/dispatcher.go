package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/JakeFAU/ghostfetch/internal/metrics"
)

// Recorder persists delivery outcomes.
type Recorder interface {
	RecordNotification(ctx context.Context, id string, n job.Notification) error
}

// Config bounds delivery retries.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Timeout applies to each delivery attempt.
	Timeout    time.Duration
	QueueDepth int
	// Workers is the number of concurrent deliveries.
	Workers int
}

// Dispatcher queues terminal jobs and delivers their payloads. The job's own
// status is never changed here; only the notification record is.
type Dispatcher struct {
	cfg      Config
	notifier Notifier
	store    Recorder
	clock    job.Clock
	logger   *zap.Logger
	queue    chan job.Job
}

// NewDispatcher builds a dispatcher. Call Run to start delivering.
func NewDispatcher(cfg Config, notifier Notifier, store Recorder, clock job.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:      cfg,
		notifier: notifier,
		store:    store,
		clock:    clock,
		logger:   logger,
		queue:    make(chan job.Job, cfg.QueueDepth),
	}
}

// Enqueue schedules delivery for j without blocking. When the queue is full
// the notification is recorded as failed.
func (d *Dispatcher) Enqueue(j job.Job) bool {
	if j.CallbackURL == "" {
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		d.logger.Warn("notification queue full", zap.String("job_id", j.ID))
		metrics.ObserveNotification("dropped")
		d.record(context.Background(), j.ID, job.NotificationFailed, 0, "queue full")
		return false
	}
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run delivers queued notifications on Workers goroutines until ctx ends.
// Deliveries still queued or interrupted at shutdown stay pending in the
// store so they are sent again after a restart.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-d.queue:
					d.deliver(ctx, j)
				}
			}
		})
	}
	wg.Wait()
	d.drain()
}

func (d *Dispatcher) drain() {
	left := 0
	for {
		select {
		case j := <-d.queue:
			left++
			d.record(context.Background(), j.ID, job.NotificationPending, 0, "")
		default:
			if left > 0 {
				d.logger.Info("notifications left pending at shutdown", zap.Int("jobs", left))
			}
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job.Job) {
	payload := NewPayload(j)
	logger := d.logger.With(zap.String("job_id", j.ID), zap.String("status", string(j.Status)))

	var lastErr error
	attempts := 0
retries:
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := d.notifier.Notify(attemptCtx, j.CallbackURL, payload)
		cancel()
		if err == nil {
			logger.Info("notification delivered", zap.Int("attempt", attempt))
			metrics.ObserveNotification("delivered")
			d.record(ctx, j.ID, job.NotificationDelivered, attempt, "")
			return
		}
		if ctx.Err() != nil {
			d.interrupted(logger, j.ID, attempt)
			return
		}
		lastErr = job.NewNotificationError("callback delivery failed", err)
		logger.Warn("notification attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, ErrRejected) || attempt == d.cfg.MaxAttempts {
			break retries
		}
		select {
		case <-d.clock.After(d.backoff(attempt)):
		case <-ctx.Done():
			d.interrupted(logger, j.ID, attempt)
			return
		}
	}
	metrics.ObserveNotification("failed")
	logger.Error("notification failed", zap.Int("attempts", attempts), zap.Error(lastErr))
	d.record(ctx, j.ID, job.NotificationFailed, attempts, lastErr.Error())
}

// interrupted keeps the delivery pending so it is retried after a restart.
func (d *Dispatcher) interrupted(logger *zap.Logger, id string, attempts int) {
	logger.Info("notification interrupted by shutdown", zap.Int("attempts", attempts))
	d.record(context.Background(), id, job.NotificationPending, attempts, "delivery interrupted by shutdown")
}

// backoff is BaseDelay*2^(attempt-1).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 1; i < attempt && i < 30; i++ {
		delay *= 2
	}
	return delay
}

func (d *Dispatcher) record(ctx context.Context, id string, state job.NotificationState, attempts int, reason string) {
	now := d.clock.Now()
	n := job.Notification{State: state, Attempts: attempts, Error: reason, UpdatedAt: &now}
	if err := d.store.RecordNotification(context.WithoutCancel(ctx), id, n); err != nil {
		d.logger.Error("record notification failed", zap.String("job_id", id), zap.Error(err))
	}
}
