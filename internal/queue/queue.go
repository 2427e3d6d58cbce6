// Package queue implements the durable, delay-capable, retrying work queue
// that hands automation jobs to the executor. Pending and delayed jobs live
// in SQLite, so they survive process restarts; a polling dispatcher claims
// due jobs and feeds a fixed pool of workers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikkotan/vibe-employee/internal/automation"
	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/notify"
)

const (
	// DefaultMaxAttempts bounds how often one job is run.
	DefaultMaxAttempts = 3
	// backoffBase is the delay before the second attempt; it doubles per
	// subsequent attempt.
	backoffBase = 2 * time.Second

	// Bounded job history for observability.
	keepSucceeded = 100
	keepFailed    = 50

	// Running jobs untouched for this long are assumed to belong to a
	// crashed process and are requeued on startup.
	staleRunningAfter = 10 * time.Minute

	defaultWorkers      = 2
	defaultPollInterval = time.Second
	defaultJobTimeout   = 90 * time.Second
)

// JobStore is the persistence surface backing the queue.
type JobStore interface {
	InsertJob(ctx context.Context, job *core.Job) error
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*core.Job, error)
	RequeueJob(ctx context.Context, id string, runAt time.Time, errMsg *string) error
	FinalizeJob(ctx context.Context, id string, status core.JobStatus, errMsg *string) error
	RequeueStaleRunning(ctx context.Context, olderThan time.Time) (int64, error)
	PruneJobs(ctx context.Context, keepSucceeded, keepFailed int) error
}

// Runner executes one claimed job. A nil error marks the job succeeded; an
// error carrying a permanent automation failure suppresses further retries.
type Runner interface {
	Run(ctx context.Context, job *core.Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *core.Job) error

func (f RunnerFunc) Run(ctx context.Context, job *core.Job) error { return f(ctx, job) }

// Options tune the queue. Zero values select defaults.
type Options struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Queue dispatches due jobs to workers and applies the retry policy.
// Each in-flight job owns its own browser session via the Runner; sessions
// are never shared across jobs.
type Queue struct {
	store    JobStore
	runner   Runner
	logger   *slog.Logger
	notifier notify.Notifier
	clock    core.Clock

	workers      int
	pollInterval time.Duration
	jobTimeout   time.Duration

	wake   chan struct{}
	jobs   chan *core.Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a queue. notifier may be nil.
func New(store JobStore, runner Runner, logger *slog.Logger, notifier notify.Notifier, opts Options) *Queue {
	if notifier == nil {
		notifier = notify.NoOpNotifier{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Queue{
		store:        store,
		runner:       runner,
		logger:       logger,
		notifier:     notifier,
		clock:        core.SystemClock{},
		workers:      workers,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue persists a job that becomes eligible after the delay. The job is
// durable from this point on: a restart re-reads it from the store.
func (q *Queue) Enqueue(ctx context.Context, job *core.Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = core.NewID()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	job.Status = core.JobStatusQueued
	job.RunAt = q.clock.Now().Add(delay).UTC()
	if err := q.store.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Debug("job enqueued",
		"job_id", job.ID, "user_id", job.UserID, "action", job.Action,
		"run_at", job.RunAt, "delay", delay.Round(time.Second))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start recovers stranded jobs and launches the dispatcher and workers.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.jobs = make(chan *core.Job)

	if n, err := q.store.RequeueStaleRunning(q.ctx, q.clock.Now().Add(-staleRunningAfter)); err != nil {
		q.logger.Error("requeue stale running jobs", "err", err)
	} else if n > 0 {
		q.logger.Info("requeued stale running jobs", "count", n)
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.dispatch()

	q.logger.Info("queue started", "workers", q.workers, "poll_interval", q.pollInterval)
}

// Stop halts dispatching and waits for in-flight jobs to finish or time out.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// dispatch claims due jobs on every poll tick (or sooner when an enqueue
// wakes it) and feeds the workers. Claim errors are transport-level: they
// are logged and do not halt processing.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	defer close(q.jobs)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}

		claimed, err := q.store.ClaimDueJobs(q.ctx, q.clock.Now(), q.workers*2)
		if err != nil {
			q.logger.Error("queue transport error: claim due jobs", "err", err)
			continue
		}
		for _, job := range claimed {
			select {
			case q.jobs <- job:
			case <-q.ctx.Done():
				// Shutdown with a claimed but undispatched job: put it
				// back so the next start picks it up immediately.
				if err := q.store.RequeueJob(context.Background(), job.ID, q.clock.Now(), job.LastError); err != nil {
					q.logger.Error("requeue undispatched job", "job_id", job.ID, "err", err)
				}
				return
			}
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.process(job)
	}
}

func (q *Queue) process(job *core.Job) {
	ctx, cancel := context.WithTimeout(q.ctx, q.jobTimeout)
	err := q.runner.Run(ctx, job)
	cancel()

	if err == nil {
		if ferr := q.store.FinalizeJob(context.Background(), job.ID, core.JobStatusSucceeded, nil); ferr != nil {
			q.logger.Error("finalize succeeded job", "job_id", job.ID, "err", ferr)
		}
		q.logger.Info("job completed", "job_id", job.ID, "user_id", job.UserID,
			"action", job.Action, "attempt", job.Attempts)
		q.prune()
		return
	}

	msg := err.Error()
	permanent := automation.IsPermanent(err)
	if !permanent && job.Attempts < job.MaxAttempts {
		backoff := backoffBase << (job.Attempts - 1)
		runAt := q.clock.Now().Add(backoff).UTC()
		if rerr := q.store.RequeueJob(context.Background(), job.ID, runAt, &msg); rerr != nil {
			q.logger.Error("requeue failed job", "job_id", job.ID, "err", rerr)
			return
		}
		q.logger.Warn("job attempt failed, retrying",
			"job_id", job.ID, "user_id", job.UserID, "action", job.Action,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"backoff", backoff, "err", err)
		return
	}

	if ferr := q.store.FinalizeJob(context.Background(), job.ID, core.JobStatusFailed, &msg); ferr != nil {
		q.logger.Error("finalize failed job", "job_id", job.ID, "err", ferr)
	}
	q.logger.Error("job failed",
		"job_id", job.ID, "user_id", job.UserID, "action", job.Action,
		"attempt", job.Attempts, "permanent", permanent, "err", err)
	q.notifyFailure(job, msg)
	q.prune()
}

// notifyFailure pushes a terminal failure to the operator without blocking
// the worker on a slow notification channel.
func (q *Queue) notifyFailure(job *core.Job, msg string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		title := fmt.Sprintf("%s automation failed", job.Action.Label())
		body := fmt.Sprintf("user %s, job %s: %s", job.UserID, job.ID, msg)
		if err := q.notifier.Send(ctx, title, body); err != nil {
			q.logger.Warn("send failure notification", "job_id", job.ID, "err", err)
		}
	}()
}

func (q *Queue) prune() {
	if err := q.store.PruneJobs(context.Background(), keepSucceeded, keepFailed); err != nil {
		q.logger.Warn("prune job history", "err", err)
	}
}
