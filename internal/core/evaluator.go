package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DedupWindow is the trailing lookback used to avoid scheduling a duplicate
// action for the same user.
const DedupWindow = 12 * time.Hour

// ErrNoTrackerConfig is returned by TriggerNow when the user has no tracker
// configuration to run against.
var ErrNoTrackerConfig = errors.New("tracker config not found")

// Store abstracts the persistence layer used by the evaluator.
// Finder methods return (nil, nil) when no row matches.
type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]*Schedule, error)
	FindExcludedDate(ctx context.Context, userID, day string) (*ExcludedDate, error)
	GetTrackerConfig(ctx context.Context, userID string) (*TrackerConfig, error)
	FindRecentTimeLog(ctx context.Context, userID string, action Action, since time.Time) (*TimeLog, error)
	InsertTimeLog(ctx context.Context, log *TimeLog) error
}

// Queue accepts delayed automation jobs for execution.
type Queue interface {
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error
}

// Evaluator runs a single logical pass over all enabled schedules once per
// minute, creating PENDING ledger rows and delayed jobs for actions whose
// window covers the current user-local minute.
//
// Ticks are serialized: a tick that overruns the minute causes the next one
// to be skipped, because the dedup check and the PENDING insert are not
// atomic together. Running more than one evaluator instance against the same
// store is not supported.
type Evaluator struct {
	store  Store
	queue  Queue
	clock  Clock
	logger *slog.Logger

	// randInt63n is swappable so tests can pin the jitter draw.
	randInt63n func(int64) int64

	cron *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

// NewEvaluator constructs an evaluator with the given dependencies.
// A nil clock means the system wall clock.
func NewEvaluator(store Store, queue Queue, logger *slog.Logger, clock Clock) *Evaluator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Evaluator{
		store:      store,
		queue:      queue,
		clock:      clock,
		logger:     logger,
		randInt63n: rand.Int63n,
	}
}

// Start runs an immediate pass and then begins the per-minute tick.
// ctx is used for background store and queue operations.
func (e *Evaluator) Start(ctx context.Context) {
	e.ctx = ctx
	e.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(&cronLogAdapter{logger: e.logger}),
	))
	// The tick schedule never fails to parse.
	_, _ = e.cron.AddFunc("* * * * *", func() {
		e.tick()
	})
	go e.tick()
	e.cron.Start()
}

// Stop halts the tick loop. The returned context is done once an in-flight
// tick has finished dispatching.
func (e *Evaluator) Stop() context.Context {
	if e.cron == nil {
		return context.Background()
	}
	return e.cron.Stop()
}

func (e *Evaluator) tick() {
	ctx := e.ctxOrBackground()
	if err := e.EvaluateAll(ctx); err != nil {
		e.logger.Error("evaluator tick abandoned", "err", err)
	}
}

// EvaluateAll performs one pass over all enabled schedules. A storage error
// listing schedules abandons the pass; per-schedule errors are logged and the
// pass continues.
func (e *Evaluator) EvaluateAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	schedules, err := e.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled schedules: %w", err)
	}
	e.logger.Debug("evaluating schedules", "count", len(schedules), "server_time", now.UTC())

	for _, sched := range schedules {
		if err := e.evaluateSchedule(ctx, sched, now); err != nil {
			e.logger.Error("evaluate schedule", "user_id", sched.UserID, "err", err)
		}
	}
	return nil
}

func (e *Evaluator) evaluateSchedule(ctx context.Context, sched *Schedule, now time.Time) error {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", sched.Timezone, err)
	}
	local := now.In(loc)

	if sched.SkipWeekends {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			e.logger.Debug("skipping weekend", "user_id", sched.UserID, "weekday", wd.String())
			return nil
		}
	}

	day := local.Format("2006-01-02")
	excluded, err := e.store.FindExcludedDate(ctx, sched.UserID, day)
	if err != nil {
		return fmt.Errorf("find excluded date: %w", err)
	}
	if excluded != nil {
		e.logger.Debug("skipping excluded date", "user_id", sched.UserID, "date", day)
		return nil
	}

	cfg, err := e.store.GetTrackerConfig(ctx, sched.UserID)
	if err != nil {
		return fmt.Errorf("get tracker config: %w", err)
	}
	if cfg == nil {
		e.logger.Debug("skipping schedule without tracker config", "user_id", sched.UserID)
		return nil
	}

	currentMinute := local.Hour()*60 + local.Minute()

	checks := []struct {
		action Action
		window Window
	}{
		{ActionTimeIn, ActionWindow(sched.TimeInHour, sched.TimeInMinute, sched.TimeInWindowMin)},
		{ActionTimeOut, ActionWindow(sched.TimeOutHour, sched.TimeOutMinute, sched.TimeOutWindowMin)},
	}
	for _, check := range checks {
		if !check.window.Contains(currentMinute) {
			continue
		}
		if err := e.dispatch(ctx, sched.UserID, check.action, check.window, currentMinute, now); err != nil {
			e.logger.Error("dispatch action", "user_id", sched.UserID, "action", check.action, "err", err)
		}
	}
	return nil
}

// dispatch creates the PENDING ledger row and the delayed job for one action,
// unless a recent ledger row shows the action is already done or in flight.
func (e *Evaluator) dispatch(ctx context.Context, userID string, action Action, window Window, currentMinute int, now time.Time) error {
	existing, err := e.store.FindRecentTimeLog(ctx, userID, action, now.Add(-DedupWindow))
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		e.logger.Debug("action already recorded within dedup window",
			"user_id", userID, "action", action, "log_id", existing.ID, "log_status", existing.Status)
		return nil
	}

	remaining := window.Remaining(currentMinute)
	delay := time.Duration(e.randInt63n(int64(remaining)*60_000)) * time.Millisecond

	log := &TimeLog{
		ID:            NewID(),
		UserID:        userID,
		Action:        action,
		ScheduledTime: now,
		ActualTime:    now.Add(delay),
		Status:        LogStatusPending,
	}
	if err := e.store.InsertTimeLog(ctx, log); err != nil {
		return fmt.Errorf("insert pending time log: %w", err)
	}

	job := &Job{
		ID:            NewID(),
		UserID:        userID,
		Action:        action,
		TimeLogID:     log.ID,
		ScheduledTime: now,
	}
	if err := e.queue.Enqueue(ctx, job, delay); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	e.logger.Info("queued automation job",
		"user_id", userID, "action", action, "job_id", job.ID,
		"time_log_id", log.ID, "delay", delay.Round(time.Second))
	return nil
}

// TriggerNow bypasses the window logic and enqueues an immediate job for the
// user, reusing the queue/executor path. Used by the admin trigger endpoint
// and the MCP tool surface.
func (e *Evaluator) TriggerNow(ctx context.Context, userID string, action Action) (*Job, *TimeLog, error) {
	if !action.Valid() {
		return nil, nil, fmt.Errorf("invalid action %q", action)
	}
	cfg, err := e.store.GetTrackerConfig(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("get tracker config: %w", err)
	}
	if cfg == nil {
		return nil, nil, ErrNoTrackerConfig
	}

	now := e.clock.Now()
	log := &TimeLog{
		ID:            NewID(),
		UserID:        userID,
		Action:        action,
		ScheduledTime: now,
		ActualTime:    now,
		Status:        LogStatusPending,
	}
	if err := e.store.InsertTimeLog(ctx, log); err != nil {
		return nil, nil, fmt.Errorf("insert pending time log: %w", err)
	}
	job := &Job{
		ID:            NewID(),
		UserID:        userID,
		Action:        action,
		TimeLogID:     log.ID,
		ScheduledTime: now,
	}
	if err := e.queue.Enqueue(ctx, job, 0); err != nil {
		return nil, nil, fmt.Errorf("enqueue job: %w", err)
	}
	e.logger.Info("manual trigger queued", "user_id", userID, "action", action, "job_id", job.ID)
	return job, log, nil
}

func (e *Evaluator) ctxOrBackground() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// cronLogAdapter lets the cron chain report skipped ticks through slog.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a *cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, keysAndValues...)
}

func (a *cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append(keysAndValues, "err", err)...)
}
