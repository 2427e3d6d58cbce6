package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/vault"
)

const (
	navigationTimeout = 30 * time.Second
	fieldTimeout      = 5 * time.Second
	postLoginTimeout  = 10 * time.Second
	probeTimeout      = 2 * time.Second
	settleDelay       = 2 * time.Second
	commitTimeout     = 10 * time.Second
)

// Store is the persistence surface the executor needs: the user's tracker
// configuration and the ledger row it must finalize. GetTrackerConfig
// returns (nil, nil) when the user has no configuration.
type Store interface {
	GetTrackerConfig(ctx context.Context, userID string) (*core.TrackerConfig, error)
	FinalizeTimeLog(ctx context.Context, id string, status core.LogStatus, actualTime time.Time, errMsg *string, snapshotPath *string) error
}

// Snapshots persists captured screenshots for audit, pruning old files
// beyond the per-user retention limit.
type Snapshots interface {
	SaveSnapshot(timeLogID string, png []byte) (string, error)
	PruneOldSnapshots(ctx context.Context, userID string) error
}

// Result is what a single automation run reports back to its caller.
type Result struct {
	Success       bool
	Action        core.Action
	ScheduledTime time.Time
	ActualTime    time.Time
	ErrorMessage  *string
	Snapshot      []byte
	SnapshotPath  *string
}

// Executor drives a headless browser session through the
// navigate -> login -> act -> capture -> commit sequence for one job.
type Executor struct {
	store     Store
	vault     *vault.Vault
	browser   SessionFactory
	snapshots Snapshots
	logger    *slog.Logger

	navigationTimeout time.Duration
	fieldTimeout      time.Duration
	postLoginTimeout  time.Duration
	probeTimeout      time.Duration
	settleDelay       time.Duration
}

// NewExecutor constructs an executor. snapshots may be nil to disable
// snapshot persistence (the capture still lands on the Result).
func NewExecutor(store Store, v *vault.Vault, browser SessionFactory, snapshots Snapshots, logger *slog.Logger) *Executor {
	return &Executor{
		store:     store,
		vault:     v,
		browser:   browser,
		snapshots: snapshots,
		logger:    logger,

		navigationTimeout: navigationTimeout,
		fieldTimeout:      fieldTimeout,
		postLoginTimeout:  postLoginTimeout,
		probeTimeout:      probeTimeout,
		settleDelay:       settleDelay,
	}
}

// Run executes the automation for a job and finalizes its ledger row. The
// returned error is non-nil on failure so the queue's retry bookkeeping
// applies; permanent misconfiguration failures report Permanent() true and
// are not retried.
func (e *Executor) Run(ctx context.Context, job *core.Job) (*Result, error) {
	result := &Result{
		Action:        job.Action,
		ScheduledTime: job.ScheduledTime,
	}

	page, runErr := e.perform(ctx, job)
	if page != nil {
		defer func() {
			if err := page.Close(); err != nil {
				e.logger.Warn("close browser session", "job_id", job.ID, "err", err)
			}
		}()
		// Capture runs for success and failure alike; the snapshot is the
		// operator's evidence of what the page looked like.
		e.capture(ctx, job, page, result)
	}
	result.ActualTime = time.Now().UTC()

	// The job context may already be dead here, e.g. when a hung browser
	// burned the whole job timeout. The ledger commit still has to land, so
	// it runs on its own bounded context.
	commitCtx, cancelCommit := context.WithTimeout(context.Background(), commitTimeout)
	defer cancelCommit()

	if runErr != nil {
		msg := runErr.Error()
		result.ErrorMessage = &msg
		if err := e.store.FinalizeTimeLog(commitCtx, job.TimeLogID, core.LogStatusFailed, result.ActualTime, &msg, result.SnapshotPath); err != nil {
			e.logger.Error("finalize time log as failed", "time_log_id", job.TimeLogID, "err", err)
		}
		return result, runErr
	}

	result.Success = true
	if err := e.store.FinalizeTimeLog(commitCtx, job.TimeLogID, core.LogStatusSuccess, result.ActualTime, nil, result.SnapshotPath); err != nil {
		e.logger.Error("finalize time log as success", "time_log_id", job.TimeLogID, "err", err)
	}
	return result, nil
}

// perform walks INIT -> NAVIGATE -> LOGIN -> ACT. The opened page is
// returned even on failure so the caller can still capture and close it.
func (e *Executor) perform(ctx context.Context, job *core.Job) (Page, error) {
	cfg, err := e.store.GetTrackerConfig(ctx, job.UserID)
	if err != nil {
		return nil, fmt.Errorf("load tracker config: %w", err)
	}
	if cfg == nil {
		return nil, &Failure{Kind: KindConfigMissing}
	}

	password, err := e.vault.Decrypt(cfg.EncryptedPassword)
	if err != nil {
		return nil, &Failure{Kind: KindConfigInvalid, Err: err}
	}
	defer vault.Zero(password)

	page, err := e.openAndLogin(ctx, cfg, password)
	if err != nil {
		return page, err
	}

	if err := e.act(ctx, page, cfg, job); err != nil {
		return page, err
	}
	return page, nil
}

// VerifyLogin is the configuration connection test: open a session, navigate
// to the tracker and run the login flow, without touching the clock
// controls. The caller supplies the plaintext password so unsaved
// credentials can be tested too.
func (e *Executor) VerifyLogin(ctx context.Context, cfg *core.TrackerConfig, password []byte) error {
	page, err := e.openAndLogin(ctx, cfg, password)
	if page != nil {
		defer func() {
			if cerr := page.Close(); cerr != nil {
				e.logger.Warn("close browser session", "err", cerr)
			}
		}()
	}
	return err
}

// openAndLogin runs INIT -> NAVIGATE -> LOGIN. The opened page is returned
// even on failure so the caller can capture and close it.
func (e *Executor) openAndLogin(ctx context.Context, cfg *core.TrackerConfig, password []byte) (Page, error) {
	page, err := e.browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, e.navigationTimeout)
	err = page.Navigate(navCtx, cfg.TrackerURL)
	cancel()
	if err != nil {
		return page, &Failure{Kind: KindNavigationTimeout, Err: err}
	}

	if err := e.login(ctx, page, cfg, password); err != nil {
		return page, err
	}
	return page, nil
}

func (e *Executor) login(ctx context.Context, page Page, cfg *core.TrackerConfig, password []byte) error {
	findCtx, cancel := context.WithTimeout(ctx, e.fieldTimeout)
	defer cancel()

	username, ok, err := FindFirst(findCtx, page, UsernameMatchers(cfg))
	if err != nil {
		return err
	}
	if !ok {
		return &Failure{Kind: KindFieldNotFound, Field: "username"}
	}
	if err := page.Fill(ctx, username.Selector, cfg.TrackerUsername); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}

	pwCtx, cancel := context.WithTimeout(ctx, e.fieldTimeout)
	defer cancel()
	passwordField, ok, err := FindFirst(pwCtx, page, PasswordMatchers(cfg))
	if err != nil {
		return err
	}
	if !ok {
		return &Failure{Kind: KindFieldNotFound, Field: "password"}
	}
	if err := page.Fill(ctx, passwordField.Selector, string(password)); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, e.fieldTimeout)
	defer cancel()
	submit, ok, err := FindFirst(submitCtx, page, SubmitMatchers(cfg))
	if err != nil {
		return err
	}
	if !ok {
		return &Failure{Kind: KindFieldNotFound, Field: "submit"}
	}
	if err := page.Click(ctx, submit.Selector); err != nil {
		return fmt.Errorf("click login: %w", err)
	}

	// Single-page apps may log in without a navigation; a timeout here is
	// not an error.
	waitCtx, cancel := context.WithTimeout(ctx, e.postLoginTimeout)
	defer cancel()
	if err := page.WaitNavigation(waitCtx); err != nil {
		e.logger.Debug("no post-login navigation observed", "err", err)
	}
	return nil
}

func (e *Executor) act(ctx context.Context, page Page, cfg *core.TrackerConfig, job *core.Job) error {
	// Let the post-login UI render before probing for the control.
	if err := sleep(ctx, e.settleDelay); err != nil {
		return err
	}

	// On a retry the previous attempt may already have clicked the control
	// before failing later. The click is not idempotent on the tracker side,
	// so probe the page state first: if the opposite control is now the one
	// offered and ours is gone, the action has already landed.
	if job.Attempts > 1 {
		done, err := e.alreadyDone(ctx, page, cfg, job.Action)
		if err == nil && done {
			e.logger.Info("action already applied on a previous attempt, skipping click",
				"job_id", job.ID, "action", job.Action)
			return nil
		}
	}

	actCtx, cancel := context.WithTimeout(ctx, e.fieldTimeout)
	defer cancel()
	control, ok, err := FindFirst(actCtx, page, ActionMatchers(cfg, job.Action))
	if err != nil {
		return err
	}
	if !ok {
		return &Failure{Kind: KindActionButtonNotFound}
	}
	if err := page.Click(ctx, control.Selector); err != nil {
		return fmt.Errorf("click %s control: %w", job.Action, err)
	}
	return sleep(ctx, e.settleDelay)
}

// alreadyDone is the cheap post-condition probe used before re-clicking on a
// retry attempt.
func (e *Executor) alreadyDone(ctx context.Context, page Page, cfg *core.TrackerConfig, action core.Action) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	_, oppositeVisible, err := FindFirst(probeCtx, page, ActionMatchers(cfg, action.Opposite()))
	if err != nil || !oppositeVisible {
		return false, err
	}
	ownCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()
	_, ownVisible, err := FindFirst(ownCtx, page, ActionMatchers(cfg, action))
	if err != nil {
		return false, err
	}
	return !ownVisible, nil
}

func (e *Executor) capture(ctx context.Context, job *core.Job, page Page, result *Result) {
	png, err := page.Screenshot(ctx)
	if err != nil {
		e.logger.Warn("capture snapshot", "job_id", job.ID, "err", err)
		return
	}
	result.Snapshot = png
	if e.snapshots == nil {
		return
	}
	path, err := e.snapshots.SaveSnapshot(job.TimeLogID, png)
	if err != nil {
		e.logger.Warn("persist snapshot", "time_log_id", job.TimeLogID, "err", err)
		return
	}
	result.SnapshotPath = &path
	if err := e.snapshots.PruneOldSnapshots(ctx, job.UserID); err != nil {
		e.logger.Warn("prune old snapshots", "user_id", job.UserID, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
