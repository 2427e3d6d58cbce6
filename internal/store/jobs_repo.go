package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
)

var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, user_id, action, time_log_id, scheduled_time, run_at,
	attempts, max_attempts, status, last_error, created_at, updated_at`

// InsertJob persists a queued job. Delayed jobs survive process restarts;
// the dispatcher picks them up once run_at passes.
func (s *Store) InsertJob(ctx context.Context, job *core.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.UserID, job.Action, job.TimeLogID,
		formatTime(job.ScheduledTime), formatTime(job.RunAt),
		job.Attempts, job.MaxAttempts, job.Status, nullableString(job.LastError),
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimDueJobs atomically moves up to limit due queued jobs to running and
// returns them with their attempt counter already incremented. The store's
// single write connection serializes claims within the process.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at
		LIMIT ?
	`, core.JobStatusQueued, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	var due []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var claimed []*core.Job
	for _, job := range due {
		res, err := s.DB.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = ?
		`, core.JobStatusRunning, formatTime(time.Now().UTC()), job.ID, core.JobStatusQueued)
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", job.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if affected == 0 {
			continue
		}
		job.Status = core.JobStatusRunning
		job.Attempts++
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// RequeueJob schedules a failed attempt for another try at runAt.
func (s *Store) RequeueJob(ctx context.Context, id string, runAt time.Time, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, run_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, core.JobStatusQueued, formatTime(runAt), nullableString(errMsg),
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FinalizeJob records the terminal outcome of a job.
func (s *Store) FinalizeJob(ctx context.Context, id string, status core.JobStatus, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, nullableString(errMsg), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequeueStaleRunning returns running jobs that have not been touched since
// the bound to the queue. Called on startup: a job left running by a crashed
// process would otherwise be stranded.
func (s *Store) RequeueStaleRunning(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, run_at = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`, core.JobStatusQueued, formatTime(time.Now().UTC()), formatTime(time.Now().UTC()),
		core.JobStatusRunning, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale running jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// PruneJobs enforces the bounded job history: the newest keepSucceeded
// succeeded rows and keepFailed failed rows are retained, older terminal
// rows are deleted.
func (s *Store) PruneJobs(ctx context.Context, keepSucceeded, keepFailed int) error {
	if err := s.pruneJobsByStatus(ctx, core.JobStatusSucceeded, keepSucceeded); err != nil {
		return err
	}
	return s.pruneJobsByStatus(ctx, core.JobStatusFailed, keepFailed)
}

func (s *Store) pruneJobsByStatus(ctx context.Context, status core.JobStatus, keep int) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status = ? AND id NOT IN (
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY updated_at DESC
			LIMIT ?
		)
	`, status, status, keep)
	if err != nil {
		return fmt.Errorf("prune %s jobs: %w", status, err)
	}
	return nil
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*core.Job, error) {
	var (
		job           core.Job
		action        string
		status        string
		scheduledTime string
		runAt         string
		lastError     sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&job.ID, &job.UserID, &action, &job.TimeLogID,
		&scheduledTime, &runAt, &job.Attempts, &job.MaxAttempts, &status,
		&lastError, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Action = core.Action(action)
	job.Status = core.JobStatus(status)
	job.ScheduledTime = mustParseTime(scheduledTime)
	job.RunAt = mustParseTime(runAt)
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	job.CreatedAt = mustParseTime(createdAt)
	job.UpdatedAt = mustParseTime(updatedAt)
	return &job, nil
}
