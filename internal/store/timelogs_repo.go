package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
)

var (
	ErrTimeLogNotFound = errors.New("time log not found")
	// ErrTimeLogFinalized is returned when finalizing a row that is
	// already SUCCESS. A successful clock action is never rewritten.
	ErrTimeLogFinalized = errors.New("time log already finalized")
)

const timeLogColumns = `id, user_id, action, scheduled_time, actual_time, status,
	error_message, snapshot_path, created_at`

// InsertTimeLog appends a ledger row. The evaluator and the manual trigger
// insert PENDING rows; nothing else creates them.
func (s *Store) InsertTimeLog(ctx context.Context, log *core.TimeLog) error {
	log.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO time_logs (`+timeLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.UserID, log.Action, formatTime(log.ScheduledTime),
		formatTime(log.ActualTime), log.Status, nullableString(log.ErrorMessage),
		nullableString(log.SnapshotPath), formatTime(log.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert time log: %w", err)
	}
	return nil
}

// FinalizeTimeLog moves a row to SUCCESS or FAILED. SUCCESS is immutable;
// FAILED may still be overwritten by a later retry attempt, so a job that
// fails once and then lands on the tracker ends up recorded as SUCCESS.
func (s *Store) FinalizeTimeLog(ctx context.Context, id string, status core.LogStatus, actualTime time.Time, errMsg *string, snapshotPath *string) error {
	if status != core.LogStatusSuccess && status != core.LogStatusFailed {
		return fmt.Errorf("finalize time log: %q is not a terminal status", status)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE time_logs
		SET status = ?, actual_time = ?, error_message = ?, snapshot_path = ?
		WHERE id = ? AND status != ?
	`, status, formatTime(actualTime), nullableString(errMsg),
		nullableString(snapshotPath), id, core.LogStatusSuccess)
	if err != nil {
		return fmt.Errorf("finalize time log: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var count int
		if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM time_logs WHERE id = ?`, id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ErrTimeLogNotFound
		}
		return ErrTimeLogFinalized
	}
	return nil
}

// FindRecentTimeLog returns the newest ledger row for (user, action) created
// at or after the bound, or (nil, nil) when none exists. This is the dedup
// source of truth.
func (s *Store) FindRecentTimeLog(ctx context.Context, userID string, action core.Action, since time.Time) (*core.TimeLog, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+timeLogColumns+` FROM time_logs
		WHERE user_id = ? AND action = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, action, formatTime(since))
	log, err := scanTimeLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return log, nil
}

// GetTimeLog loads one ledger row by id.
func (s *Store) GetTimeLog(ctx context.Context, id string) (*core.TimeLog, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+timeLogColumns+` FROM time_logs WHERE id = ?
	`, id)
	log, err := scanTimeLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTimeLogNotFound
		}
		return nil, err
	}
	return log, nil
}

// ListTimeLogs returns ledger rows for a user, newest first.
func (s *Store) ListTimeLogs(ctx context.Context, userID string, limit, offset int) ([]*core.TimeLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+timeLogColumns+` FROM time_logs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list time logs: %w", err)
	}
	defer rows.Close()
	var logs []*core.TimeLog
	for rows.Next() {
		log, err := scanTimeLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// ClearTimeLogsSince deletes a user's ledger rows created at or after the
// bound. Backs the admin clear-today operation used when re-testing a day.
func (s *Store) ClearTimeLogsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM time_logs WHERE user_id = ? AND created_at >= ?
	`, userID, formatTime(since))
	if err != nil {
		return 0, fmt.Errorf("clear time logs: %w", err)
	}
	return res.RowsAffected()
}

// SnapshotPath returns the absolute path for a time log's screenshot.
func (s *Store) SnapshotPath(timeLogID string) string {
	return filepath.Join(s.StateDir, "snapshots", timeLogID+".png")
}

// SaveSnapshot writes a captured screenshot next to the database and returns
// its path.
func (s *Store) SaveSnapshot(timeLogID string, png []byte) (string, error) {
	path := s.SnapshotPath(timeLogID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// PruneOldSnapshots removes snapshot files beyond the retention limit for a
// user, keeping the files of the most recent ledger rows.
func (s *Store) PruneOldSnapshots(ctx context.Context, userID string) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM time_logs
		WHERE user_id = ? AND snapshot_path IS NOT NULL
		ORDER BY created_at DESC
		LIMIT -1 OFFSET ?
	`, userID, s.SnapshotKeep)
	if err != nil {
		return fmt.Errorf("query time logs for snapshot pruning: %w", err)
	}
	// Collect ids before issuing writes: the store runs on a single
	// connection and a write while the cursor is open would block on it.
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, id := range ids {
		_ = os.Remove(s.SnapshotPath(id))
		if _, err := s.DB.ExecContext(ctx, `UPDATE time_logs SET snapshot_path = NULL WHERE id = ?`, id); err != nil {
			return fmt.Errorf("clear pruned snapshot path: %w", err)
		}
	}
	return nil
}

func scanTimeLog(scanner interface {
	Scan(dest ...any) error
}) (*core.TimeLog, error) {
	var (
		log           core.TimeLog
		action        string
		status        string
		scheduledTime string
		actualTime    string
		errMsg        sql.NullString
		snapshotPath  sql.NullString
		createdAt     string
	)
	if err := scanner.Scan(&log.ID, &log.UserID, &action, &scheduledTime,
		&actualTime, &status, &errMsg, &snapshotPath, &createdAt); err != nil {
		return nil, fmt.Errorf("scan time log: %w", err)
	}
	log.Action = core.Action(action)
	log.Status = core.LogStatus(status)
	log.ScheduledTime = mustParseTime(scheduledTime)
	log.ActualTime = mustParseTime(actualTime)
	if errMsg.Valid {
		log.ErrorMessage = &errMsg.String
	}
	if snapshotPath.Valid {
		log.SnapshotPath = &snapshotPath.String
	}
	log.CreatedAt = mustParseTime(createdAt)
	return &log, nil
}
