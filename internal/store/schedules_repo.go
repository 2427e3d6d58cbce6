package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
)

var ErrScheduleNotFound = errors.New("schedule not found")

const scheduleColumns = `user_id, time_in_hour, time_in_minute, time_in_window_min,
	time_out_hour, time_out_minute, time_out_window_min,
	timezone, enabled, skip_weekends, created_at, updated_at`

// UpsertSchedule creates or replaces the schedule for a user.
func (s *Store) UpsertSchedule(ctx context.Context, sched *core.Schedule) error {
	now := time.Now().UTC()
	sched.UpdatedAt = now
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			time_in_hour = excluded.time_in_hour,
			time_in_minute = excluded.time_in_minute,
			time_in_window_min = excluded.time_in_window_min,
			time_out_hour = excluded.time_out_hour,
			time_out_minute = excluded.time_out_minute,
			time_out_window_min = excluded.time_out_window_min,
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			skip_weekends = excluded.skip_weekends,
			updated_at = excluded.updated_at
	`, sched.UserID, sched.TimeInHour, sched.TimeInMinute, sched.TimeInWindowMin,
		sched.TimeOutHour, sched.TimeOutMinute, sched.TimeOutWindowMin,
		sched.Timezone, boolToInt(sched.Enabled), boolToInt(sched.SkipWeekends),
		formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// GetSchedule loads the schedule for a user.
func (s *Store) GetSchedule(ctx context.Context, userID string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE user_id = ?
	`, userID)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

// ListEnabledSchedules returns every enabled schedule. Schedules without a
// tracker config are included; the evaluator skips them with a log line so
// the operator can see the gap.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*core.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query enabled schedules: %w", err)
	}
	defer rows.Close()
	var schedules []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*core.Schedule, error) {
	var (
		sched        core.Schedule
		enabled      int
		skipWeekends int
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&sched.UserID,
		&sched.TimeInHour, &sched.TimeInMinute, &sched.TimeInWindowMin,
		&sched.TimeOutHour, &sched.TimeOutMinute, &sched.TimeOutWindowMin,
		&sched.Timezone, &enabled, &skipWeekends, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	sched.SkipWeekends = skipWeekends != 0
	sched.CreatedAt = mustParseTime(createdAt)
	sched.UpdatedAt = mustParseTime(updatedAt)
	return &sched, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
