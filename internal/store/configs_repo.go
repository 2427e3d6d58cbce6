package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
)

var ErrExcludedDateNotFound = errors.New("excluded date not found")

const trackerConfigColumns = `user_id, tracker_url, tracker_username, encrypted_password,
	selector_username, selector_password, selector_login,
	selector_time_in, selector_time_out, created_at, updated_at`

// UpsertTrackerConfig creates or replaces the tracker configuration for a
// user. The password must already be vault ciphertext.
func (s *Store) UpsertTrackerConfig(ctx context.Context, cfg *core.TrackerConfig) error {
	now := time.Now().UTC()
	cfg.UpdatedAt = now
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tracker_configs (`+trackerConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tracker_url = excluded.tracker_url,
			tracker_username = excluded.tracker_username,
			encrypted_password = excluded.encrypted_password,
			selector_username = excluded.selector_username,
			selector_password = excluded.selector_password,
			selector_login = excluded.selector_login,
			selector_time_in = excluded.selector_time_in,
			selector_time_out = excluded.selector_time_out,
			updated_at = excluded.updated_at
	`, cfg.UserID, cfg.TrackerURL, cfg.TrackerUsername, cfg.EncryptedPassword,
		nullableString(cfg.SelectorUsername), nullableString(cfg.SelectorPassword),
		nullableString(cfg.SelectorLogin), nullableString(cfg.SelectorTimeIn),
		nullableString(cfg.SelectorTimeOut),
		formatTime(cfg.CreatedAt), formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert tracker config: %w", err)
	}
	return nil
}

// GetTrackerConfig loads the tracker configuration for a user.
// Returns (nil, nil) when the user has none.
func (s *Store) GetTrackerConfig(ctx context.Context, userID string) (*core.TrackerConfig, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+trackerConfigColumns+` FROM tracker_configs WHERE user_id = ?
	`, userID)
	cfg, err := scanTrackerConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// InsertExcludedDate records a calendar day on which automation is skipped.
func (s *Store) InsertExcludedDate(ctx context.Context, excluded *core.ExcludedDate) error {
	excluded.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO excluded_dates (id, user_id, date, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, excluded.ID, excluded.UserID, excluded.Date, nullableString(excluded.Reason),
		formatTime(excluded.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert excluded date: %w", err)
	}
	return nil
}

// DeleteExcludedDate removes one excluded day by id.
func (s *Store) DeleteExcludedDate(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM excluded_dates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete excluded date: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExcludedDateNotFound
	}
	return nil
}

// FindExcludedDate returns the exclusion covering the given user-local day
// (YYYY-MM-DD), or (nil, nil) when the day is not excluded.
func (s *Store) FindExcludedDate(ctx context.Context, userID, day string) (*core.ExcludedDate, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, date, reason, created_at
		FROM excluded_dates
		WHERE user_id = ? AND date = ?
	`, userID, day)
	excluded, err := scanExcludedDate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return excluded, nil
}

// ListExcludedDates returns all excluded days for a user, newest first.
func (s *Store) ListExcludedDates(ctx context.Context, userID string) ([]*core.ExcludedDate, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, user_id, date, reason, created_at
		FROM excluded_dates
		WHERE user_id = ?
		ORDER BY date DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list excluded dates: %w", err)
	}
	defer rows.Close()
	var dates []*core.ExcludedDate
	for rows.Next() {
		excluded, err := scanExcludedDate(rows)
		if err != nil {
			return nil, err
		}
		dates = append(dates, excluded)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dates, nil
}

func scanTrackerConfig(scanner interface {
	Scan(dest ...any) error
}) (*core.TrackerConfig, error) {
	var (
		cfg         core.TrackerConfig
		selUsername sql.NullString
		selPassword sql.NullString
		selLogin    sql.NullString
		selTimeIn   sql.NullString
		selTimeOut  sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&cfg.UserID, &cfg.TrackerURL, &cfg.TrackerUsername,
		&cfg.EncryptedPassword, &selUsername, &selPassword, &selLogin,
		&selTimeIn, &selTimeOut, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan tracker config: %w", err)
	}
	if selUsername.Valid {
		cfg.SelectorUsername = &selUsername.String
	}
	if selPassword.Valid {
		cfg.SelectorPassword = &selPassword.String
	}
	if selLogin.Valid {
		cfg.SelectorLogin = &selLogin.String
	}
	if selTimeIn.Valid {
		cfg.SelectorTimeIn = &selTimeIn.String
	}
	if selTimeOut.Valid {
		cfg.SelectorTimeOut = &selTimeOut.String
	}
	cfg.CreatedAt = mustParseTime(createdAt)
	cfg.UpdatedAt = mustParseTime(updatedAt)
	return &cfg, nil
}

func scanExcludedDate(scanner interface {
	Scan(dest ...any) error
}) (*core.ExcludedDate, error) {
	var (
		excluded  core.ExcludedDate
		reason    sql.NullString
		createdAt string
	)
	if err := scanner.Scan(&excluded.ID, &excluded.UserID, &excluded.Date, &reason, &createdAt); err != nil {
		return nil, fmt.Errorf("scan excluded date: %w", err)
	}
	if reason.Valid {
		excluded.Reason = &reason.String
	}
	excluded.CreatedAt = mustParseTime(createdAt)
	return &excluded, nil
}
