package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/store"
	"github.com/mikkotan/vibe-employee/internal/vault"

	"github.com/go-chi/chi/v5"
)

type scheduleRequest struct {
	TimeInHour       int     `json:"time_in_hour"`
	TimeInMinute     int     `json:"time_in_minute"`
	TimeInWindowMin  int     `json:"time_in_window_min"`
	TimeOutHour      int     `json:"time_out_hour"`
	TimeOutMinute    int     `json:"time_out_minute"`
	TimeOutWindowMin int     `json:"time_out_window_min"`
	Timezone         *string `json:"timezone"`
	Enabled          bool    `json:"enabled"`
	SkipWeekends     bool    `json:"skip_weekends"`
}

type scheduleResponse struct {
	UserID           string `json:"user_id"`
	TimeInHour       int    `json:"time_in_hour"`
	TimeInMinute     int    `json:"time_in_minute"`
	TimeInWindowMin  int    `json:"time_in_window_min"`
	TimeOutHour      int    `json:"time_out_hour"`
	TimeOutMinute    int    `json:"time_out_minute"`
	TimeOutWindowMin int    `json:"time_out_window_min"`
	Timezone         string `json:"timezone"`
	Enabled          bool   `json:"enabled"`
	SkipWeekends     bool   `json:"skip_weekends"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type configRequest struct {
	TrackerURL       string  `json:"tracker_url"`
	TrackerUsername  string  `json:"tracker_username"`
	TrackerPassword  *string `json:"tracker_password"`
	SelectorUsername *string `json:"selector_username"`
	SelectorPassword *string `json:"selector_password"`
	SelectorLogin    *string `json:"selector_login"`
	SelectorTimeIn   *string `json:"selector_time_in"`
	SelectorTimeOut  *string `json:"selector_time_out"`
}

// configResponse deliberately omits the password in any form.
type configResponse struct {
	UserID           string  `json:"user_id"`
	TrackerURL       string  `json:"tracker_url"`
	TrackerUsername  string  `json:"tracker_username"`
	HasPassword      bool    `json:"has_password"`
	SelectorUsername *string `json:"selector_username,omitempty"`
	SelectorPassword *string `json:"selector_password,omitempty"`
	SelectorLogin    *string `json:"selector_login,omitempty"`
	SelectorTimeIn   *string `json:"selector_time_in,omitempty"`
	SelectorTimeOut  *string `json:"selector_time_out,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// configTestRequest overrides saved credentials for a connection test. All
// fields are optional; omitted fields fall back to the stored config.
type configTestRequest struct {
	TrackerURL      string  `json:"tracker_url"`
	TrackerUsername string  `json:"tracker_username"`
	TrackerPassword *string `json:"tracker_password"`
}

type configTestResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error,omitempty"`
}

type excludedDateRequest struct {
	Date   string  `json:"date"`
	Reason *string `json:"reason"`
}

type excludedDateResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Date      string  `json:"date"`
	Reason    *string `json:"reason,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sched, err := s.store.GetSchedule(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		} else {
			s.logger.Error("get schedule", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load schedule")
		}
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.TimeInHour < 0 || req.TimeInHour > 23 || req.TimeOutHour < 0 || req.TimeOutHour > 23 {
		writeError(w, http.StatusBadRequest, "invalid_input", "hour must be between 0 and 23")
		return
	}
	if req.TimeInMinute < 0 || req.TimeInMinute > 59 || req.TimeOutMinute < 0 || req.TimeOutMinute > 59 {
		writeError(w, http.StatusBadRequest, "invalid_input", "minute must be between 0 and 59")
		return
	}
	if req.TimeInWindowMin < 1 || req.TimeOutWindowMin < 1 {
		writeError(w, http.StatusBadRequest, "invalid_input", "window minutes must be at least 1")
		return
	}

	timezone := "Asia/Manila"
	if req.Timezone != nil {
		timezone = strings.TrimSpace(*req.Timezone)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown timezone")
		return
	}

	sched := &core.Schedule{
		UserID:           userID,
		TimeInHour:       req.TimeInHour,
		TimeInMinute:     req.TimeInMinute,
		TimeInWindowMin:  req.TimeInWindowMin,
		TimeOutHour:      req.TimeOutHour,
		TimeOutMinute:    req.TimeOutMinute,
		TimeOutWindowMin: req.TimeOutWindowMin,
		Timezone:         timezone,
		Enabled:          req.Enabled,
		SkipWeekends:     req.SkipWeekends,
	}
	if err := s.store.UpsertSchedule(r.Context(), sched); err != nil {
		s.logger.Error("upsert schedule", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save schedule")
		return
	}

	saved, err := s.store.GetSchedule(r.Context(), userID)
	if err != nil {
		s.logger.Error("reload schedule", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load schedule")
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(saved))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	cfg, err := s.store.GetTrackerConfig(r.Context(), userID)
	if err != nil {
		s.logger.Error("get tracker config", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load config")
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "not_found", "tracker config not found")
		return
	}
	writeJSON(w, http.StatusOK, configToResponse(cfg))
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.TrackerURL = strings.TrimSpace(req.TrackerURL)
	req.TrackerUsername = strings.TrimSpace(req.TrackerUsername)
	if req.TrackerURL == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_url is required")
		return
	}
	if !strings.HasPrefix(req.TrackerURL, "http://") && !strings.HasPrefix(req.TrackerURL, "https://") {
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_url must be an http(s) URL")
		return
	}
	if req.TrackerUsername == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_username is required")
		return
	}

	existing, err := s.store.GetTrackerConfig(r.Context(), userID)
	if err != nil {
		s.logger.Error("load tracker config", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load config")
		return
	}

	var encrypted string
	switch {
	case req.TrackerPassword != nil && *req.TrackerPassword != "":
		plaintext := []byte(*req.TrackerPassword)
		encrypted, err = s.vault.Encrypt(plaintext)
		vault.Zero(plaintext)
		if err != nil {
			s.logger.Error("encrypt tracker password", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to encrypt password")
			return
		}
	case existing != nil:
		// Omitted password on update keeps the stored ciphertext.
		encrypted = existing.EncryptedPassword
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_password is required")
		return
	}

	cfg := &core.TrackerConfig{
		UserID:            userID,
		TrackerURL:        req.TrackerURL,
		TrackerUsername:   req.TrackerUsername,
		EncryptedPassword: encrypted,
		SelectorUsername:  req.SelectorUsername,
		SelectorPassword:  req.SelectorPassword,
		SelectorLogin:     req.SelectorLogin,
		SelectorTimeIn:    req.SelectorTimeIn,
		SelectorTimeOut:   req.SelectorTimeOut,
	}
	if err := s.store.UpsertTrackerConfig(r.Context(), cfg); err != nil {
		s.logger.Error("upsert tracker config", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save config")
		return
	}

	saved, err := s.store.GetTrackerConfig(r.Context(), userID)
	if err != nil || saved == nil {
		s.logger.Error("reload tracker config", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load config")
		return
	}
	writeJSON(w, http.StatusOK, configToResponse(saved))
}

// handleTestConfig dry-runs the tracker login with provided or saved
// credentials. The clock controls are never touched. Failures are reported
// in the response body, not as an HTTP error: a wrong password is a valid
// test outcome.
func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req configTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	saved, err := s.store.GetTrackerConfig(r.Context(), userID)
	if err != nil {
		s.logger.Error("load tracker config", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load config")
		return
	}

	cfg := &core.TrackerConfig{UserID: userID}
	if saved != nil {
		clone := *saved
		cfg = &clone
	}
	if u := strings.TrimSpace(req.TrackerURL); u != "" {
		cfg.TrackerURL = u
	}
	if u := strings.TrimSpace(req.TrackerUsername); u != "" {
		cfg.TrackerUsername = u
	}
	if cfg.TrackerURL == "" || cfg.TrackerUsername == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_url and tracker_username are required")
		return
	}
	if !strings.HasPrefix(cfg.TrackerURL, "http://") && !strings.HasPrefix(cfg.TrackerURL, "https://") {
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_url must be an http(s) URL")
		return
	}

	var password []byte
	switch {
	case req.TrackerPassword != nil && *req.TrackerPassword != "":
		password = []byte(*req.TrackerPassword)
	case saved != nil:
		password, err = s.vault.Decrypt(saved.EncryptedPassword)
		if err != nil {
			s.logger.Error("decrypt tracker password", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to decrypt stored password")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "tracker_password is required")
		return
	}
	defer vault.Zero(password)

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	if err := s.verifier.VerifyLogin(ctx, cfg, password); err != nil {
		msg := err.Error()
		writeJSON(w, http.StatusOK, configTestResponse{Success: false, Error: &msg})
		return
	}
	writeJSON(w, http.StatusOK, configTestResponse{Success: true})
}

func (s *Server) handleListExcludedDates(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	dates, err := s.store.ListExcludedDates(r.Context(), userID)
	if err != nil {
		s.logger.Error("list excluded dates", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load excluded dates")
		return
	}
	responses := make([]excludedDateResponse, 0, len(dates))
	for _, d := range dates {
		responses = append(responses, excludedDateToResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"excluded_dates": responses})
}

func (s *Server) handleCreateExcludedDate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req excludedDateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Date = strings.TrimSpace(req.Date)
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "date must be YYYY-MM-DD")
		return
	}

	excluded := &core.ExcludedDate{
		ID:     core.NewID(),
		UserID: userID,
		Date:   req.Date,
		Reason: req.Reason,
	}
	if err := s.store.InsertExcludedDate(r.Context(), excluded); err != nil {
		s.logger.Error("insert excluded date", "user_id", userID, "date", req.Date, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save excluded date")
		return
	}
	writeJSON(w, http.StatusCreated, excludedDateToResponse(excluded))
}

func (s *Server) handleDeleteExcludedDate(w http.ResponseWriter, r *http.Request) {
	dateID := chi.URLParam(r, "dateID")
	if err := s.store.DeleteExcludedDate(r.Context(), dateID); err != nil {
		if errors.Is(err, store.ErrExcludedDateNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "excluded date not found")
		} else {
			s.logger.Error("delete excluded date", "date_id", dateID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete excluded date")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func scheduleToResponse(sched *core.Schedule) scheduleResponse {
	return scheduleResponse{
		UserID:           sched.UserID,
		TimeInHour:       sched.TimeInHour,
		TimeInMinute:     sched.TimeInMinute,
		TimeInWindowMin:  sched.TimeInWindowMin,
		TimeOutHour:      sched.TimeOutHour,
		TimeOutMinute:    sched.TimeOutMinute,
		TimeOutWindowMin: sched.TimeOutWindowMin,
		Timezone:         sched.Timezone,
		Enabled:          sched.Enabled,
		SkipWeekends:     sched.SkipWeekends,
		CreatedAt:        sched.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        sched.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func configToResponse(cfg *core.TrackerConfig) configResponse {
	return configResponse{
		UserID:           cfg.UserID,
		TrackerURL:       cfg.TrackerURL,
		TrackerUsername:  cfg.TrackerUsername,
		HasPassword:      cfg.EncryptedPassword != "",
		SelectorUsername: cfg.SelectorUsername,
		SelectorPassword: cfg.SelectorPassword,
		SelectorLogin:    cfg.SelectorLogin,
		SelectorTimeIn:   cfg.SelectorTimeIn,
		SelectorTimeOut:  cfg.SelectorTimeOut,
		CreatedAt:        cfg.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        cfg.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func excludedDateToResponse(d *core.ExcludedDate) excludedDateResponse {
	return excludedDateResponse{
		ID:        d.ID,
		UserID:    d.UserID,
		Date:      d.Date,
		Reason:    d.Reason,
		CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
	}
}
