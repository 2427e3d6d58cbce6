package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/store"

	"github.com/go-chi/chi/v5"
)

type triggerRequest struct {
	UserID string `json:"user_id"`
	Action string `json:"action"`
}

type triggerResponse struct {
	JobID     string `json:"job_id"`
	TimeLogID string `json:"time_log_id"`
	RunAt     string `json:"run_at"`
}

type timeLogResponse struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Action        string  `json:"action"`
	ScheduledTime string  `json:"scheduled_time"`
	ActualTime    *string `json:"actual_time,omitempty"`
	Status        string  `json:"status"`
	Error         *string `json:"error,omitempty"`
	SnapshotPath  *string `json:"snapshot_path,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type jobResponse struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	Action      string  `json:"action"`
	TimeLogID   string  `json:"time_log_id"`
	RunAt       string  `json:"run_at"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Status      string  `json:"status"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}
	action := core.Action(strings.ToUpper(strings.TrimSpace(req.Action)))
	if !action.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "action must be TIME_IN or TIME_OUT")
		return
	}

	job, _, err := s.evaluator.TriggerNow(r.Context(), req.UserID, action)
	if err != nil {
		if errors.Is(err, core.ErrNoTrackerConfig) {
			writeError(w, http.StatusConflict, "config_missing", "user has no tracker configuration")
		} else {
			s.logger.Error("manual trigger", "user_id", req.UserID, "action", action, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue trigger")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, triggerResponse{
		JobID:     job.ID,
		TimeLogID: job.TimeLogID,
		RunAt:     job.RunAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	logs, err := s.store.ListTimeLogs(r.Context(), userID, limit, offset)
	if err != nil {
		s.logger.Error("list time logs", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load logs")
		return
	}

	responses := make([]timeLogResponse, 0, len(logs))
	for _, log := range logs {
		responses = append(responses, timeLogToResponse(log))
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": responses})
}

func (s *Server) handleClearTodayLogs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	loc := time.Local
	if sched, err := s.store.GetSchedule(r.Context(), userID); err == nil {
		if parsed, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = parsed
		}
	}
	now := time.Now().In(loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	deleted, err := s.store.ClearTimeLogsSince(r.Context(), userID, startOfDay)
	if err != nil {
		s.logger.Error("clear today logs", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
		} else {
			s.logger.Error("get job", "job_id", jobID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		}
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func timeLogToResponse(log *core.TimeLog) timeLogResponse {
	resp := timeLogResponse{
		ID:            log.ID,
		UserID:        log.UserID,
		Action:        string(log.Action),
		ScheduledTime: log.ScheduledTime.UTC().Format(time.RFC3339),
		Status:        string(log.Status),
		Error:         log.ErrorMessage,
		SnapshotPath:  log.SnapshotPath,
		CreatedAt:     log.CreatedAt.UTC().Format(time.RFC3339),
	}
	if log.Status != core.LogStatusPending {
		actual := log.ActualTime.UTC().Format(time.RFC3339)
		resp.ActualTime = &actual
	}
	return resp
}

func jobToResponse(job *core.Job) jobResponse {
	return jobResponse{
		ID:          job.ID,
		UserID:      job.UserID,
		Action:      string(job.Action),
		TimeLogID:   job.TimeLogID,
		RunAt:       job.RunAt.UTC().Format(time.RFC3339),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Status:      string(job.Status),
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
