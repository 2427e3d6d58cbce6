package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/store"
	"github.com/mikkotan/vibe-employee/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

type fakeQueue struct {
	jobs []*core.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *core.Job, delay time.Duration) error {
	job.Status = core.JobStatusQueued
	job.RunAt = time.Now().UTC().Add(delay)
	q.jobs = append(q.jobs, job)
	return nil
}

// fakeVerifier records the dry-run login calls the config test endpoint
// makes and returns a configurable outcome.
type fakeVerifier struct {
	err   error
	calls []verifyCall
}

type verifyCall struct {
	cfg      *core.TrackerConfig
	password string
}

func (f *fakeVerifier) VerifyLogin(ctx context.Context, cfg *core.TrackerConfig, password []byte) error {
	f.calls = append(f.calls, verifyCall{cfg: cfg, password: string(password)})
	return f.err
}

type testEnv struct {
	server   *Server
	store    *store.Store
	vault    *vault.Vault
	queue    *fakeQueue
	verifier *fakeVerifier
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })

	v, err := vault.New(testKey)
	require.NoError(t, err)

	queue := &fakeQueue{}
	evaluator := core.NewEvaluator(st, queue, logger, nil)
	verifier := &fakeVerifier{}

	server, err := NewServer("127.0.0.1:0", authToken, st, evaluator, v, verifier, nil, logger)
	require.NoError(t, err)

	return &testEnv{server: server, store: st, vault: v, queue: queue, verifier: verifier}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func validSchedule() map[string]any {
	return map[string]any{
		"time_in_hour":        8,
		"time_in_minute":      50,
		"time_in_window_min":  20,
		"time_out_hour":       17,
		"time_out_minute":     50,
		"time_out_window_min": 20,
		"timezone":            "Asia/Manila",
		"enabled":             true,
		"skip_weekends":       true,
	}
}

func validConfig() map[string]any {
	return map[string]any{
		"tracker_url":      "https://tracker.example.com/login",
		"tracker_username": "worker",
		"tracker_password": "s3cret",
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t, "sekrit")
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	rec := env.do(t, http.MethodGet, "/v1/users/u1/schedule", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/users/u1/schedule", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token reaches the handler (404: no schedule yet).
	rec = env.do(t, http.MethodGet, "/v1/users/u1/schedule", "sekrit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleRoundTrip(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPut, "/v1/users/u1/schedule", "", validSchedule())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/v1/users/u1/schedule", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp scheduleResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, 8, resp.TimeInHour)
	assert.Equal(t, "Asia/Manila", resp.Timezone)
	assert.True(t, resp.SkipWeekends)
}

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(t, "")

	bad := validSchedule()
	bad["time_in_hour"] = 24
	rec := env.do(t, http.MethodPut, "/v1/users/u1/schedule", "", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = validSchedule()
	bad["time_out_window_min"] = 0
	rec = env.do(t, http.MethodPut, "/v1/users/u1/schedule", "", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = validSchedule()
	bad["timezone"] = "Mars/OlympusMons"
	rec = env.do(t, http.MethodPut, "/v1/users/u1/schedule", "", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigPutEncryptsPassword(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPut, "/v1/users/u1/config", "", validConfig())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp configResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.HasPassword)

	// The response never carries the password in any form.
	assert.NotContains(t, rec.Body.String(), "s3cret")

	// The stored value is vault ciphertext that decrypts to the original.
	cfg, err := env.store.GetTrackerConfig(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.NotContains(t, cfg.EncryptedPassword, "s3cret")
	plaintext, err := env.vault.Decrypt(cfg.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(plaintext))
}

func TestConfigUpdateKeepsPasswordWhenOmitted(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPut, "/v1/users/u1/config", "", validConfig())
	require.Equal(t, http.StatusOK, rec.Code)
	before, err := env.store.GetTrackerConfig(context.Background(), "u1")
	require.NoError(t, err)

	update := map[string]any{
		"tracker_url":      "https://tracker.example.com/v2/login",
		"tracker_username": "worker",
	}
	rec = env.do(t, http.MethodPut, "/v1/users/u1/config", "", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	after, err := env.store.GetTrackerConfig(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://tracker.example.com/v2/login", after.TrackerURL)
	assert.Equal(t, before.EncryptedPassword, after.EncryptedPassword)
}

func TestConfigRequiresPasswordOnCreate(t *testing.T) {
	env := newTestEnv(t, "")

	missing := map[string]any{
		"tracker_url":      "https://tracker.example.com/login",
		"tracker_username": "worker",
	}
	rec := env.do(t, http.MethodPut, "/v1/users/u1/config", "", missing)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigTestUsesSavedCredentials(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPut, "/v1/users/u1/config", "", validConfig())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/users/u1/config/test", "", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool    `json:"success"`
		Error   *string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)

	// The saved config and its decrypted password reached the dry run.
	require.Len(t, env.verifier.calls, 1)
	call := env.verifier.calls[0]
	assert.Equal(t, "https://tracker.example.com/login", call.cfg.TrackerURL)
	assert.Equal(t, "worker", call.cfg.TrackerUsername)
	assert.Equal(t, "s3cret", call.password)
}

func TestConfigTestAcceptsUnsavedCredentials(t *testing.T) {
	env := newTestEnv(t, "")

	// No config stored yet: the candidate credentials come in the body.
	rec := env.do(t, http.MethodPost, "/v1/users/u1/config/test", "", map[string]any{
		"tracker_url":      "https://other.example.com/login",
		"tracker_username": "candidate",
		"tracker_password": "hunter2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.verifier.calls, 1)
	call := env.verifier.calls[0]
	assert.Equal(t, "https://other.example.com/login", call.cfg.TrackerURL)
	assert.Equal(t, "candidate", call.cfg.TrackerUsername)
	assert.Equal(t, "hunter2", call.password)
}

func TestConfigTestReportsLoginFailureInBody(t *testing.T) {
	env := newTestEnv(t, "")
	env.verifier.err = errors.New("field not found: password")

	rec := env.do(t, http.MethodPut, "/v1/users/u1/config", "", validConfig())
	require.Equal(t, http.StatusOK, rec.Code)

	// A failed dry run is a valid outcome, not an HTTP error.
	rec = env.do(t, http.MethodPost, "/v1/users/u1/config/test", "", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool    `json:"success"`
		Error   *string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "password")
}

func TestConfigTestValidation(t *testing.T) {
	env := newTestEnv(t, "")

	// No saved config and nothing usable in the body.
	rec := env.do(t, http.MethodPost, "/v1/users/u1/config/test", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/users/u1/config/test", "", map[string]any{
		"tracker_url":      "ftp://tracker.example.com",
		"tracker_username": "worker",
		"tracker_password": "s3cret",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.verifier.calls)
}

func TestTrigger(t *testing.T) {
	env := newTestEnv(t, "")

	// No tracker config yet: conflict.
	rec := env.do(t, http.MethodPost, "/v1/trigger", "", map[string]any{
		"user_id": "u1",
		"action":  "TIME_IN",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPut, "/v1/users/u1/config", "", validConfig()).Code)

	rec = env.do(t, http.MethodPost, "/v1/trigger", "", map[string]any{
		"user_id": "u1",
		"action":  "time_out",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp triggerResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.JobID)
	assert.NotEmpty(t, resp.TimeLogID)

	// The job went to the queue and the PENDING ledger row exists.
	require.Len(t, env.queue.jobs, 1)
	assert.Equal(t, core.ActionTimeOut, env.queue.jobs[0].Action)
	log, err := env.store.GetTimeLog(context.Background(), resp.TimeLogID)
	require.NoError(t, err)
	assert.Equal(t, core.LogStatusPending, log.Status)
}

func TestTriggerValidation(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/trigger", "", map[string]any{
		"user_id": "u1",
		"action":  "NAP",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/trigger", "", map[string]any{
		"action": "TIME_IN",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExcludedDates(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/v1/users/u1/excluded-dates", "", map[string]any{
		"date":   "2026-09-07",
		"reason": "public holiday",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created excludedDateResponse
	decodeBody(t, rec, &created)
	assert.NotEmpty(t, created.ID)

	rec = env.do(t, http.MethodPost, "/v1/users/u1/excluded-dates", "", map[string]any{
		"date": "07-09-2026",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/users/u1/excluded-dates", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		ExcludedDates []excludedDateResponse `json:"excluded_dates"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.ExcludedDates, 1)

	rec = env.do(t, http.MethodDelete, "/v1/excluded-dates/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/excluded-dates/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsListingAndClear(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPut, "/v1/users/u1/config", "", validConfig()).Code)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/trigger", "", map[string]any{
			"user_id": "u1",
			"action":  "TIME_IN",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/users/u1/logs?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Logs []timeLogResponse `json:"logs"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.Logs, 2)

	rec = env.do(t, http.MethodPost, "/v1/users/u1/logs/clear-today", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Deleted int64 `json:"deleted"`
	}
	decodeBody(t, rec, &cleared)
	assert.EqualValues(t, 3, cleared.Deleted)

	logs, err := env.store.ListTimeLogs(ctx, "u1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
