package core

import (
	"time"
)

// Action identifies which clock control an automation run must press.
type Action string

const (
	ActionTimeIn  Action = "TIME_IN"
	ActionTimeOut Action = "TIME_OUT"
)

// Label returns the visible button text commonly used for the action.
func (a Action) Label() string {
	if a == ActionTimeOut {
		return "Clock Out"
	}
	return "Clock In"
}

// Valid reports whether the action is one of the two known kinds.
func (a Action) Valid() bool {
	return a == ActionTimeIn || a == ActionTimeOut
}

// Opposite returns the other action.
func (a Action) Opposite() Action {
	if a == ActionTimeOut {
		return ActionTimeIn
	}
	return ActionTimeOut
}

// LogStatus describes the lifecycle state of a time log entry.
// A log starts PENDING and moves to exactly one terminal state.
type LogStatus string

const (
	LogStatusPending LogStatus = "PENDING"
	LogStatusSuccess LogStatus = "SUCCESS"
	LogStatusFailed  LogStatus = "FAILED"
)

// JobStatus describes the state of a queued automation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Schedule holds a user's daily clock-in/clock-out windows.
type Schedule struct {
	UserID           string
	TimeInHour       int
	TimeInMinute     int
	TimeInWindowMin  int
	TimeOutHour      int
	TimeOutMinute    int
	TimeOutWindowMin int
	Timezone         string
	Enabled          bool
	SkipWeekends     bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExcludedDate marks a calendar day on which no automation runs for a user.
type ExcludedDate struct {
	ID        string
	UserID    string
	Date      string // YYYY-MM-DD in the user's timezone
	Reason    *string
	CreatedAt time.Time
}

// TrackerConfig holds the target site and credentials for a user.
// The password is stored only as vault ciphertext.
type TrackerConfig struct {
	UserID            string
	TrackerURL        string
	TrackerUsername   string
	EncryptedPassword string
	SelectorUsername  *string
	SelectorPassword  *string
	SelectorLogin     *string
	SelectorTimeIn    *string
	SelectorTimeOut   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActionSelector returns the configured selector override for the action,
// or nil when the operator has not supplied one.
func (c *TrackerConfig) ActionSelector(action Action) *string {
	if action == ActionTimeOut {
		return c.SelectorTimeOut
	}
	return c.SelectorTimeIn
}

// TimeLog is one row of the execution ledger. It is created PENDING by the
// evaluator (or a manual trigger) and finalized exactly once by the executor.
type TimeLog struct {
	ID            string
	UserID        string
	Action        Action
	ScheduledTime time.Time
	ActualTime    time.Time
	Status        LogStatus
	ErrorMessage  *string
	SnapshotPath  *string
	CreatedAt     time.Time
}

// Job is a delayed automation work item. It references the PENDING TimeLog
// row it must finalize.
type Job struct {
	ID            string
	UserID        string
	Action        Action
	TimeLogID     string
	ScheduledTime time.Time
	RunAt         time.Time
	Attempts      int
	MaxAttempts   int
	Status        JobStatus
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
