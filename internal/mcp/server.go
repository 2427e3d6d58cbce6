package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the timeclock operations as MCP tools, over stdio or
// mounted on the HTTP server.
type MCPServer struct {
	store     *store.Store
	evaluator *core.Evaluator
	logger    *slog.Logger

	mcpServer   *server.MCPServer
	httpHandler http.Handler
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, evaluator *core.Evaluator, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:     store,
		evaluator: evaluator,
		logger:    logger,
	}
	s.mcpServer = server.NewMCPServer(
		"vibe-employee",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.mcpServer)
	s.httpHandler = server.NewStreamableHTTPServer(s.mcpServer)
	return s
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP serves the MCP protocol over the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler.ServeHTTP(w, r)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	// timeclock_trigger
	mcpServer.AddTool(mcp.NewTool("timeclock_trigger",
		mcp.WithDescription("Immediately enqueue a clock-in or clock-out run for a user, bypassing the schedule"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User ID"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Which control to press"),
			mcp.Enum("TIME_IN", "TIME_OUT"),
		),
	), s.handleTrigger)

	// timeclock_get_schedule
	mcpServer.AddTool(mcp.NewTool("timeclock_get_schedule",
		mcp.WithDescription("Show a user's daily clock-in/clock-out schedule"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User ID"),
		),
	), s.handleGetSchedule)

	// timeclock_list_logs
	mcpServer.AddTool(mcp.NewTool("timeclock_list_logs",
		mcp.WithDescription("List a user's recent time log entries, newest first"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of entries to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListLogs)

	// timeclock_list_excluded_dates
	mcpServer.AddTool(mcp.NewTool("timeclock_list_excluded_dates",
		mcp.WithDescription("List the calendar days on which automation is skipped for a user"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User ID"),
		),
	), s.handleListExcludedDates)

	// timeclock_add_excluded_date
	mcpServer.AddTool(mcp.NewTool("timeclock_add_excluded_date",
		mcp.WithDescription("Mark a calendar day as excluded from automation for a user"),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User ID"),
		),
		mcp.WithString("date",
			mcp.Required(),
			mcp.Description("Day to exclude, YYYY-MM-DD in the user's timezone"),
		),
		mcp.WithString("reason",
			mcp.Description("Optional note, e.g. 'public holiday'"),
		),
	), s.handleAddExcludedDate)

	// timeclock_get_job
	mcpServer.AddTool(mcp.NewTool("timeclock_get_job",
		mcp.WithDescription("Show the state of a queued automation job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	), s.handleGetJob)

	s.logger.Info("MCP tools registered", "count", 6)
}

// handleTrigger handles the timeclock_trigger tool call.
func (s *MCPServer) handleTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcp.ParseString(request, "user_id", "")
	action := core.Action(mcp.ParseString(request, "action", ""))
	if !action.Valid() {
		return mcp.NewToolResultError("action must be TIME_IN or TIME_OUT"), nil
	}

	job, timeLog, err := s.evaluator.TriggerNow(ctx, userID, action)
	if err != nil {
		if errors.Is(err, core.ErrNoTrackerConfig) {
			return mcp.NewToolResultError(fmt.Sprintf("user %s has no tracker configuration", userID)), nil
		}
		s.logger.Error("mcp trigger", "user_id", userID, "action", action, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to enqueue trigger: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("%s queued for %s\nJob ID: %s\nTime log ID: %s\nRuns at: %s",
		action.Label(),
		userID,
		job.ID,
		timeLog.ID,
		job.RunAt.Format("2006-01-02 15:04:05"),
	)), nil
}

// handleGetSchedule handles the timeclock_get_schedule tool call.
func (s *MCPServer) handleGetSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcp.ParseString(request, "user_id", "")

	sched, err := s.store.GetSchedule(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no schedule for user %s", userID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load schedule: %v", err)), nil
	}

	state := "enabled"
	if !sched.Enabled {
		state = "disabled"
	}
	result := fmt.Sprintf("Schedule for %s (%s)\n", sched.UserID, state)
	result += fmt.Sprintf("Clock in: %02d:%02d, window %d min\n", sched.TimeInHour, sched.TimeInMinute, sched.TimeInWindowMin)
	result += fmt.Sprintf("Clock out: %02d:%02d, window %d min\n", sched.TimeOutHour, sched.TimeOutMinute, sched.TimeOutWindowMin)
	result += fmt.Sprintf("Timezone: %s\n", sched.Timezone)
	result += fmt.Sprintf("Skip weekends: %v\n", sched.SkipWeekends)
	return mcp.NewToolResultText(result), nil
}

// handleListLogs handles the timeclock_list_logs tool call.
func (s *MCPServer) handleListLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcp.ParseString(request, "user_id", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	logs, err := s.store.ListTimeLogs(ctx, userID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load logs: %v", err)), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no time logs for user %s", userID)), nil
	}

	result := fmt.Sprintf("Found %d time log entries:\n\n", len(logs))
	for _, log := range logs {
		result += fmt.Sprintf("%s %s %s\n", statusToIcon(log.Status), log.Action.Label(), log.ID)
		result += fmt.Sprintf("  Scheduled: %s\n", log.ScheduledTime.Format("2006-01-02 15:04:05"))
		if log.Status != core.LogStatusPending {
			result += fmt.Sprintf("  Completed: %s\n", log.ActualTime.Format("2006-01-02 15:04:05"))
		}
		if log.ErrorMessage != nil {
			result += fmt.Sprintf("  Error: %s\n", truncateString(*log.ErrorMessage, 120))
		}
		if log.SnapshotPath != nil {
			result += fmt.Sprintf("  Snapshot: %s\n", *log.SnapshotPath)
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleListExcludedDates handles the timeclock_list_excluded_dates tool call.
func (s *MCPServer) handleListExcludedDates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcp.ParseString(request, "user_id", "")

	dates, err := s.store.ListExcludedDates(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load excluded dates: %v", err)), nil
	}
	if len(dates) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no excluded dates for user %s", userID)), nil
	}

	result := fmt.Sprintf("Found %d excluded dates:\n\n", len(dates))
	for _, d := range dates {
		result += fmt.Sprintf("%s (%s)", d.Date, d.ID)
		if d.Reason != nil {
			result += fmt.Sprintf(" - %s", *d.Reason)
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

// handleAddExcludedDate handles the timeclock_add_excluded_date tool call.
func (s *MCPServer) handleAddExcludedDate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := mcp.ParseString(request, "user_id", "")
	date := strings.TrimSpace(mcp.ParseString(request, "date", ""))

	if _, err := time.Parse("2006-01-02", date); err != nil {
		return mcp.NewToolResultError("date must be YYYY-MM-DD"), nil
	}

	var reasonPtr *string
	reason := mcp.ParseString(request, "reason", "")
	if reason != "" {
		reasonPtr = &reason
	}

	excluded := &core.ExcludedDate{
		ID:     core.NewID(),
		UserID: userID,
		Date:   date,
		Reason: reasonPtr,
	}
	if err := s.store.InsertExcludedDate(ctx, excluded); err != nil {
		s.logger.Error("mcp add excluded date", "user_id", userID, "date", date, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to save excluded date: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Excluded %s for user %s\nID: %s", date, userID, excluded.ID)), nil
}

// handleGetJob handles the timeclock_get_job tool call.
func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := mcp.ParseString(request, "job_id", "")

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load job: %v", err)), nil
	}

	result := fmt.Sprintf("Job %s\n", job.ID)
	result += fmt.Sprintf("User: %s\n", job.UserID)
	result += fmt.Sprintf("Action: %s\n", job.Action.Label())
	result += fmt.Sprintf("Status: %s\n", job.Status)
	result += fmt.Sprintf("Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	result += fmt.Sprintf("Runs at: %s\n", job.RunAt.Format("2006-01-02 15:04:05"))
	if job.LastError != nil {
		result += fmt.Sprintf("Last error: %s\n", *job.LastError)
	}
	return mcp.NewToolResultText(result), nil
}

// Helper functions

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status core.LogStatus) string {
	switch status {
	case core.LogStatusSuccess:
		return "✅"
	case core.LogStatusFailed:
		return "❌"
	case core.LogStatusPending:
		return "⏳"
	default:
		return "❓"
	}
}
