package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/crewd/internal/bus"
	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAuto      TriggerType = "auto"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is one ledger entry: a single invocation of a worker against the
// agent runtime. Created running, finalized exactly once, immutable after.
type Execution struct {
	ID        string `json:"id"`
	WorkerID  int64  `json:"worker_id"`
	AccountID int64  `json:"account_id"`
	TaskID    *int64 `json:"task_id,omitempty"`

	TriggerType TriggerType     `json:"trigger_type"`
	Status      ExecutionStatus `json:"status"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	CostUSD     float64    `json:"cost_usd"`

	ErrorMessage   string `json:"error_message,omitempty"`
	NumTurns       int    `json:"num_turns"`
	ResumedSession bool   `json:"resumed_session"`
	Model          string `json:"model,omitempty"`
	SessionID      string `json:"session_id,omitempty"`

	SummaryPosted bool `json:"summary_posted"`
}

// LogLevel for execution log entries.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// ExecutionLogEntry is one timestamped progress line tied to an execution.
type ExecutionLogEntry struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Level       LogLevel  `json:"level"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrAlreadyFinalized is returned when a second finalize targets the same
// execution record.
var ErrAlreadyFinalized = errors.New("execution already finalized")

// CreateExecution appends a new running ledger entry and returns it.
func (s *Store) CreateExecution(ctx context.Context, workerID, accountID int64, taskID *int64, trigger TriggerType) (*Execution, error) {
	id := uuid.NewString()
	var taskVal sql.NullInt64
	if taskID != nil {
		taskVal = sql.NullInt64{Valid: true, Int64: *taskID}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, worker_id, account_id, task_id, trigger_type, status)
		VALUES (?, ?, ?, ?, ?, ?);
	`, id, workerID, accountID, taskVal, trigger, ExecutionRunning)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	s.publish(bus.TopicExecutionStarted, map[string]any{
		"execution_id": id,
		"worker_id":    workerID,
		"account_id":   accountID,
		"trigger":      string(trigger),
	})
	return s.GetExecution(ctx, id)
}

// FinalizeInput carries the terminal fields of an execution.
type FinalizeInput struct {
	Status         ExecutionStatus
	DurationMs     int64
	CostUSD        float64
	ErrorMessage   string
	NumTurns       int
	ResumedSession bool
	Model          string
	SessionID      string
}

// FinalizeExecution writes the terminal state of a running execution. The
// status guard makes finalization exactly-once: a second call returns
// ErrAlreadyFinalized and changes nothing.
func (s *Store) FinalizeExecution(ctx context.Context, executionID string, in FinalizeInput) error {
	if in.Status != ExecutionCompleted && in.Status != ExecutionFailed {
		return fmt.Errorf("finalize execution: invalid terminal status %q", in.Status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = CURRENT_TIMESTAMP, duration_ms = ?, cost_usd = ?,
			error_message = ?, num_turns = ?, resumed_session = ?, model = ?, session_id = ?
		WHERE id = ? AND status = ?;
	`, in.Status, in.DurationMs, in.CostUSD, in.ErrorMessage, in.NumTurns,
		boolToInt(in.ResumedSession), in.Model, in.SessionID, executionID, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize execution: rows affected: %w", err)
	}
	if affected != 1 {
		return ErrAlreadyFinalized
	}

	exec, err := s.GetExecution(ctx, executionID)
	if err == nil {
		s.publish(bus.TopicExecutionFinished, bus.ExecutionFinishedEvent{
			ExecutionID: exec.ID,
			WorkerID:    exec.WorkerID,
			AccountID:   exec.AccountID,
			Status:      string(exec.Status),
			DurationMs:  exec.DurationMs,
			CostUSD:     exec.CostUSD,
		})
	}
	return nil
}

// GetExecution returns the execution with the given id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?;`, executionID)
	e, err := scanExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s not found", executionID)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// LatestExecution returns the most recent ledger entry for a worker, or nil
// if the worker has never run. This is the scheduler's "last run" signal.
func (s *Store) LatestExecution(ctx context.Context, workerID int64) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+`
		WHERE worker_id = ? ORDER BY started_at DESC, id DESC LIMIT 1;`, workerID)
	e, err := scanExecution(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns ledger history, newest first. workerID 0 covers the
// whole account.
func (s *Store) ListExecutions(ctx context.Context, workerID, accountID int64, limit int) ([]Execution, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := executionSelect + ` WHERE account_id = ?`
	args := []any{accountID}
	if workerID != 0 {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution rows: %w", err)
	}
	return out, nil
}

// Usage aggregates finalized executions over a trailing window.
type Usage struct {
	Executions int     `json:"executions"`
	TotalMs    int64   `json:"total_ms"`
	CostUSD    float64 `json:"cost_usd"`
}

// WorkerUsage aggregates a worker's finalized executions since the cutoff.
func (s *Store) WorkerUsage(ctx context.Context, workerID int64, since time.Time) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(cost_usd), 0)
		FROM executions
		WHERE worker_id = ? AND status != ? AND started_at >= ?;
	`, workerID, ExecutionRunning, since).Scan(&u.Executions, &u.TotalMs, &u.CostUSD)
	if err != nil {
		return Usage{}, fmt.Errorf("worker usage: %w", err)
	}
	return u, nil
}

// AccountUsage aggregates an account's finalized executions since the cutoff.
func (s *Store) AccountUsage(ctx context.Context, accountID int64, since time.Time) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(cost_usd), 0)
		FROM executions
		WHERE account_id = ? AND status != ? AND started_at >= ?;
	`, accountID, ExecutionRunning, since).Scan(&u.Executions, &u.TotalMs, &u.CostUSD)
	if err != nil {
		return Usage{}, fmt.Errorf("account usage: %w", err)
	}
	return u, nil
}

// AppendExecutionLog writes one progress line. Callers treat failures as
// best-effort: a lost log line never fails the execution it describes.
func (s *Store) AppendExecutionLog(ctx context.Context, executionID string, level LogLevel, stage, message string) error {
	switch level {
	case LogInfo, LogWarning, LogError:
	default:
		level = LogInfo
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, level, stage, message)
		VALUES (?, ?, ?, ?);
	`, executionID, level, stage, message)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	s.publish(bus.TopicExecutionLog, map[string]any{
		"execution_id": executionID,
		"level":        string(level),
		"stage":        stage,
		"message":      message,
	})
	return nil
}

// ListExecutionLogs returns an execution's log lines, oldest first.
func (s *Store) ListExecutionLogs(ctx context.Context, executionID string) ([]ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, level, stage, message, created_at
		FROM execution_logs WHERE execution_id = ? ORDER BY id ASC;
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	var out []ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Level, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution log rows: %w", err)
	}
	return out, nil
}

// MarkSummaryPosted flips the summary flag and reports whether this caller
// won. The guard makes the activity-feed post at-most-once per execution.
func (s *Store) MarkSummaryPosted(ctx context.Context, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET summary_posted = 1 WHERE id = ? AND summary_posted = 0;
	`, executionID)
	if err != nil {
		return false, fmt.Errorf("mark summary posted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark summary posted: rows affected: %w", err)
	}
	return affected == 1, nil
}

// RecoverRunningExecutions finalizes executions left running by a previous
// process as failed. Called once at startup, before the scheduler starts.
func (s *Store) RecoverRunningExecutions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = CURRENT_TIMESTAMP, error_message = 'interrupted by restart'
		WHERE status = ?;
	`, ExecutionFailed, ExecutionRunning)
	if err != nil {
		return 0, fmt.Errorf("recover running executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover running executions: rows affected: %w", err)
	}
	return n, nil
}

const executionSelect = `
	SELECT id, worker_id, account_id, task_id, trigger_type, status, started_at, completed_at,
		duration_ms, cost_usd, error_message, num_turns, resumed_session, model, session_id, summary_posted
	FROM executions`

func scanExecution(scanFn func(dest ...any) error) (*Execution, error) {
	var e Execution
	var taskID sql.NullInt64
	var completedAt sql.NullTime
	var resumed, summaryPosted int
	if err := scanFn(
		&e.ID,
		&e.WorkerID,
		&e.AccountID,
		&taskID,
		&e.TriggerType,
		&e.Status,
		&e.StartedAt,
		&completedAt,
		&e.DurationMs,
		&e.CostUSD,
		&e.ErrorMessage,
		&e.NumTurns,
		&resumed,
		&e.Model,
		&e.SessionID,
		&summaryPosted,
	); err != nil {
		return nil, err
	}
	if taskID.Valid {
		e.TaskID = &taskID.Int64
	}
	if completedAt.Valid {
		at := completedAt.Time
		e.CompletedAt = &at
	}
	e.ResumedSession = resumed != 0
	e.SummaryPosted = summaryPosted != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
