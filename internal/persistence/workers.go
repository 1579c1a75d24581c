package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type WorkerKind string

const (
	WorkerKindModule WorkerKind = "module"
	WorkerKindAgent  WorkerKind = "agent"
)

// Frequency controls how often a module is scheduled.
type Frequency string

const (
	FrequencyManual Frequency = "manual"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyAuto   Frequency = "auto"
)

// ValidFrequency reports whether f is a known frequency value.
func ValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyManual, FrequencyDaily, FrequencyWeekly, FrequencyAuto:
		return true
	}
	return false
}

// Worker is a persisted worker definition. Modules are scheduled and own a
// durable session/workspace; agents are invoked once per assigned task.
type Worker struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"account_id"`
	Kind        WorkerKind `json:"kind"`
	Name        string     `json:"name"`
	Description string     `json:"description"`

	// Goal is free-form role text fed to the agent runtime as system instructions.
	Goal     string   `json:"goal"`
	Tools    []string `json:"tools"`
	MaxTurns int      `json:"max_turns"`
	Model    string   `json:"model,omitempty"`

	// Module-only fields. SessionID and WorkspacePath are append-only:
	// once set they survive until an explicit reset.
	Frequency Frequency `json:"frequency,omitempty"`
	CronExpr  string    `json:"cron_expr,omitempty"`
	SessionID *string   `json:"session_id,omitempty"`

	WorkspacePath *string `json:"workspace_path,omitempty"`

	// Agent-only: active | inactive.
	Status string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsModule reports whether the worker is a scheduled module.
func (w Worker) IsModule() bool { return w.Kind == WorkerKindModule }

// CreateWorker persists a new worker definition.
func (s *Store) CreateWorker(ctx context.Context, w Worker) (*Worker, error) {
	if strings.TrimSpace(w.Name) == "" {
		return nil, fmt.Errorf("create worker: name is required")
	}
	switch w.Kind {
	case WorkerKindModule:
		if w.Frequency == "" {
			w.Frequency = FrequencyManual
		}
		if !ValidFrequency(w.Frequency) {
			return nil, fmt.Errorf("create worker: invalid frequency %q", w.Frequency)
		}
	case WorkerKindAgent:
		if w.Frequency != "" {
			return nil, fmt.Errorf("create worker: agents have no frequency")
		}
	default:
		return nil, fmt.Errorf("create worker: invalid kind %q", w.Kind)
	}
	if w.MaxTurns <= 0 {
		w.MaxTurns = 25
	}
	if w.Status == "" {
		w.Status = "active"
	}

	var freq sql.NullString
	if w.Kind == WorkerKindModule {
		freq = sql.NullString{Valid: true, String: string(w.Frequency)}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (account_id, kind, name, description, goal, tools, max_turns, model, frequency, cron_expr, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?);
	`, w.AccountID, w.Kind, w.Name, w.Description, w.Goal, strings.Join(w.Tools, ","),
		w.MaxTurns, w.Model, freq, w.CronExpr, w.Status)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create worker: last insert id: %w", err)
	}
	return s.GetWorker(ctx, id)
}

// GetWorker returns the worker with the given id.
func (s *Store) GetWorker(ctx context.Context, workerID int64) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE id = ?;`, workerID)
	w, err := scanWorker(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %d not found", workerID)
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers for an account, oldest first.
func (s *Store) ListWorkers(ctx context.Context, accountID int64) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` WHERE account_id = ? ORDER BY created_at ASC, id ASC;`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// ListActiveModules returns every active module across all accounts. This is
// the scheduler's working set on each tick.
func (s *Store) ListActiveModules(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` WHERE kind = ? AND status = 'active' ORDER BY id ASC;`, WorkerKindModule)
	if err != nil {
		return nil, fmt.Errorf("list active modules: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// UpdateWorkerStatus sets the status field (active | inactive).
func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID int64, status string) error {
	switch status {
	case "active", "inactive":
	default:
		return fmt.Errorf("update worker status: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, workerID)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update worker status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("worker %d not found", workerID)
	}
	return nil
}

// CommitSessionID persists a module's session id, first-write-wins: the
// guard clause makes a second commit a no-op so a later run can never move a
// module onto a different session without an explicit reset.
func (s *Store) CommitSessionID(ctx context.Context, workerID int64, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("commit session id: empty session id")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET session_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND session_id IS NULL;
	`, sessionID, workerID)
	if err != nil {
		return fmt.Errorf("commit session id: %w", err)
	}
	return nil
}

// CommitWorkspacePath persists a module's workspace path, first-write-wins
// like CommitSessionID.
func (s *Store) CommitWorkspacePath(ctx context.Context, workerID int64, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("commit workspace path: empty path")
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET workspace_path = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND workspace_path IS NULL;
	`, path, workerID)
	if err != nil {
		return fmt.Errorf("commit workspace path: %w", err)
	}
	return nil
}

// ResetSession is the explicit escape hatch that clears a module's session id
// and workspace path so the next run starts cold.
func (s *Store) ResetSession(ctx context.Context, workerID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET session_id = NULL, workspace_path = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, workerID)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("reset session: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("worker %d not found", workerID)
	}
	return nil
}

const workerSelect = `
	SELECT id, account_id, kind, name, description, goal, tools, max_turns, model,
		frequency, COALESCE(cron_expr, ''), session_id, workspace_path, status, created_at, updated_at
	FROM workers`

func scanWorker(scanFn func(dest ...any) error) (*Worker, error) {
	var w Worker
	var tools string
	var freq, sessionID, workspacePath sql.NullString
	if err := scanFn(
		&w.ID,
		&w.AccountID,
		&w.Kind,
		&w.Name,
		&w.Description,
		&w.Goal,
		&tools,
		&w.MaxTurns,
		&w.Model,
		&freq,
		&w.CronExpr,
		&sessionID,
		&workspacePath,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if tools != "" {
		w.Tools = strings.Split(tools, ",")
	}
	if freq.Valid {
		w.Frequency = Frequency(freq.String)
	}
	if sessionID.Valid {
		w.SessionID = &sessionID.String
	}
	if workspacePath.Valid {
		w.WorkspacePath = &workspacePath.String
	}
	return &w, nil
}

func collectWorkers(rows *sql.Rows) ([]Worker, error) {
	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker rows: %w", err)
	}
	return out, nil
}
