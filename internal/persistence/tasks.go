package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/crewd/internal/bus"
	"github.com/basket/crewd/internal/task"
)

// ProposeTaskInput carries the fields of a newly suggested task.
type ProposeTaskInput struct {
	Title       string
	Description string
	Reasoning   string
	Priority    int
	ProposedBy  string
}

// CreateTask inserts a new task in the suggested status.
func (s *Store) CreateTask(ctx context.Context, accountID int64, in ProposeTaskInput) (*task.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("create task: title is required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (account_id, title, description, suggestion_reasoning, priority, status, last_status_change_by)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, accountID, in.Title, in.Description, in.Reasoning, in.Priority, task.StatusSuggested, in.ProposedBy)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create task: last insert id: %w", err)
	}
	s.publish(bus.TopicTaskProposed, bus.TaskTransitionedEvent{
		TaskID:    id,
		AccountID: accountID,
		NewStatus: string(task.StatusSuggested),
		Actor:     in.ProposedBy,
	})
	return s.GetTask(ctx, id)
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d not found", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status           task.Status
	AssignedModuleID int64
	AssignedAgentID  int64
}

// ListTasks returns an account's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, accountID int64, filter TaskFilter) ([]task.Task, error) {
	query := taskSelect + ` WHERE account_id = ?`
	args := []any{accountID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AssignedModuleID != 0 {
		query += ` AND assigned_module_id = ?`
		args = append(args, filter.AssignedModuleID)
	}
	if filter.AssignedAgentID != 0 {
		query += ` AND assigned_agent_id = ?`
		args = append(args, filter.AssignedAgentID)
	}
	query += ` ORDER BY created_at DESC, id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TransitionTask validates and applies one status transition. The mutation is
// a single UPDATE guarded by the current status, so a concurrent transition
// loses cleanly instead of half-applying. Timestamps are stamped via COALESCE
// so first entry into a status wins and later passes never overwrite.
func (s *Store) TransitionTask(ctx context.Context, taskID int64, action task.Action, p task.Payload) (*task.Task, error) {
	current, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := task.Check(taskID, current.Status, action, p); err != nil {
		return nil, err
	}
	target := task.Target(action, p)

	query, args := transitionUpdate(taskID, current.Status, target, action, p)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition task %d: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition task %d: rows affected: %w", taskID, err)
	}
	if affected != 1 {
		// Status changed between the read and the guarded update.
		return nil, &task.InvalidTransitionError{TaskID: taskID, Current: current.Status, Action: action}
	}

	updated, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publishTransition(current, updated, p.Actor)
	return updated, nil
}

func (s *Store) publishTransition(before, after *task.Task, actor string) {
	ev := bus.TaskTransitionedEvent{
		TaskID:    after.ID,
		AccountID: after.AccountID,
		OldStatus: string(before.Status),
		NewStatus: string(after.Status),
		Actor:     actor,
	}
	s.publish(bus.TopicTaskTransitioned, ev)
	switch after.Status {
	case task.StatusCompleted:
		s.publish(bus.TopicTaskCompleted, ev)
	case task.StatusFailed:
		s.publish(bus.TopicTaskFailed, ev)
	}
}

// transitionUpdate builds the per-action guarded UPDATE. Each action only
// touches the fields it owns.
func transitionUpdate(taskID int64, from, to task.Status, action task.Action, p task.Payload) (string, []any) {
	switch action {
	case task.ActionApprove:
		// Assignment is mutually exclusive: setting one side always clears
		// the other. No assignment given leaves both untouched.
		set := `status = ?, approval_reasoning = ?, approved_at = COALESCE(approved_at, CURRENT_TIMESTAMP),
			last_status_change_by = ?, updated_at = CURRENT_TIMESTAMP`
		args := []any{to, p.Reasoning, p.Actor}
		if p.AssignModuleID != nil {
			set += `, assigned_module_id = ?, assigned_agent_id = NULL`
			args = append(args, *p.AssignModuleID)
		} else if p.AssignAgentID != nil {
			set += `, assigned_agent_id = ?, assigned_module_id = NULL`
			args = append(args, *p.AssignAgentID)
		}
		args = append(args, taskID, from)
		return `UPDATE tasks SET ` + set + ` WHERE id = ? AND status = ?;`, args

	case task.ActionReject:
		return `UPDATE tasks SET status = ?, rejection_reasoning = ?, last_status_change_by = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
			[]any{to, p.Reasoning, p.Actor, taskID, from}

	case task.ActionStart:
		return `UPDATE tasks SET status = ?, started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
			last_status_change_by = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
			[]any{to, p.Actor, taskID, from}

	case task.ActionBlock:
		if to == task.StatusBlocked {
			return `UPDATE tasks SET status = ?, blocked_reason = ?, blocked_at = COALESCE(blocked_at, CURRENT_TIMESTAMP),
				last_status_change_by = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
				[]any{to, p.Reason, p.Actor, taskID, from}
		}
		return `UPDATE tasks SET status = ?, blocked_reason = ?, last_status_change_by = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
			[]any{to, p.Reason, p.Actor, taskID, from}

	case task.ActionResume:
		return `UPDATE tasks SET status = ?, blocked_reason = ?, started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
			last_status_change_by = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
			[]any{to, task.ResumeReason(p.Note), p.Actor, taskID, from}

	case task.ActionComplete:
		return `UPDATE tasks SET status = ?, completion_summary = ?, blocked_reason = '',
			completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP),
			last_status_change_by = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
			[]any{to, p.Summary, p.Actor, taskID, from}

	case task.ActionFail:
		return `UPDATE tasks SET status = ?, error_message = ?, last_status_change_by = ?,
			updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;`,
			[]any{to, p.ErrorMessage, p.Actor, taskID, from}
	}
	return "", nil
}

const taskSelect = `
	SELECT id, account_id, title, description, suggestion_reasoning, approval_reasoning,
		rejection_reasoning, blocked_reason, completion_summary, error_message,
		status, priority, assigned_module_id, assigned_agent_id, last_status_change_by,
		created_at, approved_at, started_at, blocked_at, completed_at, updated_at
	FROM tasks`

func scanTask(scanFn func(dest ...any) error) (*task.Task, error) {
	var t task.Task
	var moduleID, agentID sql.NullInt64
	var approvedAt, startedAt, blockedAt, completedAt sql.NullTime
	if err := scanFn(
		&t.ID,
		&t.AccountID,
		&t.Title,
		&t.Description,
		&t.SuggestionReasoning,
		&t.ApprovalReasoning,
		&t.RejectionReasoning,
		&t.BlockedReason,
		&t.CompletionSummary,
		&t.ErrorMessage,
		&t.Status,
		&t.Priority,
		&moduleID,
		&agentID,
		&t.LastStatusChangeBy,
		&t.CreatedAt,
		&approvedAt,
		&startedAt,
		&blockedAt,
		&completedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if moduleID.Valid {
		t.AssignedModuleID = &moduleID.Int64
	}
	if agentID.Valid {
		t.AssignedAgentID = &agentID.Int64
	}
	if approvedAt.Valid {
		at := approvedAt.Time
		t.ApprovedAt = &at
	}
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if blockedAt.Valid {
		at := blockedAt.Time
		t.BlockedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}
