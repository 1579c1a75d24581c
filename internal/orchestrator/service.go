// Package orchestrator is the operation surface the daemon exposes to its
// callers: task lifecycle, worker management, manual dispatch and history.
// Every mutation is audited with its outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/crewd/internal/audit"
	"github.com/basket/crewd/internal/dispatch"
	"github.com/basket/crewd/internal/otel"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/scheduler"
	"github.com/basket/crewd/internal/session"
	"github.com/basket/crewd/internal/task"
	"github.com/basket/crewd/internal/tools"
)

// Config holds the service's collaborators.
type Config struct {
	Store      *persistence.Store
	Dispatcher *dispatch.Dispatcher
	Sessions   *session.Manager
	Logger     *slog.Logger
	Metrics    *otel.Metrics
}

// Service wires the stores and the dispatcher behind one call surface.
type Service struct {
	store      *persistence.Store
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	logger     *slog.Logger
	metrics    *otel.Metrics
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		sessions:   cfg.Sessions,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// ProposeTask records a new suggested task.
func (s *Service) ProposeTask(ctx context.Context, accountID int64, in persistence.ProposeTaskInput) (*task.Task, error) {
	t, err := s.store.CreateTask(ctx, accountID, in)
	if err != nil {
		audit.Record("task.propose", "rejected", err.Error(), in.ProposedBy, "")
		return nil, err
	}
	audit.Record("task.propose", "applied", "", in.ProposedBy, fmt.Sprintf("task:%d", t.ID))
	return t, nil
}

// TransitionTask applies one lifecycle action to a task. Illegal transitions
// are audited as rejected and surface the state machine's error unchanged.
func (s *Service) TransitionTask(ctx context.Context, taskID int64, action task.Action, p task.Payload) (*task.Task, error) {
	subject := fmt.Sprintf("task:%d", taskID)
	t, err := s.store.TransitionTask(ctx, taskID, action, p)
	if err != nil {
		reason := "error"
		var invalid *task.InvalidTransitionError
		if errors.As(err, &invalid) {
			reason = "invalid_transition"
		}
		audit.Record("task."+string(action), "rejected", reason, p.Actor, subject)
		return nil, err
	}
	audit.Record("task."+string(action), "applied", "", p.Actor, subject)
	if s.metrics != nil {
		s.metrics.TaskTransitions.Add(ctx, 1)
	}
	return t, nil
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, taskID int64) (*task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks returns an account's tasks with optional filtering.
func (s *Service) ListTasks(ctx context.Context, accountID int64, filter persistence.TaskFilter) ([]task.Task, error) {
	return s.store.ListTasks(ctx, accountID, filter)
}

// CreateWorker validates and persists a worker definition. Adapter kinds and
// the cron expression are checked here so dispatch never sees an invalid one.
func (s *Service) CreateWorker(ctx context.Context, w persistence.Worker) (*persistence.Worker, error) {
	for _, declared := range w.Tools {
		if _, err := tools.ParseKind(declared); err != nil {
			return nil, fmt.Errorf("create worker: %w", err)
		}
	}
	if err := scheduler.ValidateCronExpr(w.CronExpr); err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	created, err := s.store.CreateWorker(ctx, w)
	if err != nil {
		return nil, err
	}
	audit.Record("worker.create", "applied", "", "operator", fmt.Sprintf("worker:%d", created.ID))
	return created, nil
}

// TriggerExecution runs a worker now and returns the finalized record. Task
// linkage is optional; the dispatcher enforces assignment when present.
func (s *Service) TriggerExecution(ctx context.Context, workerID, accountID int64, taskID *int64) (*persistence.Execution, error) {
	exec, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID:  workerID,
		AccountID: accountID,
		TaskID:    taskID,
		Trigger:   persistence.TriggerManual,
	})
	if err != nil {
		audit.Record("execution.trigger", "rejected", err.Error(), "operator", fmt.Sprintf("worker:%d", workerID))
		return exec, err
	}
	audit.Record("execution.trigger", "applied", "", "operator", "execution:"+exec.ID)
	return exec, nil
}

// ExecutionHistory lists ledger entries filtered by worker and/or account.
func (s *Service) ExecutionHistory(ctx context.Context, workerID, accountID int64, limit int) ([]persistence.Execution, error) {
	return s.store.ListExecutions(ctx, workerID, accountID, limit)
}

// ExecutionLogs returns the progress log of one execution.
func (s *Service) ExecutionLogs(ctx context.Context, executionID string) ([]persistence.ExecutionLogEntry, error) {
	return s.store.ListExecutionLogs(ctx, executionID)
}

// ResetModuleSession clears a module's session continuity.
func (s *Service) ResetModuleSession(ctx context.Context, workerID int64) error {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if !w.IsModule() {
		return fmt.Errorf("reset session: worker %d is not a module", workerID)
	}
	if err := s.sessions.Reset(ctx, workerID); err != nil {
		audit.Record("session.reset", "rejected", err.Error(), "operator", fmt.Sprintf("worker:%d", workerID))
		return err
	}
	audit.Record("session.reset", "applied", "", "operator", fmt.Sprintf("worker:%d", workerID))
	return nil
}
