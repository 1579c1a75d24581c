// Package dispatch executes worker runs end to end: ledger entry, workspace
// and session resolution, toolset assembly, runtime invocation, exactly-once
// finalization, task advancement and the activity summary.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/crewd/internal/activity"
	"github.com/basket/crewd/internal/otel"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/runtime"
	"github.com/basket/crewd/internal/session"
	"github.com/basket/crewd/internal/shared"
	"github.com/basket/crewd/internal/task"
	"github.com/basket/crewd/internal/tools"
)

// Request identifies one run to perform.
type Request struct {
	WorkerID  int64
	AccountID int64
	// TaskID links a task-driven run; nil for scheduled and ad-hoc runs.
	TaskID  *int64
	Trigger persistence.TriggerType
}

// Config holds the dispatcher's collaborators.
type Config struct {
	Store    *persistence.Store
	Sessions *session.Manager
	Runner   runtime.Runner
	Registry *tools.Registry
	Feed     activity.Feed
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
}

// Dispatcher serializes runs per worker and guarantees that every created
// execution record reaches a terminal status, panics included.
type Dispatcher struct {
	store    *persistence.Store
	sessions *session.Manager
	runner   runtime.Runner
	registry *tools.Registry
	feed     activity.Feed
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		runner:   cfg.Runner,
		registry: cfg.Registry,
		feed:     cfg.Feed,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// workerLock returns the mutex serializing runs of one worker.
func (d *Dispatcher) workerLock(workerID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[workerID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[workerID] = l
	}
	return l
}

// DispatchScheduled adapts Dispatch to the scheduler's narrow interface.
func (d *Dispatcher) DispatchScheduled(ctx context.Context, workerID, accountID int64) error {
	_, err := d.Dispatch(ctx, Request{
		WorkerID:  workerID,
		AccountID: accountID,
		Trigger:   persistence.TriggerScheduled,
	})
	return err
}

// Dispatch runs one execution to completion and returns the finalized
// record. The error reports run failure; the ledger entry exists either way
// once creation succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*persistence.Execution, error) {
	lock := d.workerLock(req.WorkerID)
	lock.Lock()
	defer lock.Unlock()

	worker, err := d.store.GetWorker(ctx, req.WorkerID)
	if err != nil {
		return nil, err
	}
	if worker.AccountID != req.AccountID {
		return nil, fmt.Errorf("dispatch: worker %d does not belong to account %d", req.WorkerID, req.AccountID)
	}
	if worker.Status != "active" {
		return nil, fmt.Errorf("dispatch: worker %d is inactive", req.WorkerID)
	}

	var tsk *task.Task
	if req.TaskID != nil {
		tsk, err = d.store.GetTask(ctx, *req.TaskID)
		if err != nil {
			return nil, err
		}
		if err := d.checkTaskRunnable(worker, tsk); err != nil {
			return nil, err
		}
	}

	exec, err := d.store.CreateExecution(ctx, req.WorkerID, req.AccountID, req.TaskID, req.Trigger)
	if err != nil {
		return nil, err
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAccountID(ctx, req.AccountID)
	ctx = shared.WithWorkerID(ctx, req.WorkerID)
	ctx = shared.WithExecutionID(ctx, exec.ID)

	var span trace.Span
	if d.tracer != nil {
		ctx, span = otel.StartSpan(ctx, d.tracer, "dispatch.run",
			otel.AttrAccountID.Int64(req.AccountID),
			otel.AttrWorkerID.Int64(req.WorkerID),
			otel.AttrWorkerKind.String(string(worker.Kind)),
			otel.AttrExecutionID.String(exec.ID),
			otel.AttrTrigger.String(string(req.Trigger)),
		)
		defer span.End()
	}
	if d.metrics != nil {
		d.metrics.Dispatches.Add(ctx, 1)
		d.metrics.ActiveExecutions.Add(ctx, 1)
		defer d.metrics.ActiveExecutions.Add(ctx, -1)
	}

	start := time.Now()
	result, runErr := d.run(ctx, worker, tsk, exec)
	durationMs := time.Since(start).Milliseconds()

	fin := persistence.FinalizeInput{
		Status:         persistence.ExecutionCompleted,
		DurationMs:     durationMs,
		CostUSD:        result.CostUSD,
		NumTurns:       result.NumTurns,
		ResumedSession: worker.SessionID != nil,
		Model:          result.Model,
		SessionID:      result.SessionID,
	}
	if runErr != nil {
		fin.Status = persistence.ExecutionFailed
		fin.ErrorMessage = shared.Redact(runErr.Error())
	}
	if err := d.store.FinalizeExecution(ctx, exec.ID, fin); err != nil {
		// Already finalized means the panic path got there first.
		d.logger.Error("finalize execution", "execution_id", exec.ID, "error", err)
	}
	d.observe(ctx, worker, fin)

	if tsk != nil {
		d.advanceTask(ctx, worker, tsk, result, runErr)
	}
	if runErr == nil {
		if worker.IsModule() {
			if err := d.sessions.Commit(ctx, worker.ID, result.SessionID); err != nil {
				d.logger.Warn("commit session id", "worker_id", worker.ID, "error", err)
			}
		}
		d.postSummary(ctx, worker, exec.ID, result, durationMs)
	}

	final, err := d.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		if span != nil {
			span.SetStatus(codes.Error, runErr.Error())
		}
		return final, fmt.Errorf("dispatch worker %d: %w", req.WorkerID, runErr)
	}
	return final, nil
}

// run resolves the workspace, then hands off to invoke. The cleanup defer
// reads the named return after invoke has already converted any panic, so
// failed and panicking runs both keep their workspace.
func (d *Dispatcher) run(ctx context.Context, worker *persistence.Worker, tsk *task.Task, exec *persistence.Execution) (result runtime.Result, err error) {
	workDir := ""
	resumeID := ""
	if worker.IsModule() {
		cont, rerr := d.sessions.Resolve(ctx, worker)
		if rerr != nil {
			return result, rerr
		}
		workDir = cont.WorkspacePath
		resumeID = cont.ResumeSessionID
	} else {
		var cleanup func()
		workDir, cleanup, err = d.sessions.EphemeralWorkspace(exec.ID)
		if err != nil {
			return result, err
		}
		// Kept on failure for inspection; removed only after a clean run.
		defer func() {
			if err == nil {
				cleanup()
			}
		}()
	}
	return d.invoke(ctx, worker, tsk, exec, workDir, resumeID)
}

// invoke performs the fallible middle of the pipeline. A runtime panic is
// converted into an error here so the caller's finalize path always runs.
func (d *Dispatcher) invoke(ctx context.Context, worker *persistence.Worker, tsk *task.Task, exec *persistence.Execution, workDir, resumeID string) (result runtime.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime panic: %v", r)
			d.logProgress(ctx, exec.ID, persistence.LogError, "runtime", err.Error())
		}
	}()

	toolNames, skipped, err := d.registry.Toolset(ctx, worker.AccountID, worker.Tools)
	if err != nil {
		return result, fmt.Errorf("build toolset: %w", err)
	}
	for _, kind := range skipped {
		msg := fmt.Sprintf("adapter %s skipped: credential not configured", kind)
		d.logger.Warn("adapter skipped", "account_id", worker.AccountID, "kind", kind)
		d.logProgress(ctx, exec.ID, persistence.LogWarning, "toolset", msg)
		if d.metrics != nil {
			d.metrics.AdapterSkips.Add(ctx, 1)
		}
	}

	if tsk != nil && tsk.Status == task.StatusApproved {
		if _, err := d.store.TransitionTask(ctx, tsk.ID, task.ActionStart, task.Payload{
			Actor: workerActor(worker),
		}); err != nil {
			return result, fmt.Errorf("start task %d: %w", tsk.ID, err)
		}
	}

	prompt, system := d.buildPrompt(ctx, worker, tsk)
	d.logProgress(ctx, exec.ID, persistence.LogInfo, "dispatch",
		fmt.Sprintf("invoking runtime (tools=%d resumed=%t)", len(toolNames), resumeID != ""))

	result, err = d.runner.Run(ctx, runtime.Request{
		Prompt:          prompt,
		SystemPrompt:    system,
		Model:           worker.Model,
		MaxTurns:        worker.MaxTurns,
		WorkDir:         workDir,
		ResumeSessionID: resumeID,
		Tools:           toolNames,
		OnEvent: func(ev runtime.Event) {
			level := persistence.LogLevel(ev.Level)
			if level != persistence.LogInfo && level != persistence.LogWarning && level != persistence.LogError {
				level = persistence.LogInfo
			}
			d.logProgress(ctx, exec.ID, level, ev.Stage, ev.Message)
		},
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

// checkTaskRunnable gates task-driven dispatch on assignment and status.
func (d *Dispatcher) checkTaskRunnable(worker *persistence.Worker, tsk *task.Task) error {
	assigned := tsk.AssignedAgentID
	if worker.IsModule() {
		assigned = tsk.AssignedModuleID
	}
	if assigned == nil || *assigned != worker.ID {
		return fmt.Errorf("dispatch: task %d is not assigned to worker %d", tsk.ID, worker.ID)
	}
	switch tsk.Status {
	case task.StatusApproved, task.StatusInProgress:
		return nil
	}
	return fmt.Errorf("dispatch: task %d is %s, not runnable", tsk.ID, tsk.Status)
}

// advanceTask applies at most one outcome transition for a task-driven run.
func (d *Dispatcher) advanceTask(ctx context.Context, worker *persistence.Worker, tsk *task.Task, result runtime.Result, runErr error) {
	actor := workerActor(worker)
	var err error
	if runErr == nil {
		summary := summaryFromOutput(result.Output)
		if summary == "" {
			summary = "Run completed."
		}
		_, err = d.store.TransitionTask(ctx, tsk.ID, task.ActionComplete, task.Payload{
			Actor:   actor,
			Summary: summary,
		})
	} else {
		_, err = d.store.TransitionTask(ctx, tsk.ID, task.ActionFail, task.Payload{
			Actor:        actor,
			ErrorMessage: shared.Redact(runErr.Error()),
		})
	}
	if err != nil {
		// The task may have been moved by an operator mid-run; the ledger
		// entry still carries the outcome.
		d.logger.Warn("task outcome transition failed",
			"task_id", tsk.ID, "error", err)
	}
	if d.metrics != nil && err == nil {
		d.metrics.TaskTransitions.Add(ctx, 1)
	}
}

func (d *Dispatcher) buildPrompt(ctx context.Context, worker *persistence.Worker, tsk *task.Task) (prompt, system string) {
	var sb strings.Builder
	sb.WriteString("You are ")
	sb.WriteString(worker.Name)
	sb.WriteString(", an autonomous worker.\n")
	if worker.Goal != "" {
		sb.WriteString(worker.Goal)
		sb.WriteString("\n")
	}
	if acctCtx, err := d.store.GetAccountContext(ctx, worker.AccountID); err == nil {
		for _, doc := range acctCtx.Documents {
			sb.WriteString("\n## ")
			sb.WriteString(doc.Title)
			sb.WriteString("\n")
			sb.WriteString(doc.Content)
			sb.WriteString("\n")
		}
		if len(acctCtx.ConnectedServices) > 0 {
			sb.WriteString("\nConnected services: ")
			sb.WriteString(strings.Join(acctCtx.ConnectedServices, ", "))
			sb.WriteString("\n")
		}
	}
	system = sb.String()

	if tsk != nil {
		prompt = fmt.Sprintf("Work on the following task until done.\n\nTask: %s\n\n%s", tsk.Title, tsk.Description)
		return prompt, system
	}
	prompt = "Carry out your recurring duties for this run. Summarize what you did and anything that needs attention."
	if worker.Description != "" {
		prompt += "\n\nDuties: " + worker.Description
	}
	return prompt, system
}

// logProgress appends an execution log line, best effort.
func (d *Dispatcher) logProgress(ctx context.Context, executionID string, level persistence.LogLevel, stage, message string) {
	if err := d.store.AppendExecutionLog(ctx, executionID, level, stage, shared.Redact(message)); err != nil {
		d.logger.Debug("append execution log", "execution_id", executionID, "error", err)
	}
}

func (d *Dispatcher) observe(ctx context.Context, worker *persistence.Worker, fin persistence.FinalizeInput) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		otel.AttrWorkerKind.String(string(worker.Kind)),
		attribute.String("status", string(fin.Status)),
	)
	d.metrics.ExecutionDuration.Record(ctx, float64(fin.DurationMs)/1000.0, attrs)
	if fin.CostUSD > 0 {
		d.metrics.ExecutionCost.Add(ctx, fin.CostUSD, attrs)
	}
	if fin.Status == persistence.ExecutionFailed {
		d.metrics.DispatchFailures.Add(ctx, 1)
	}
}

func workerActor(w *persistence.Worker) string {
	return fmt.Sprintf("worker:%d", w.ID)
}
