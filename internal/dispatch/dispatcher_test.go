package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/crewd/internal/activity"
	"github.com/basket/crewd/internal/dispatch"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/runtime"
	"github.com/basket/crewd/internal/session"
	"github.com/basket/crewd/internal/task"
	"github.com/basket/crewd/internal/tools"
)

// fakeRunner scripts the agent runtime.
type fakeRunner struct {
	mu      sync.Mutex
	result  runtime.Result
	err     error
	panics  bool
	calls   int
	lastReq runtime.Request
}

func (f *fakeRunner) Run(ctx context.Context, req runtime.Request) (runtime.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()
	if req.OnEvent != nil {
		req.OnEvent(runtime.Event{Stage: runtime.StageInitialized, Level: "info", Message: "run initialized"})
	}
	if f.panics {
		panic("scripted panic")
	}
	if f.err != nil {
		return runtime.Result{}, f.err
	}
	res := f.result
	if res.SessionID == "" {
		res.SessionID = "sess-fake"
	}
	return res, nil
}

func (f *fakeRunner) request() runtime.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq
}

type harness struct {
	store      *persistence.Store
	sessions   *session.Manager
	runner     *fakeRunner
	feed       activity.Feed
	dispatcher *dispatch.Dispatcher
	workDir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	workDir := filepath.Join(dir, "workspaces")
	runner := &fakeRunner{}
	sessions := session.NewManager(store, workDir)
	feed := activity.NewStoreFeed(store)
	dispatcher := dispatch.New(dispatch.Config{
		Store:    store,
		Sessions: sessions,
		Runner:   runner,
		Registry: tools.NewRegistry(store, nil),
		Feed:     feed,
	})
	return &harness{
		store: store, sessions: sessions, runner: runner,
		feed: feed, dispatcher: dispatcher, workDir: workDir,
	}
}

func (h *harness) account(t *testing.T) int64 {
	t.Helper()
	a, err := h.store.CreateAccount(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	return a.ID
}

func (h *harness) module(t *testing.T, accountID int64) *persistence.Worker {
	t.Helper()
	w, err := h.store.CreateWorker(context.Background(), persistence.Worker{
		AccountID: accountID, Kind: persistence.WorkerKindModule,
		Name: "seo-module", Goal: "keep rankings healthy",
		Frequency: persistence.FrequencyDaily,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func (h *harness) agent(t *testing.T, accountID int64) *persistence.Worker {
	t.Helper()
	w, err := h.store.CreateWorker(context.Background(), persistence.Worker{
		AccountID: accountID, Kind: persistence.WorkerKindAgent,
		Name: "outreach-agent", Goal: "handle assigned tasks",
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestDispatchModuleSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	m := h.module(t, accountID)
	h.runner.result = runtime.Result{
		Output: "reviewed rankings, all healthy", SessionID: "sess-1",
		Model: "gemini-2.5-flash", NumTurns: 4, CostUSD: 0.03,
	}

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if exec.Status != persistence.ExecutionCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.CostUSD != 0.03 || exec.NumTurns != 4 {
		t.Fatalf("ledger fields: %+v", exec)
	}
	if exec.ResumedSession {
		t.Fatal("first run must not be marked resumed")
	}

	// Session id and workspace path committed onto the module.
	w, err := h.store.GetWorker(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.SessionID == nil || *w.SessionID != "sess-1" {
		t.Fatalf("session_id = %v", w.SessionID)
	}
	if w.WorkspacePath == nil {
		t.Fatal("workspace path not committed")
	}
	if _, err := os.Stat(*w.WorkspacePath); err != nil {
		t.Fatalf("module workspace missing: %v", err)
	}

	// Exactly one activity entry.
	entries, err := h.feed.List(ctx, accountID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("feed entries = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Title, m.Name) {
		t.Fatalf("feed title = %q", entries[0].Title)
	}
}

func TestDispatchModuleResumesCommittedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	m := h.module(t, accountID)

	h.runner.result = runtime.Result{Output: "first run", SessionID: "sess-1"}
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerScheduled,
	}); err != nil {
		t.Fatal(err)
	}

	// A second run must pass the committed id down, and a divergent id
	// coming back must not replace it.
	h.runner.result = runtime.Result{Output: "second run", SessionID: "sess-rogue"}
	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerScheduled,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.runner.request().ResumeSessionID; got != "sess-1" {
		t.Fatalf("resume id = %q, want sess-1", got)
	}
	if !exec.ResumedSession {
		t.Fatal("second run must be marked resumed")
	}
	w, _ := h.store.GetWorker(ctx, m.ID)
	if *w.SessionID != "sess-1" {
		t.Fatalf("session_id drifted to %q", *w.SessionID)
	}
}

func TestDispatchFailureLeavesCleanState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	m := h.module(t, accountID)
	h.runner.err = errors.New("model quota exhausted")

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerScheduled,
	})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if exec == nil || exec.Status != persistence.ExecutionFailed {
		t.Fatalf("execution = %+v", exec)
	}
	if !strings.Contains(exec.ErrorMessage, "model quota exhausted") {
		t.Fatalf("error_message = %q", exec.ErrorMessage)
	}

	// The module's persistent workspace survives the failure.
	w, _ := h.store.GetWorker(ctx, m.ID)
	if w.WorkspacePath == nil {
		t.Fatal("workspace path missing")
	}
	if _, statErr := os.Stat(*w.WorkspacePath); statErr != nil {
		t.Fatalf("persistent workspace deleted on failure: %v", statErr)
	}

	// No summary for failed runs.
	entries, _ := h.feed.List(ctx, accountID, 10)
	if len(entries) != 0 {
		t.Fatalf("failed run posted a summary: %+v", entries)
	}

	// The worker is not wedged: the next dispatch runs.
	h.runner.err = nil
	h.runner.result = runtime.Result{Output: "recovered"}
	exec, err = h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerManual,
	})
	if err != nil || exec.Status != persistence.ExecutionCompleted {
		t.Fatalf("follow-up dispatch: %v %+v", err, exec)
	}
}

func TestDispatchPanicFinalizesExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	m := h.module(t, accountID)
	h.runner.panics = true

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerManual,
	})
	if err == nil {
		t.Fatal("expected error from panicking runtime")
	}
	if exec.Status != persistence.ExecutionFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "runtime panic") {
		t.Fatalf("error_message = %q", exec.ErrorMessage)
	}
}

func TestDispatchTaskDrivenAdvancesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	agent := h.agent(t, accountID)

	created, err := h.store.CreateTask(ctx, accountID, persistence.ProposeTaskInput{
		Title: "Reply to vendor", ProposedBy: "operator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.TransitionTask(ctx, created.ID, task.ActionApprove, task.Payload{
		Actor: "operator", Reasoning: "needs a reply", AssignAgentID: &agent.ID,
	}); err != nil {
		t.Fatal(err)
	}

	h.runner.result = runtime.Result{Output: "sent the reply and archived the thread"}
	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: agent.ID, AccountID: accountID,
		TaskID: &created.ID, Trigger: persistence.TriggerManual,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if exec.TaskID == nil || *exec.TaskID != created.ID {
		t.Fatalf("execution task linkage: %+v", exec)
	}

	got, err := h.store.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("lifecycle timestamps missing")
	}
	if !strings.Contains(got.CompletionSummary, "sent the reply") {
		t.Fatalf("completion_summary = %q", got.CompletionSummary)
	}
}

func TestDispatchTaskDrivenFailureFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	agent := h.agent(t, accountID)

	created, err := h.store.CreateTask(ctx, accountID, persistence.ProposeTaskInput{
		Title: "Fix the build", ProposedBy: "operator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.TransitionTask(ctx, created.ID, task.ActionApprove, task.Payload{
		Actor: "operator", Reasoning: "urgent", AssignAgentID: &agent.ID,
	}); err != nil {
		t.Fatal(err)
	}

	h.runner.err = errors.New("compile step crashed")
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: agent.ID, AccountID: accountID,
		TaskID: &created.ID, Trigger: persistence.TriggerManual,
	}); err == nil {
		t.Fatal("expected dispatch error")
	}

	got, _ := h.store.GetTask(ctx, created.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("task status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "compile step crashed") {
		t.Fatalf("error_message = %q", got.ErrorMessage)
	}
}

func TestDispatchRejectsUnassignedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	agent := h.agent(t, accountID)
	other := h.agent(t, accountID)

	created, err := h.store.CreateTask(ctx, accountID, persistence.ProposeTaskInput{
		Title: "Misrouted", ProposedBy: "operator",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.TransitionTask(ctx, created.ID, task.ActionApprove, task.Payload{
		Actor: "operator", Reasoning: "go", AssignAgentID: &other.ID,
	}); err != nil {
		t.Fatal(err)
	}

	_, err = h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: agent.ID, AccountID: accountID,
		TaskID: &created.ID, Trigger: persistence.TriggerManual,
	})
	if err == nil || !strings.Contains(err.Error(), "not assigned") {
		t.Fatalf("got %v, want assignment error", err)
	}
	// No ledger entry for a rejected dispatch.
	execs, _ := h.store.ListExecutions(ctx, agent.ID, accountID, 10)
	if len(execs) != 0 {
		t.Fatalf("rejected dispatch created executions: %+v", execs)
	}
}

func TestDispatchSkipsAdapterWithoutCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)

	w, err := h.store.CreateWorker(ctx, persistence.Worker{
		AccountID: accountID, Kind: persistence.WorkerKindModule,
		Name: "notifier", Frequency: persistence.FrequencyDaily,
		Tools: []string{string(tools.KindChat)},
	})
	if err != nil {
		t.Fatal(err)
	}
	h.runner.result = runtime.Result{Output: "done without chat"}

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: w.ID, AccountID: accountID, Trigger: persistence.TriggerScheduled,
	})
	if err != nil {
		t.Fatalf("missing credential must soft-skip, got %v", err)
	}
	if exec.Status != persistence.ExecutionCompleted {
		t.Fatalf("status = %s", exec.Status)
	}

	logs, err := h.store.ListExecutionLogs(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range logs {
		if l.Level == persistence.LogWarning && strings.Contains(l.Message, "credential not configured") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no adapter-skip warning in logs: %+v", logs)
	}
}

func TestDispatchAgentWorkspaceIsEphemeral(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	agent := h.agent(t, accountID)
	h.runner.result = runtime.Result{Output: "done"}

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: agent.ID, AccountID: accountID, Trigger: persistence.TriggerManual,
	})
	if err != nil {
		t.Fatal(err)
	}
	// The per-execution directory is gone after a clean run.
	runDir := filepath.Join(h.workDir, "runs", exec.ID)
	if _, statErr := os.Stat(runDir); !os.IsNotExist(statErr) {
		t.Fatalf("ephemeral workspace still present: %v", statErr)
	}
	if got := h.runner.request().WorkDir; got != runDir {
		t.Fatalf("runner workdir = %q, want %q", got, runDir)
	}
}

func TestDispatchFailureKeepsAgentWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	agent := h.agent(t, accountID)
	h.runner.err = errors.New("model quota exhausted")

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: agent.ID, AccountID: accountID, Trigger: persistence.TriggerManual,
	})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	// The per-execution directory survives the failure for inspection.
	runDir := filepath.Join(h.workDir, "runs", exec.ID)
	if _, statErr := os.Stat(runDir); statErr != nil {
		t.Fatalf("failed run's workspace deleted: %v", statErr)
	}
}

func TestDispatchPanicKeepsAgentWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	agent := h.agent(t, accountID)
	h.runner.panics = true

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: agent.ID, AccountID: accountID, Trigger: persistence.TriggerManual,
	})
	if err == nil {
		t.Fatal("expected error from panicking runtime")
	}
	runDir := filepath.Join(h.workDir, "runs", exec.ID)
	if _, statErr := os.Stat(runDir); statErr != nil {
		t.Fatalf("panicking run's workspace deleted: %v", statErr)
	}
}

func TestDispatchInactiveWorkerRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	m := h.module(t, accountID)
	if err := h.store.UpdateWorkerStatus(ctx, m.ID, "inactive"); err != nil {
		t.Fatal(err)
	}

	_, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID, Trigger: persistence.TriggerManual,
	})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("got %v, want inactive error", err)
	}
}

func TestDispatchWrongAccountRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	accountID := h.account(t)
	m := h.module(t, accountID)

	_, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		WorkerID: m.ID, AccountID: accountID + 1, Trigger: persistence.TriggerManual,
	})
	if err == nil {
		t.Fatal("cross-account dispatch accepted")
	}
	if !strings.Contains(err.Error(), fmt.Sprintf("account %d", accountID+1)) {
		t.Fatalf("error = %v", err)
	}
}
