package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/crewd/internal/audit"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/session"
	"github.com/basket/crewd/internal/task"
	"github.com/basket/crewd/internal/tools"
)

func newTestService(t *testing.T) (*Service, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := New(Config{
		Store:    store,
		Sessions: session.NewManager(store, filepath.Join(dir, "workspaces")),
	})
	return svc, store
}

func TestProposeAndTransitionAudited(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	a, err := store.CreateAccount(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}

	before := audit.RejectCount()
	created, err := svc.ProposeTask(ctx, a.ID, persistence.ProposeTaskInput{
		Title: "Ship changelog", ProposedBy: "operator",
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// An illegal transition is rejected, audited, and leaves the task alone.
	_, err = svc.TransitionTask(ctx, created.ID, task.ActionComplete, task.Payload{
		Actor: "operator", Summary: "nope",
	})
	var invalid *task.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidTransitionError", err)
	}
	if audit.RejectCount() != before+1 {
		t.Fatalf("reject count = %d, want %d", audit.RejectCount(), before+1)
	}

	approved, err := svc.TransitionTask(ctx, created.ID, task.ActionApprove, task.Payload{
		Actor: "operator", Reasoning: "release day",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != task.StatusApproved {
		t.Fatalf("status = %s", approved.Status)
	}
}

func TestCreateWorkerValidatesToolKindsAndCron(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	a, err := store.CreateAccount(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CreateWorker(ctx, persistence.Worker{
		AccountID: a.ID, Kind: persistence.WorkerKindModule, Name: "m",
		Frequency: persistence.FrequencyDaily, Tools: []string{"webhook"},
	}); err == nil {
		t.Fatal("unknown adapter kind accepted")
	}
	if _, err := svc.CreateWorker(ctx, persistence.Worker{
		AccountID: a.ID, Kind: persistence.WorkerKindModule, Name: "m",
		Frequency: persistence.FrequencyDaily, CronExpr: "every tuesday",
	}); err == nil {
		t.Fatal("invalid cron expression accepted")
	}

	w, err := svc.CreateWorker(ctx, persistence.Worker{
		AccountID: a.ID, Kind: persistence.WorkerKindModule, Name: "m",
		Frequency: persistence.FrequencyDaily,
		Tools:     []string{string(tools.KindChat), string(tools.KindEmail)},
		CronExpr:  "0 9 * * 1",
	})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	if len(w.Tools) != 2 || w.CronExpr != "0 9 * * 1" {
		t.Fatalf("worker = %+v", w)
	}
}

func TestResetModuleSessionRejectsAgents(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	a, err := store.CreateAccount(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := store.CreateWorker(ctx, persistence.Worker{
		AccountID: a.ID, Kind: persistence.WorkerKindAgent, Name: "a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ResetModuleSession(ctx, agent.ID); err == nil {
		t.Fatal("agent session reset accepted")
	}

	module, err := store.CreateWorker(ctx, persistence.Worker{
		AccountID: a.ID, Kind: persistence.WorkerKindModule, Name: "m",
		Frequency: persistence.FrequencyDaily,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CommitSessionID(ctx, module.ID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.ResetModuleSession(ctx, module.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ := store.GetWorker(ctx, module.ID)
	if got.SessionID != nil {
		t.Fatal("session not cleared")
	}
}
