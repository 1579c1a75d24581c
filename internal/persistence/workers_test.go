package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/crewd/internal/persistence"
)

func TestCreateWorkerValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)

	if _, err := store.CreateWorker(ctx, persistence.Worker{
		AccountID: accountID, Kind: "robot", Name: "x",
	}); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, err := store.CreateWorker(ctx, persistence.Worker{
		AccountID: accountID, Kind: persistence.WorkerKindModule, Name: "x", Frequency: "hourly",
	}); err == nil {
		t.Fatal("invalid frequency accepted")
	}
	if _, err := store.CreateWorker(ctx, persistence.Worker{
		AccountID: accountID, Kind: persistence.WorkerKindAgent, Name: "x",
		Frequency: persistence.FrequencyDaily,
	}); err == nil {
		t.Fatal("agent with frequency accepted")
	}

	w := createTestModule(t, store, accountID, "")
	if w.Frequency != persistence.FrequencyManual {
		t.Fatalf("default frequency = %q, want manual", w.Frequency)
	}
	if w.MaxTurns != 25 {
		t.Fatalf("default max_turns = %d", w.MaxTurns)
	}
	if w.Status != "active" {
		t.Fatalf("default status = %q", w.Status)
	}
}

func TestCommitSessionIDFirstWriteWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)

	if err := store.CommitSessionID(ctx, w.ID, "sess-first"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// A later run returning a different id must not replace the original.
	if err := store.CommitSessionID(ctx, w.ID, "sess-second"); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	got, err := store.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID == nil || *got.SessionID != "sess-first" {
		t.Fatalf("session_id = %v, want sess-first", got.SessionID)
	}
}

func TestResetSessionClearsContinuity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)

	if err := store.CommitSessionID(ctx, w.ID, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.CommitWorkspacePath(ctx, w.ID, "/tmp/ws/module-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.ResetSession(ctx, w.ID); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != nil || got.WorkspacePath != nil {
		t.Fatalf("continuity not cleared: %v %v", got.SessionID, got.WorkspacePath)
	}

	// After a reset the next commit wins again.
	if err := store.CommitSessionID(ctx, w.ID, "sess-2"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetWorker(ctx, w.ID)
	if got.SessionID == nil || *got.SessionID != "sess-2" {
		t.Fatalf("post-reset commit lost: %v", got.SessionID)
	}
}

func TestListActiveModulesExcludesAgentsAndInactive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)

	m1 := createTestModule(t, store, accountID, persistence.FrequencyDaily)
	m2 := createTestModule(t, store, accountID, persistence.FrequencyAuto)
	createTestAgent(t, store, accountID)
	if err := store.UpdateWorkerStatus(ctx, m2.ID, "inactive"); err != nil {
		t.Fatal(err)
	}

	modules, err := store.ListActiveModules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(modules) != 1 || modules[0].ID != m1.ID {
		t.Fatalf("active modules = %+v", modules)
	}
}
