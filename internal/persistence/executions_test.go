package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/crewd/internal/persistence"
)

func TestFinalizeExecutionExactlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)

	exec, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerScheduled)
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if exec.Status != persistence.ExecutionRunning {
		t.Fatalf("status = %s, want running", exec.Status)
	}

	first := persistence.FinalizeInput{
		Status: persistence.ExecutionCompleted, DurationMs: 1200, CostUSD: 0.02,
		NumTurns: 3, Model: "gemini-2.5-flash", SessionID: "sess-1",
	}
	if err := store.FinalizeExecution(ctx, exec.ID, first); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// A racing second finalize loses and changes nothing.
	second := persistence.FinalizeInput{
		Status: persistence.ExecutionFailed, ErrorMessage: "late loser",
	}
	err = store.FinalizeExecution(ctx, exec.ID, second)
	if !errors.Is(err, persistence.ErrAlreadyFinalized) {
		t.Fatalf("got %v, want ErrAlreadyFinalized", err)
	}

	got, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != persistence.ExecutionCompleted || got.ErrorMessage != "" {
		t.Fatalf("record overwritten by losing finalize: %+v", got)
	}
	if got.CompletedAt == nil || got.DurationMs != 1200 {
		t.Fatalf("terminal fields missing: %+v", got)
	}
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)
	exec, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FinalizeExecution(ctx, exec.ID, persistence.FinalizeInput{
		Status: persistence.ExecutionRunning,
	}); err == nil {
		t.Fatal("running accepted as terminal status")
	}
}

func TestLatestExecutionNilWhenNeverRun(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyWeekly)

	latest, err := store.LatestExecution(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Fatalf("latest = %+v, want nil", latest)
	}

	exec, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	latest, err = store.LatestExecution(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != exec.ID {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestMarkSummaryPostedWinsOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)
	exec, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}

	won, err := store.MarkSummaryPosted(ctx, exec.ID)
	if err != nil || !won {
		t.Fatalf("first claim: won=%t err=%v", won, err)
	}
	won, err = store.MarkSummaryPosted(ctx, exec.ID)
	if err != nil || won {
		t.Fatalf("second claim must lose: won=%t err=%v", won, err)
	}
}

func TestRecoverRunningExecutions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)

	interrupted, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	finished, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FinalizeExecution(ctx, finished.ID, persistence.FinalizeInput{
		Status: persistence.ExecutionCompleted,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := store.RecoverRunningExecutions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	got, err := store.GetExecution(ctx, interrupted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != persistence.ExecutionFailed || got.ErrorMessage == "" {
		t.Fatalf("interrupted execution not failed: %+v", got)
	}
	untouched, _ := store.GetExecution(ctx, finished.ID)
	if untouched.Status != persistence.ExecutionCompleted {
		t.Fatalf("finished execution rewritten: %+v", untouched)
	}
}

func TestExecutionLogsAndUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	accountID := createTestAccount(t, store)
	w := createTestModule(t, store, accountID, persistence.FrequencyDaily)
	exec, err := store.CreateExecution(ctx, w.ID, accountID, nil, persistence.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}

	for _, stage := range []string{"initialized", "thinking", "completed"} {
		if err := store.AppendExecutionLog(ctx, exec.ID, persistence.LogInfo, stage, stage+" ok"); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}
	logs, err := store.ListExecutionLogs(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 3 || logs[0].Stage != "initialized" {
		t.Fatalf("logs = %+v", logs)
	}

	if err := store.FinalizeExecution(ctx, exec.ID, persistence.FinalizeInput{
		Status: persistence.ExecutionCompleted, DurationMs: 900, CostUSD: 0.05,
	}); err != nil {
		t.Fatal(err)
	}
	usage, err := store.AccountUsage(ctx, accountID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if usage.Executions != 1 || usage.CostUSD != 0.05 {
		t.Fatalf("usage = %+v", usage)
	}
}
