package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/crewd/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "crewd.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestAccount(t *testing.T, store *persistence.Store) int64 {
	t.Helper()
	a, err := store.CreateAccount(context.Background(), "acme")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a.ID
}

func createTestModule(t *testing.T, store *persistence.Store, accountID int64, freq persistence.Frequency) *persistence.Worker {
	t.Helper()
	w, err := store.CreateWorker(context.Background(), persistence.Worker{
		AccountID: accountID,
		Kind:      persistence.WorkerKindModule,
		Name:      "seo-module",
		Goal:      "keep rankings healthy",
		Frequency: freq,
	})
	if err != nil {
		t.Fatalf("create module: %v", err)
	}
	return w
}

func createTestAgent(t *testing.T, store *persistence.Store, accountID int64) *persistence.Worker {
	t.Helper()
	w, err := store.CreateWorker(context.Background(), persistence.Worker{
		AccountID: accountID,
		Kind:      persistence.WorkerKindAgent,
		Name:      "outreach-agent",
		Goal:      "handle assigned outreach tasks",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return w
}
