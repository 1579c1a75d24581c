package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/runtime"
	"github.com/basket/crewd/internal/task"
)

type scriptedRunner struct {
	output string
	calls  int
}

func (s *scriptedRunner) Run(ctx context.Context, req runtime.Request) (runtime.Result, error) {
	s.calls++
	return runtime.Result{Output: s.output, SessionID: "sess-strat"}, nil
}

func openStrategicStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crewd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestParseProposals(t *testing.T) {
	output := `Here is my plan.
TASK: Refresh landing page | Rewrite the hero copy | conversion dropped
noise line
TASK: Audit backlinks | | ranking slipped
TASK: | missing title is dropped
TASK: Bare title only
`
	got := parseProposals(output)
	if len(got) != 3 {
		t.Fatalf("proposals = %d, want 3", len(got))
	}
	if got[0].title != "Refresh landing page" || got[0].description != "Rewrite the hero copy" || got[0].reasoning != "conversion dropped" {
		t.Fatalf("first proposal = %+v", got[0])
	}
	if got[1].description != "" {
		t.Fatalf("empty description not preserved: %+v", got[1])
	}
	if got[2].title != "Bare title only" || got[2].description != "" {
		t.Fatalf("bare proposal = %+v", got[2])
	}
}

func TestParseProposalsCapped(t *testing.T) {
	var output string
	for i := 0; i < 10; i++ {
		output += "TASK: idea | d | r\n"
	}
	if got := parseProposals(output); len(got) != maxProposalsPerCycle {
		t.Fatalf("proposals = %d, want %d", len(got), maxProposalsPerCycle)
	}
}

func TestRunCycleFilesSuggestions(t *testing.T) {
	store := openStrategicStore(t)
	ctx := context.Background()
	a, err := store.CreateAccount(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AddAccountDocument(ctx, a.ID, "Positioning", "We sell ladders."); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{output: "TASK: Write ladder guide | Long-form SEO piece | organic traffic is flat"}
	cycle := NewStrategicCycle(store, runner, nil, nil)
	if err := cycle.RunCycle(ctx, a.ID); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	tasks, err := store.ListTasks(ctx, a.ID, persistence.TaskFilter{Status: task.StatusSuggested})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("suggested tasks = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.Title != "Write ladder guide" || got.SuggestionReasoning != "organic traffic is flat" {
		t.Fatalf("task = %+v", got)
	}
	if got.LastStatusChangeBy != strategicActor {
		t.Fatalf("proposed_by = %q", got.LastStatusChangeBy)
	}
}
