package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/task"
)

// runCommand executes one administrative subcommand against the local store
// and returns a process exit code.
func runCommand(ctx context.Context, args []string) int {
	s, err := buildStack(ctx, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "crewd:", err)
		return 1
	}
	defer s.close()

	if err := dispatchCommand(ctx, s, args); err != nil {
		fmt.Fprintln(os.Stderr, "crewd:", err)
		return 1
	}
	return 0
}

func dispatchCommand(ctx context.Context, s *stack, args []string) error {
	switch strings.ToLower(args[0]) {
	case "help", "-h", "--help":
		printUsage()
		return nil
	case "account":
		return cmdAccount(ctx, s, args[1:])
	case "worker":
		return cmdWorker(ctx, s, args[1:])
	case "task":
		return cmdTask(ctx, s, args[1:])
	case "tasks":
		return cmdTasks(ctx, s, args[1:])
	case "run":
		return cmdRun(ctx, s, args[1:])
	case "history":
		return cmdHistory(ctx, s, args[1:])
	case "logs":
		return cmdLogs(ctx, s, args[1:])
	case "feed":
		return cmdFeed(ctx, s, args[1:])
	case "reset-session":
		return cmdResetSession(ctx, s, args[1:])
	}
	return fmt.Errorf("unknown command %q (try: %s help)", args[0], os.Args[0])
}

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func cmdAccount(ctx context.Context, s *stack, args []string) error {
	if len(args) < 2 || args[0] != "create" {
		return fmt.Errorf("usage: account create <name>")
	}
	a, err := s.store.CreateAccount(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("account %d created: %s\n", a.ID, a.Name)
	return nil
}

func cmdWorker(ctx context.Context, s *stack, args []string) error {
	if len(args) < 2 || args[0] != "list" {
		return fmt.Errorf("usage: worker list <account_id>")
	}
	accountID, err := parseID("account id", args[1])
	if err != nil {
		return err
	}
	workers, err := s.store.ListWorkers(ctx, accountID)
	if err != nil {
		return err
	}
	for _, w := range workers {
		freq := string(w.Frequency)
		if freq == "" {
			freq = "-"
		}
		fmt.Printf("%d\t%s\t%s\t%s\t%s\n", w.ID, w.Kind, w.Name, freq, w.Status)
	}
	return nil
}

// taskActions maps subcommand names to lifecycle actions. "wait" is block
// with the waiting flag set.
var taskActions = map[string]task.Action{
	"approve":  task.ActionApprove,
	"reject":   task.ActionReject,
	"start":    task.ActionStart,
	"block":    task.ActionBlock,
	"wait":     task.ActionBlock,
	"resume":   task.ActionResume,
	"complete": task.ActionComplete,
	"fail":     task.ActionFail,
}

func cmdTask(ctx context.Context, s *stack, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: task propose|approve|reject|start|block|wait|resume|complete|fail ...")
	}
	verb := strings.ToLower(args[0])

	if verb == "propose" {
		if len(args) < 3 {
			return fmt.Errorf("usage: task propose <account_id> <title> [description]")
		}
		accountID, err := parseID("account id", args[1])
		if err != nil {
			return err
		}
		in := persistence.ProposeTaskInput{Title: args[2], ProposedBy: "operator"}
		if len(args) > 3 {
			in.Description = strings.Join(args[3:], " ")
		}
		t, err := s.service.ProposeTask(ctx, accountID, in)
		if err != nil {
			return err
		}
		fmt.Printf("task %d proposed: %s\n", t.ID, t.Title)
		return nil
	}

	action, ok := taskActions[verb]
	if !ok {
		return fmt.Errorf("unknown task action %q", verb)
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: task %s <task_id> [text]", verb)
	}
	taskID, err := parseID("task id", args[1])
	if err != nil {
		return err
	}
	text := strings.Join(args[2:], " ")

	p := task.Payload{Actor: "operator"}
	switch action {
	case task.ActionApprove, task.ActionReject:
		p.Reasoning = text
	case task.ActionBlock:
		p.Reason = text
		p.Waiting = verb == "wait"
	case task.ActionResume:
		p.Note = text
	case task.ActionComplete:
		p.Summary = text
	case task.ActionFail:
		p.ErrorMessage = text
	}

	t, err := s.service.TransitionTask(ctx, taskID, action, p)
	if err != nil {
		return err
	}
	fmt.Printf("task %d is now %s\n", t.ID, t.Status)
	return nil
}

func cmdTasks(ctx context.Context, s *stack, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tasks <account_id> [status]")
	}
	accountID, err := parseID("account id", args[0])
	if err != nil {
		return err
	}
	filter := persistence.TaskFilter{}
	if len(args) > 1 {
		filter.Status = task.Status(args[1])
	}
	list, err := s.service.ListTasks(ctx, accountID, filter)
	if err != nil {
		return err
	}
	for _, t := range list {
		fmt.Printf("%d\t%s\t%s\n", t.ID, t.Status, t.Title)
	}
	return nil
}

func cmdRun(ctx context.Context, s *stack, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: run <account_id> <worker_id> [task_id]")
	}
	accountID, err := parseID("account id", args[0])
	if err != nil {
		return err
	}
	workerID, err := parseID("worker id", args[1])
	if err != nil {
		return err
	}
	var taskID *int64
	if len(args) > 2 {
		id, err := parseID("task id", args[2])
		if err != nil {
			return err
		}
		taskID = &id
	}
	exec, err := s.service.TriggerExecution(ctx, workerID, accountID, taskID)
	if exec != nil {
		fmt.Printf("execution %s finished: %s (%.2fs, $%.4f)\n",
			exec.ID, exec.Status, float64(exec.DurationMs)/1000.0, exec.CostUSD)
	}
	return err
}

func cmdHistory(ctx context.Context, s *stack, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: history <account_id> [worker_id]")
	}
	accountID, err := parseID("account id", args[0])
	if err != nil {
		return err
	}
	var workerID int64
	if len(args) > 1 {
		workerID, err = parseID("worker id", args[1])
		if err != nil {
			return err
		}
	}
	execs, err := s.service.ExecutionHistory(ctx, workerID, accountID, 50)
	if err != nil {
		return err
	}
	for _, e := range execs {
		fmt.Printf("%s\tworker=%d\t%s\t%s\t%dms\t$%.4f\n",
			e.ID, e.WorkerID, e.TriggerType, e.Status, e.DurationMs, e.CostUSD)
	}
	return nil
}

func cmdLogs(ctx context.Context, s *stack, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: logs <execution_id>")
	}
	logs, err := s.service.ExecutionLogs(ctx, args[0])
	if err != nil {
		return err
	}
	for _, l := range logs {
		fmt.Printf("%s\t%s\t%s\t%s\n", l.CreatedAt.Format("15:04:05"), l.Level, l.Stage, l.Message)
	}
	return nil
}

func cmdFeed(ctx context.Context, s *stack, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: feed <account_id>")
	}
	accountID, err := parseID("account id", args[0])
	if err != nil {
		return err
	}
	entries, err := s.feed.List(ctx, accountID, 50)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Title, e.Description)
	}
	return nil
}

func cmdResetSession(ctx context.Context, s *stack, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: reset-session <worker_id>")
	}
	workerID, err := parseID("worker id", args[0])
	if err != nil {
		return err
	}
	if err := s.service.ResetModuleSession(ctx, workerID); err != nil {
		return err
	}
	fmt.Printf("worker %d session cleared\n", workerID)
	return nil
}
