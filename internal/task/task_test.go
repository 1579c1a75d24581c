package task

import (
	"errors"
	"testing"
)

func TestTargetSelectsWaitingOverBlocked(t *testing.T) {
	if got := Target(ActionBlock, Payload{Waiting: true}); got != StatusWaiting {
		t.Fatalf("waiting block: got %q, want %q", got, StatusWaiting)
	}
	if got := Target(ActionBlock, Payload{}); got != StatusBlocked {
		t.Fatalf("hard block: got %q, want %q", got, StatusBlocked)
	}
}

func TestCheckRejectsIllegalTransitions(t *testing.T) {
	cases := []struct {
		name    string
		current Status
		action  Action
	}{
		{"complete from suggested", StatusSuggested, ActionComplete},
		{"approve from approved", StatusApproved, ActionApprove},
		{"start from in_progress", StatusInProgress, ActionStart},
		{"resume from in_progress", StatusInProgress, ActionResume},
		{"block from completed", StatusCompleted, ActionBlock},
		{"fail from waiting", StatusWaiting, ActionFail},
		{"approve from rejected", StatusRejected, ActionApprove},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(1, tc.current, tc.action, Payload{
				Actor: "x", Reasoning: "r", Reason: "r", Summary: "s", ErrorMessage: "e",
			})
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("got %v, want InvalidTransitionError", err)
			}
			if invalid.Current != tc.current || invalid.Action != tc.action {
				t.Fatalf("error fields: %+v", invalid)
			}
		})
	}
}

func TestCheckAllowsLegalTransitions(t *testing.T) {
	cases := []struct {
		current Status
		action  Action
		p       Payload
	}{
		{StatusSuggested, ActionApprove, Payload{Actor: "ops", Reasoning: "good idea"}},
		{StatusSuggested, ActionReject, Payload{Actor: "ops", Reasoning: "duplicate"}},
		{StatusApproved, ActionStart, Payload{Actor: "worker:1"}},
		{StatusInProgress, ActionBlock, Payload{Actor: "worker:1", Reason: "need access"}},
		{StatusInProgress, ActionBlock, Payload{Actor: "worker:1", Reason: "awaiting reply", Waiting: true}},
		{StatusWaiting, ActionResume, Payload{Actor: "ops"}},
		{StatusBlocked, ActionResume, Payload{Actor: "ops", Note: "access granted"}},
		{StatusInProgress, ActionComplete, Payload{Actor: "worker:1", Summary: "done"}},
		{StatusInProgress, ActionFail, Payload{Actor: "worker:1", ErrorMessage: "boom"}},
	}
	for _, tc := range cases {
		if err := Check(1, tc.current, tc.action, tc.p); err != nil {
			t.Fatalf("%s from %s: unexpected error %v", tc.action, tc.current, err)
		}
	}
}

func TestCheckValidatesPayloads(t *testing.T) {
	cases := []struct {
		name    string
		current Status
		action  Action
		p       Payload
	}{
		{"approve without reasoning", StatusSuggested, ActionApprove, Payload{Actor: "ops"}},
		{"approve with both assignments", StatusSuggested, ActionApprove,
			Payload{Actor: "ops", Reasoning: "r", AssignModuleID: ptr(1), AssignAgentID: ptr(2)}},
		{"reject without reasoning", StatusSuggested, ActionReject, Payload{Actor: "ops"}},
		{"block without reason", StatusInProgress, ActionBlock, Payload{Actor: "w"}},
		{"complete without summary", StatusInProgress, ActionComplete, Payload{Actor: "w"}},
		{"fail without message", StatusInProgress, ActionFail, Payload{Actor: "w"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(1, tc.current, tc.action, tc.p)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var invalid *InvalidTransitionError
			if errors.As(err, &invalid) {
				t.Fatalf("got InvalidTransitionError, want payload validation error")
			}
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{
		StatusRejected:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	}
	all := []Status{
		StatusSuggested, StatusApproved, StatusRejected, StatusInProgress,
		StatusWaiting, StatusBlocked, StatusCompleted, StatusFailed,
	}
	for _, s := range all {
		if s.Terminal() != terminal[s] {
			t.Errorf("%s: Terminal() = %t, want %t", s, s.Terminal(), terminal[s])
		}
	}
	// No action leads out of a terminal status.
	for action, from := range allowedFrom {
		for _, s := range from {
			if s.Terminal() {
				t.Errorf("action %s allowed from terminal status %s", action, s)
			}
		}
	}
}

func TestResumeReason(t *testing.T) {
	if got := ResumeReason(""); got != "" {
		t.Fatalf("empty note: got %q", got)
	}
	if got := ResumeReason("  vendor replied  "); got != "Resumed: vendor replied" {
		t.Fatalf("got %q", got)
	}
}

func ptr(v int64) *int64 { return &v }
