// Package task defines the task status lifecycle and the pure transition
// rules applied by the persistence layer. The state machine validates which
// transitions are legal and which payload fields each action requires; it
// never interprets the reasoning text itself.
package task

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusSuggested  Status = "suggested"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusInProgress Status = "in_progress"
	StatusWaiting    Status = "waiting"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionStart    Action = "start"
	ActionBlock    Action = "block"
	ActionResume   Action = "resume"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
)

// Task is the persisted task record.
type Task struct {
	ID        int64 `json:"id"`
	AccountID int64 `json:"account_id"`

	Title               string `json:"title"`
	Description         string `json:"description"`
	SuggestionReasoning string `json:"suggestion_reasoning,omitempty"`
	ApprovalReasoning   string `json:"approval_reasoning,omitempty"`
	RejectionReasoning  string `json:"rejection_reasoning,omitempty"`
	BlockedReason       string `json:"blocked_reason,omitempty"`
	CompletionSummary   string `json:"completion_summary,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`

	// At most one of these is set; approve enforces the exclusivity.
	AssignedModuleID *int64 `json:"assigned_to_module_id,omitempty"`
	AssignedAgentID  *int64 `json:"assigned_to_agent_id,omitempty"`

	LastStatusChangeBy string `json:"last_status_change_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	BlockedAt   *time.Time `json:"blocked_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Payload carries the per-action fields of a transition request.
// Fields not owned by the requested action are ignored.
type Payload struct {
	// Actor identifies who requested the transition: a worker name or a
	// human operator id. Recorded as last_status_change_by on every action.
	Actor string

	// Reasoning is the approval or rejection reasoning.
	Reasoning string

	// Reason is the block reason.
	Reason string

	// Waiting selects the waiting state instead of blocked for ActionBlock.
	Waiting bool

	// Note is the optional resume note, recorded as "Resumed: <note>".
	Note string

	// Summary is the completion summary.
	Summary string

	// ErrorMessage is the failure message.
	ErrorMessage string

	// Assignment for ActionApprove. Setting one clears the other.
	AssignModuleID *int64
	AssignAgentID  *int64
}

// InvalidTransitionError reports a transition request that is not legal from
// the task's current status.
type InvalidTransitionError struct {
	TaskID  int64
	Current Status
	Action  Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %d: cannot %s from status %q", e.TaskID, e.Action, e.Current)
}

// allowedFrom maps each action to the statuses it may be applied from.
var allowedFrom = map[Action][]Status{
	ActionApprove:  {StatusSuggested},
	ActionReject:   {StatusSuggested},
	ActionStart:    {StatusApproved},
	ActionBlock:    {StatusInProgress},
	ActionResume:   {StatusWaiting, StatusBlocked},
	ActionComplete: {StatusInProgress},
	ActionFail:     {StatusInProgress},
}

// AllowedFrom returns the statuses the action may be applied from.
func AllowedFrom(action Action) []Status {
	return allowedFrom[action]
}

// Target returns the status the action transitions into. For ActionBlock the
// payload's Waiting flag selects waiting over blocked.
func Target(action Action, p Payload) Status {
	switch action {
	case ActionApprove:
		return StatusApproved
	case ActionReject:
		return StatusRejected
	case ActionStart:
		return StatusInProgress
	case ActionBlock:
		if p.Waiting {
			return StatusWaiting
		}
		return StatusBlocked
	case ActionResume:
		return StatusInProgress
	case ActionComplete:
		return StatusCompleted
	case ActionFail:
		return StatusFailed
	}
	return ""
}

// Check validates that the action is legal from the current status and that
// the payload carries the action's required fields. It performs no mutation.
func Check(taskID int64, current Status, action Action, p Payload) error {
	from, ok := allowedFrom[action]
	if !ok {
		return fmt.Errorf("unknown task action %q", action)
	}
	legal := false
	for _, s := range from {
		if s == current {
			legal = true
			break
		}
	}
	if !legal {
		return &InvalidTransitionError{TaskID: taskID, Current: current, Action: action}
	}
	return validatePayload(action, p)
}

func validatePayload(action Action, p Payload) error {
	switch action {
	case ActionApprove:
		if strings.TrimSpace(p.Reasoning) == "" {
			return fmt.Errorf("approve requires approval reasoning")
		}
		if p.AssignModuleID != nil && p.AssignAgentID != nil {
			return fmt.Errorf("approve may assign a module or an agent, not both")
		}
	case ActionReject:
		if strings.TrimSpace(p.Reasoning) == "" {
			return fmt.Errorf("reject requires rejection reasoning")
		}
	case ActionStart:
		if strings.TrimSpace(p.Actor) == "" {
			return fmt.Errorf("start requires an actor id")
		}
	case ActionBlock:
		if strings.TrimSpace(p.Reason) == "" {
			return fmt.Errorf("block requires a reason")
		}
		if strings.TrimSpace(p.Actor) == "" {
			return fmt.Errorf("block requires an actor id")
		}
	case ActionComplete:
		if strings.TrimSpace(p.Summary) == "" {
			return fmt.Errorf("complete requires a completion summary")
		}
	case ActionFail:
		if strings.TrimSpace(p.ErrorMessage) == "" {
			return fmt.Errorf("fail requires an error message")
		}
	}
	return nil
}

// ResumeReason renders the transient blocked_reason value a resume leaves
// behind. An empty note clears the field instead.
func ResumeReason(note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return ""
	}
	return "Resumed: " + note
}
