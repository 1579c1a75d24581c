package bus

// Task lifecycle topics.
const (
	TopicTaskProposed     = "task.proposed"
	TopicTaskTransitioned = "task.transitioned"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
)

// Execution lifecycle topics.
const (
	TopicExecutionStarted   = "execution.started"
	TopicExecutionFinished  = "execution.finished"
	TopicExecutionLog       = "execution.log"
	TopicSchedulerFired     = "scheduler.fired"
	TopicStrategicTriggered = "scheduler.strategic"
)

// TaskTransitionedEvent is published when a task's status changes.
type TaskTransitionedEvent struct {
	TaskID    int64  // Task ID
	AccountID int64  // Owning account
	OldStatus string // Previous status (e.g. suggested)
	NewStatus string // New status (e.g. approved)
	Actor     string // Who requested the transition
}

// ExecutionFinishedEvent is published when an execution record is finalized.
type ExecutionFinishedEvent struct {
	ExecutionID string
	WorkerID    int64
	AccountID   int64
	Status      string
	DurationMs  int64
	CostUSD     float64
}
