// Package runtime is the boundary to the LLM agent harness. The dispatcher
// talks to a Runner and never to a provider SDK directly, so the harness can
// be swapped or stubbed in tests.
package runtime

import "context"

// Request describes one agent run. ResumeSessionID is empty for cold starts;
// when set, the runner continues the prior conversation.
type Request struct {
	Prompt          string
	SystemPrompt    string
	Model           string
	MaxTurns        int
	WorkDir         string
	ResumeSessionID string

	// Tools are harness tool names made available for this run. The runner
	// treats the slice as opaque references registered at construction time.
	Tools []string

	// OnEvent receives progress events while the run is in flight. May be nil.
	OnEvent func(Event)
}

// Event is one progress notification from a running agent.
type Event struct {
	Stage   string // initialized | thinking | tool_use | completed
	Level   string // info | warning | error
	Message string
}

const (
	StageInitialized = "initialized"
	StageThinking    = "thinking"
	StageToolUse     = "tool_use"
	StageCompleted   = "completed"
)

// Result is the terminal outcome of a run. SessionID is always set on
// success, newly minted when the run started cold.
type Result struct {
	Output    string
	SessionID string
	Model     string
	NumTurns  int
	CostUSD   float64
}

// Runner executes agent runs to completion. Implementations must be safe for
// concurrent use; the dispatcher serializes per worker, not globally.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}
