package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/crewd/internal/bus"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/runtime"
	"github.com/basket/crewd/internal/shared"
)

const strategicActor = "strategic_cycle"

// maxProposalsPerCycle caps how many suggestions one cycle may file so a
// chatty model cannot flood the review queue.
const maxProposalsPerCycle = 5

// StrategicCycle periodically reviews an account's context and recent
// activity and files task suggestions for human review. Suggestions enter
// the lifecycle at suggested; nothing here auto-approves.
type StrategicCycle struct {
	store  *persistence.Store
	runner runtime.Runner
	bus    *bus.Bus
	logger *slog.Logger
}

func NewStrategicCycle(store *persistence.Store, runner runtime.Runner, eventBus *bus.Bus, logger *slog.Logger) *StrategicCycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &StrategicCycle{store: store, runner: runner, bus: eventBus, logger: logger}
}

// RunCycle executes one strategic-decision pass for an account.
func (c *StrategicCycle) RunCycle(ctx context.Context, accountID int64) error {
	ctx = shared.WithAccountID(ctx, accountID)

	acctCtx, err := c.store.GetAccountContext(ctx, accountID)
	if err != nil {
		return fmt.Errorf("strategic cycle: %w", err)
	}
	usage, err := c.store.AccountUsage(ctx, accountID, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("strategic cycle: %w", err)
	}

	result, err := c.runner.Run(ctx, runtime.Request{
		SystemPrompt: c.systemPrompt(acctCtx, usage),
		Prompt: "Review the account context and recent activity above. Propose up to " +
			fmt.Sprint(maxProposalsPerCycle) + " concrete next tasks.\n" +
			"Output one per line in the form:\n" +
			"TASK: <title> | <description> | <why this matters now>",
		MaxTurns: 1,
	})
	if err != nil {
		return fmt.Errorf("strategic cycle: %w", err)
	}

	proposals := parseProposals(result.Output)
	for _, p := range proposals {
		if _, err := c.store.CreateTask(ctx, accountID, persistence.ProposeTaskInput{
			Title:       p.title,
			Description: p.description,
			Reasoning:   p.reasoning,
			ProposedBy:  strategicActor,
		}); err != nil {
			c.logger.Warn("strategic cycle: create task", "account_id", accountID, "error", err)
		}
	}

	if c.bus != nil {
		c.bus.Publish(bus.TopicStrategicTriggered, map[string]any{
			"account_id": accountID,
			"proposals":  len(proposals),
		})
	}
	c.logger.Info("strategic cycle finished",
		"account_id", accountID, "proposals", len(proposals), "cost_usd", result.CostUSD)
	return nil
}

func (c *StrategicCycle) systemPrompt(acctCtx *persistence.AccountContext, usage persistence.Usage) string {
	var sb strings.Builder
	sb.WriteString("You are the strategic planner for an account served by autonomous workers.\n")
	for _, doc := range acctCtx.Documents {
		sb.WriteString("\n## ")
		sb.WriteString(doc.Title)
		sb.WriteString("\n")
		sb.WriteString(doc.Content)
		sb.WriteString("\n")
	}
	if len(acctCtx.ConnectedServices) > 0 {
		sb.WriteString("\nConnected services: ")
		sb.WriteString(strings.Join(acctCtx.ConnectedServices, ", "))
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nLast 7 days: %d executions, $%.4f spent.\n", usage.Executions, usage.CostUSD)
	return sb.String()
}

type proposal struct {
	title       string
	description string
	reasoning   string
}

// parseProposals extracts "TASK: title | description | reasoning" lines.
// Malformed lines are dropped silently; the model is not retried.
func parseProposals(output string) []proposal {
	var out []proposal
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "TASK:") {
			continue
		}
		parts := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "TASK:")), "|", 3)
		p := proposal{title: strings.TrimSpace(parts[0])}
		if p.title == "" {
			continue
		}
		if len(parts) > 1 {
			p.description = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			p.reasoning = strings.TrimSpace(parts[2])
		}
		out = append(out, p)
		if len(out) == maxProposalsPerCycle {
			break
		}
	}
	return out
}
