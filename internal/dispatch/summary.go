package dispatch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/basket/crewd/internal/activity"
	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/runtime"
)

const maxSummaryLen = 600

// postSummary publishes the activity feed entry for a successful run. The
// summary_posted flag is claimed first so a crash between claim and post
// loses the summary rather than ever duplicating it.
func (d *Dispatcher) postSummary(ctx context.Context, worker *persistence.Worker, executionID string, result runtime.Result, durationMs int64) {
	if d.feed == nil {
		return
	}
	won, err := d.store.MarkSummaryPosted(ctx, executionID)
	if err != nil {
		d.logger.Warn("mark summary posted", "execution_id", executionID, "error", err)
		return
	}
	if !won {
		return
	}
	summary := activity.Summary{
		ExecutionID: executionID,
		Title:       fmt.Sprintf("%s finished a run", worker.Name),
		Description: summaryFromOutput(result.Output),
		CostUSD:     result.CostUSD,
		DurationMs:  durationMs,
	}
	if summary.Description == "" {
		summary.Description = d.summaryFromLogs(ctx, executionID)
	}
	if err := d.feed.Post(ctx, worker.AccountID, summary); err != nil {
		d.logger.Warn("post activity summary", "execution_id", executionID, "error", err)
	}
}

// summaryFromOutput trims agent output down to feed size, cutting at a rune
// boundary.
func summaryFromOutput(output string) string {
	s := strings.TrimSpace(output)
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// summaryFromLogs synthesizes a description from the tail of the execution
// log when the run produced no textual output.
func (d *Dispatcher) summaryFromLogs(ctx context.Context, executionID string) string {
	logs, err := d.store.ListExecutionLogs(ctx, executionID)
	if err != nil || len(logs) == 0 {
		return "Run completed."
	}
	tail := logs
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	var lines []string
	for _, l := range tail {
		lines = append(lines, l.Message)
	}
	return strings.Join(lines, " ")
}
