// Package pricing estimates per-run USD cost from token counts. The ledger
// records these estimates so account usage can be rolled up.
package pricing

import "strings"

// rates are prompt/completion costs per million tokens in USD.
type rates struct {
	prompt     float64
	completion float64
}

// Pricing table as of mid 2026. Unknown models cost zero rather than guessing.
var modelRates = map[string]rates{
	// Gemini
	"gemini-2.0-flash-exp":  {0.0, 0.0},
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// The model may carry a provider prefix ("anthropic/claude-sonnet-4-5").
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	r, ok := modelRates[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*r.prompt +
		(float64(completionTokens)/1_000_000)*r.completion
}
