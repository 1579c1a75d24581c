package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// analyticsCredentials is the secret blob stored for the analytics adapter.
type analyticsCredentials struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// RunAnalyticsQueryInput is the input for the run_analytics_query tool.
type RunAnalyticsQueryInput struct {
	// Query is the analytics platform's native query expression.
	Query string `json:"query"`
}

// RunAnalyticsQueryOutput is the output for the run_analytics_query tool.
type RunAnalyticsQueryOutput struct {
	Rows []map[string]any `json:"rows"`
}

func (r *Registry) registerAnalytics(g *genkit.Genkit) ai.Tool {
	return genkit.DefineTool(g, "run_analytics_query",
		"Run a query against the account's connected analytics platform and return the result rows.",
		func(ctx *ai.ToolContext, input RunAnalyticsQueryInput) (RunAnalyticsQueryOutput, error) {
			query := strings.TrimSpace(input.Query)
			if query == "" {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: query is required")
			}
			creds, err := credential[analyticsCredentials](ctx, r.store, KindAnalytics)
			if err != nil {
				return RunAnalyticsQueryOutput{}, err
			}

			payload, err := json.Marshal(map[string]string{"query": query})
			if err != nil {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: encode: %w", err)
			}
			endpoint := strings.TrimRight(creds.BaseURL, "/") + "/query"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+creds.APIKey)
			req.Header.Set("Content-Type", "application/json")

			resp, err := r.client.Do(req)
			if err != nil {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: read: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: status %d: %s",
					resp.StatusCode, strings.TrimSpace(string(body)))
			}

			var out RunAnalyticsQueryOutput
			if err := json.Unmarshal(body, &out.Rows); err != nil {
				return RunAnalyticsQueryOutput{}, fmt.Errorf("run_analytics_query: decode: %w", err)
			}
			return out, nil
		},
	)
}
