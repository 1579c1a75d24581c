package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// adsCredentials is the secret blob stored for the ads adapter.
type adsCredentials struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// FetchCampaignMetricsInput is the input for the fetch_campaign_metrics tool.
type FetchCampaignMetricsInput struct {
	CampaignID string `json:"campaign_id"`
	// Range is a relative window like "7d" or "30d". Defaults to "7d".
	Range string `json:"range,omitempty"`
}

// FetchCampaignMetricsOutput is the output for the fetch_campaign_metrics tool.
type FetchCampaignMetricsOutput struct {
	CampaignID string         `json:"campaign_id"`
	Metrics    map[string]any `json:"metrics"`
}

func (r *Registry) registerAds(g *genkit.Genkit) ai.Tool {
	return genkit.DefineTool(g, "fetch_campaign_metrics",
		"Fetch performance metrics for an ad campaign from the account's connected ads platform.",
		func(ctx *ai.ToolContext, input FetchCampaignMetricsInput) (FetchCampaignMetricsOutput, error) {
			id := strings.TrimSpace(input.CampaignID)
			if id == "" {
				return FetchCampaignMetricsOutput{}, fmt.Errorf("fetch_campaign_metrics: campaign_id is required")
			}
			window := input.Range
			if window == "" {
				window = "7d"
			}
			creds, err := credential[adsCredentials](ctx, r.store, KindAds)
			if err != nil {
				return FetchCampaignMetricsOutput{}, err
			}

			endpoint := fmt.Sprintf("%s/campaigns/%s/metrics?range=%s",
				strings.TrimRight(creds.BaseURL, "/"), id, window)
			body, err := r.getJSON(ctx, endpoint, creds.APIKey)
			if err != nil {
				return FetchCampaignMetricsOutput{}, fmt.Errorf("fetch_campaign_metrics: %w", err)
			}
			var metrics map[string]any
			if err := json.Unmarshal(body, &metrics); err != nil {
				return FetchCampaignMetricsOutput{}, fmt.Errorf("fetch_campaign_metrics: decode: %w", err)
			}
			return FetchCampaignMetricsOutput{CampaignID: id, Metrics: metrics}, nil
		},
	)
}

func (r *Registry) getJSON(ctx context.Context, endpoint, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func withToolTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
