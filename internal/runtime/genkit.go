package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"

	"github.com/basket/crewd/internal/pricing"
)

// Config selects the LLM provider for the Genkit runner.
type Config struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitRunner executes runs through Genkit. Conversation transcripts are
// held in memory keyed by session id; the durable part of a session is the
// id itself, so after a restart a resumed run continues under the same id
// with a fresh transcript.
type GenkitRunner struct {
	g     *genkit.Genkit
	cfg   Config
	llmOn bool

	toolsMu sync.RWMutex
	tools   map[string]ai.Tool

	histMu  sync.Mutex
	history map[string][]*ai.Message
}

// NewGenkitRunner initializes Genkit with the configured provider. A missing
// API key falls back to a deterministic echo responder so the daemon still
// runs end to end in development.
func NewGenkitRunner(ctx context.Context, cfg Config) *GenkitRunner {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			llmOn = true
		}
	}
	if g == nil {
		g = genkit.Init(ctx)
		slog.Warn("llm api key missing, runner uses deterministic fallback", "provider", provider)
	} else {
		slog.Info("genkit runner initialized", "provider", provider, "model", cfg.Model)
	}

	return &GenkitRunner{
		g:       g,
		cfg:     cfg,
		llmOn:   llmOn,
		tools:   make(map[string]ai.Tool),
		history: make(map[string][]*ai.Message),
	}
}

// Genkit exposes the underlying instance so adapters can register tools.
func (r *GenkitRunner) Genkit() *genkit.Genkit { return r.g }

// RegisterTool makes a defined tool available by name to later runs.
func (r *GenkitRunner) RegisterTool(t ai.Tool) {
	r.toolsMu.Lock()
	defer r.toolsMu.Unlock()
	r.tools[t.Name()] = t
}

func (r *GenkitRunner) resolveTools(names []string) []ai.ToolRef {
	r.toolsMu.RLock()
	defer r.toolsMu.RUnlock()
	var out []ai.ToolRef
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Run executes one agent turn sequence. The returned session id is the
// resume id when one was given, otherwise freshly minted.
func (r *GenkitRunner) Run(ctx context.Context, req Request) (Result, error) {
	emit := req.OnEvent
	if emit == nil {
		emit = func(Event) {}
	}

	sessionID := strings.TrimSpace(req.ResumeSessionID)
	resumed := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	emit(Event{Stage: StageInitialized, Level: "info",
		Message: fmt.Sprintf("run initialized (resumed=%t)", resumed)})

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = r.cfg.Model
	}

	if !r.llmOn {
		out := "no llm provider configured; prompt received: " + truncate(req.Prompt, 200)
		emit(Event{Stage: StageCompleted, Level: "warning", Message: "deterministic fallback response"})
		return Result{Output: out, SessionID: sessionID, Model: model, NumTurns: 1}, nil
	}

	r.histMu.Lock()
	prior := r.history[sessionID]
	r.histMu.Unlock()

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 25
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(req.Prompt),
	}
	if req.SystemPrompt != "" {
		// Escape % so ai.WithSystem's fmt path cannot corrupt the prompt.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.SystemPrompt, "%", "%%")))
	}
	if len(prior) > 0 {
		opts = append(opts, ai.WithMessages(prior...))
	}
	if refs := r.resolveTools(req.Tools); len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...))
		opts = append(opts, ai.WithMaxTurns(maxTurns))
	}
	opts = append(opts, ai.WithModelName(qualifiedModelName(r.cfg.Provider, model)))

	emit(Event{Stage: StageThinking, Level: "info", Message: "generating"})
	resp, err := genkit.Generate(ctx, r.g, opts...)
	if err != nil {
		emit(Event{Stage: StageCompleted, Level: "error", Message: err.Error()})
		return Result{SessionID: sessionID, Model: model}, fmt.Errorf("generate: %w", err)
	}

	output := resp.Text()
	turns := 1
	if resp.Request != nil {
		// Each tool round trip adds a model/tool message pair to the request.
		turns = 1 + len(resp.Request.Messages)/2
	}

	r.histMu.Lock()
	r.history[sessionID] = append(prior,
		ai.NewUserTextMessage(req.Prompt),
		ai.NewModelTextMessage(output),
	)
	r.histMu.Unlock()

	promptTokens := estimateTokens(req.SystemPrompt) + estimateTokens(req.Prompt)
	cost := pricing.EstimateCost(model, promptTokens, estimateTokens(output))

	emit(Event{Stage: StageCompleted, Level: "info", Message: "run completed"})
	return Result{
		Output:    output,
		SessionID: sessionID,
		Model:     model,
		NumTurns:  turns,
		CostUSD:   cost,
	}, nil
}

// qualifiedModelName prefixes the provider namespace Genkit expects.
func qualifiedModelName(provider, model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// estimateTokens is a word-based estimate with a chars/4 floor for code-heavy
// text. Providers do not all report usage, so cost accounting stays uniform.
func estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(content))) * 1.33)
	chars := len(content) / 4
	if words > chars {
		return words
	}
	return chars
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
