// Package tools defines the external-capability adapters workers can declare:
// source_control, email, chat, ads and analytics. The kind set is closed;
// unknown kinds are rejected when a worker is created, not at dispatch time.
//
// Adapters are registered once against the Genkit instance. Credentials are
// per account and resolved at call time from the context, so one tool
// definition serves every tenant.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/basket/crewd/internal/persistence"
	"github.com/basket/crewd/internal/shared"
)

// Kind identifies one adapter family.
type Kind string

const (
	KindSourceControl Kind = "source_control"
	KindEmail         Kind = "email"
	KindChat          Kind = "chat"
	KindAds           Kind = "ads"
	KindAnalytics     Kind = "analytics"
)

// ParseKind validates a declared adapter kind against the closed set.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSourceControl, KindEmail, KindChat, KindAds, KindAnalytics:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown adapter kind %q", s)
}

// ErrMissingCredential marks an adapter that an account has not connected.
// Dispatch treats it as a soft skip, never a failed execution.
var ErrMissingCredential = errors.New("adapter credential not configured")

// Registry owns the adapter tool definitions and the kind → tool-name map
// used to build per-dispatch toolsets.
type Registry struct {
	store  *persistence.Store
	logger *slog.Logger
	client *http.Client

	byKind map[Kind][]string
}

func NewRegistry(store *persistence.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
		byKind: make(map[Kind][]string),
	}
}

// RegisterAll defines every adapter tool on the Genkit instance and returns
// them so the caller can hand them to the runner.
func (r *Registry) RegisterAll(g *genkit.Genkit) []ai.Tool {
	var out []ai.Tool
	add := func(kind Kind, tools ...ai.Tool) {
		for _, t := range tools {
			r.byKind[kind] = append(r.byKind[kind], t.Name())
			out = append(out, t)
		}
	}
	add(KindChat, r.registerChat(g))
	add(KindEmail, r.registerEmail(g))
	add(KindSourceControl, r.registerSourceControl(g)...)
	add(KindAds, r.registerAds(g))
	add(KindAnalytics, r.registerAnalytics(g))
	return out
}

// ToolNames returns the tool names belonging to one adapter kind.
func (r *Registry) ToolNames(kind Kind) []string {
	return append([]string(nil), r.byKind[kind]...)
}

// Toolset resolves a worker's declared adapter kinds into the tool names the
// run may use. Kinds whose credentials are absent for the account are
// returned in skipped instead of failing the dispatch.
func (r *Registry) Toolset(ctx context.Context, accountID int64, declared []string) (names []string, skipped []Kind, err error) {
	if len(declared) == 0 {
		return nil, nil, nil
	}
	creds, err := r.store.GetAdapterCredentials(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range declared {
		kind, err := ParseKind(d)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := creds[string(kind)]; !ok {
			skipped = append(skipped, kind)
			continue
		}
		names = append(names, r.byKind[kind]...)
	}
	return names, skipped, nil
}

// credential loads and decodes the account's secret blob for one kind. The
// account id comes from the request context the dispatcher set up.
func credential[T any](ctx context.Context, store *persistence.Store, kind Kind) (T, error) {
	var out T
	accountID := shared.AccountID(ctx)
	if accountID == 0 {
		return out, fmt.Errorf("adapter %s: no account in context", kind)
	}
	creds, err := store.GetAdapterCredentials(ctx, accountID)
	if err != nil {
		return out, err
	}
	raw, ok := creds[string(kind)]
	if !ok {
		return out, fmt.Errorf("adapter %s: %w", kind, ErrMissingCredential)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("adapter %s: decode credential: %w", kind, err)
	}
	return out, nil
}
