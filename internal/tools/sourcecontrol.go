package tools

import (
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/basket/crewd/internal/shared"
)

// sourceControlCredentials is the secret blob stored for the source_control
// adapter. Token is injected into https remotes for clone and push.
type sourceControlCredentials struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// CloneRepositoryInput is the input for the clone_repository tool.
type CloneRepositoryInput struct {
	// URL is the https remote of the repository.
	URL string `json:"url"`
	// Dir is the absolute destination path inside the run workspace.
	Dir string `json:"dir"`
}

// CloneRepositoryOutput is the output for the clone_repository tool.
type CloneRepositoryOutput struct {
	Status string `json:"status"`
	Dir    string `json:"dir"`
}

// CommitAndPushInput is the input for the commit_and_push tool.
type CommitAndPushInput struct {
	// Dir is the repository checkout path.
	Dir string `json:"dir"`
	// Message is the commit message.
	Message string `json:"message"`
}

// CommitAndPushOutput is the output for the commit_and_push tool.
type CommitAndPushOutput struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
}

func (r *Registry) registerSourceControl(g *genkit.Genkit) []ai.Tool {
	clone := genkit.DefineTool(g, "clone_repository",
		"Clone a git repository into the run workspace using the account's source control credentials.",
		func(ctx *ai.ToolContext, input CloneRepositoryInput) (CloneRepositoryOutput, error) {
			if strings.TrimSpace(input.URL) == "" || strings.TrimSpace(input.Dir) == "" {
				return CloneRepositoryOutput{}, fmt.Errorf("clone_repository: url and dir are required")
			}
			creds, err := credential[sourceControlCredentials](ctx, r.store, KindSourceControl)
			if err != nil {
				return CloneRepositoryOutput{}, err
			}
			remote, err := authenticatedRemote(input.URL, creds)
			if err != nil {
				return CloneRepositoryOutput{}, fmt.Errorf("clone_repository: %w", err)
			}

			runCtx, cancel := withToolTimeout(ctx, 5*time.Minute)
			defer cancel()
			cmd := exec.CommandContext(runCtx, "git", "clone", "--depth", "1", remote, input.Dir)
			if out, err := cmd.CombinedOutput(); err != nil {
				return CloneRepositoryOutput{}, fmt.Errorf("clone_repository: %s", shared.Redact(string(out)))
			}

			r.logger.Info("repository cloned",
				"account_id", shared.AccountID(ctx),
				"execution_id", shared.ExecutionID(ctx),
				"dir", filepath.Base(input.Dir))
			return CloneRepositoryOutput{Status: "cloned", Dir: input.Dir}, nil
		},
	)

	push := genkit.DefineTool(g, "commit_and_push",
		"Stage all changes in a checkout, commit with the given message, and push to the default remote.",
		func(ctx *ai.ToolContext, input CommitAndPushInput) (CommitAndPushOutput, error) {
			if strings.TrimSpace(input.Dir) == "" || strings.TrimSpace(input.Message) == "" {
				return CommitAndPushOutput{}, fmt.Errorf("commit_and_push: dir and message are required")
			}
			// Credential presence gate; the remote already carries the token
			// from clone_repository.
			if _, err := credential[sourceControlCredentials](ctx, r.store, KindSourceControl); err != nil {
				return CommitAndPushOutput{}, err
			}

			runCtx, cancel := withToolTimeout(ctx, 2*time.Minute)
			defer cancel()
			var combined strings.Builder
			for _, args := range [][]string{
				{"add", "-A"},
				{"commit", "-m", input.Message},
				{"push"},
			} {
				cmd := exec.CommandContext(runCtx, "git", args...)
				cmd.Dir = input.Dir
				out, err := cmd.CombinedOutput()
				combined.Write(out)
				if err != nil {
					return CommitAndPushOutput{}, fmt.Errorf("commit_and_push: git %s: %s",
						args[0], shared.Redact(combined.String()))
				}
			}
			return CommitAndPushOutput{Status: "pushed", Output: shared.Redact(combined.String())}, nil
		},
	)

	return []ai.Tool{clone, push}
}

// authenticatedRemote embeds the token into an https remote URL.
func authenticatedRemote(raw string, creds sourceControlCredentials) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("only https remotes are supported, got %q", u.Scheme)
	}
	user := creds.Username
	if user == "" {
		user = "token"
	}
	u.User = url.UserPassword(user, creds.Token)
	return u.String(), nil
}
