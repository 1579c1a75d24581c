// Package session makes a module's repeated runs behave like one long-lived
// conversation: a durable resume id plus a stable working directory, both
// first-write-wins so a module can never drift onto a different identity
// without an explicit reset.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/crewd/internal/persistence"
)

// Manager resolves and commits session continuity for workers.
type Manager struct {
	store   *persistence.Store
	baseDir string
}

// Continuity is what a dispatch needs to resume where the last run left off.
type Continuity struct {
	WorkspacePath   string
	ResumeSessionID string
}

func NewManager(store *persistence.Store, baseDir string) *Manager {
	return &Manager{store: store, baseDir: baseDir}
}

// Resolve returns the workspace path and resume id for a module. The
// workspace is keyed by module id and created on first use; the path is
// committed back onto the worker record so it survives restarts.
func (m *Manager) Resolve(ctx context.Context, w *persistence.Worker) (Continuity, error) {
	if !w.IsModule() {
		return Continuity{}, fmt.Errorf("resolve continuity: worker %d is not a module", w.ID)
	}

	path := ""
	if w.WorkspacePath != nil && *w.WorkspacePath != "" {
		path = *w.WorkspacePath
	} else {
		path = filepath.Join(m.baseDir, "modules", fmt.Sprintf("module-%d", w.ID))
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Continuity{}, fmt.Errorf("create module workspace: %w", err)
	}
	if w.WorkspacePath == nil {
		if err := m.store.CommitWorkspacePath(ctx, w.ID, path); err != nil {
			return Continuity{}, err
		}
	}

	c := Continuity{WorkspacePath: path}
	if w.SessionID != nil {
		c.ResumeSessionID = *w.SessionID
	}
	return c, nil
}

// EphemeralWorkspace creates a fresh directory keyed by execution id for
// agents and other one-off runs. The returned cleanup removes it.
func (m *Manager) EphemeralWorkspace(executionID string) (string, func(), error) {
	path := filepath.Join(m.baseDir, "runs", executionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", nil, fmt.Errorf("create ephemeral workspace: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(path) }
	return path, cleanup, nil
}

// Commit persists the session id the runtime returned. First write wins: if
// the module already has a session id this is a no-op, even when the runtime
// handed back a different one.
func (m *Manager) Commit(ctx context.Context, workerID int64, newSessionID string) error {
	if strings.TrimSpace(newSessionID) == "" {
		return nil
	}
	return m.store.CommitSessionID(ctx, workerID, newSessionID)
}

// Reset is the explicit operation that clears a module's session id and
// workspace pointer. Files on disk are left in place for inspection.
func (m *Manager) Reset(ctx context.Context, workerID int64) error {
	return m.store.ResetSession(ctx, workerID)
}
