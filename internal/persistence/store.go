// Package persistence is the single SQLite-backed store for accounts,
// workers, tasks and the execution ledger. All task status transitions go
// through here so the state machine's guarantees hold under concurrency:
// every mutation is a single guarded statement.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/crewd/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewd", "crewd.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the audit sink.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Bus returns the event bus, or nil if not configured.
func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("configure pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		onboarded_at TIMESTAMP,
		last_strategic_run_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS account_documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS account_services (
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, name)
	);

	CREATE TABLE IF NOT EXISTS account_credentials (
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		adapter TEXT NOT NULL,
		secret TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, adapter)
	);

	CREATE TABLE IF NOT EXISTS workers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL CHECK (kind IN ('module', 'agent')),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL DEFAULT '',
		tools TEXT NOT NULL DEFAULT '',
		max_turns INTEGER NOT NULL DEFAULT 25,
		model TEXT NOT NULL DEFAULT '',
		frequency TEXT,
		cron_expr TEXT,
		session_id TEXT,
		workspace_path TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		suggestion_reasoning TEXT NOT NULL DEFAULT '',
		approval_reasoning TEXT NOT NULL DEFAULT '',
		rejection_reasoning TEXT NOT NULL DEFAULT '',
		blocked_reason TEXT NOT NULL DEFAULT '',
		completion_summary TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'suggested',
		priority INTEGER NOT NULL DEFAULT 0,
		assigned_module_id INTEGER REFERENCES workers(id),
		assigned_agent_id INTEGER REFERENCES workers(id),
		last_status_change_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		approved_at TIMESTAMP,
		started_at TIMESTAMP,
		blocked_at TIMESTAMP,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_account_status ON tasks(account_id, status);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		worker_id INTEGER NOT NULL REFERENCES workers(id),
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		task_id INTEGER REFERENCES tasks(id),
		trigger_type TEXT NOT NULL CHECK (trigger_type IN ('manual', 'scheduled', 'auto')),
		status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running', 'completed', 'failed')),
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		num_turns INTEGER NOT NULL DEFAULT 0,
		resumed_session INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		summary_posted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_worker_started ON executions(worker_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_account ON executions(account_id);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL REFERENCES executions(id),
		level TEXT NOT NULL DEFAULT 'info',
		stage TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs(execution_id);

	CREATE TABLE IF NOT EXISTS activity_feed (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id),
		execution_id TEXT REFERENCES executions(id),
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
