package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Account is a tenant. Onboarding completes when the long-term context store
// is initialized; only onboarded accounts get strategic-decision cycles.
type Account struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	OnboardedAt        *time.Time `json:"onboarded_at,omitempty"`
	LastStrategicRunAt *time.Time `json:"last_strategic_run_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Document is one long-term context document for an account.
type Document struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountContext is the read-only view handed to the strategic cycle and to
// prompt builders.
type AccountContext struct {
	Documents         []Document `json:"documents"`
	ConnectedServices []string   `json:"connected_services"`
}

func (s *Store) CreateAccount(ctx context.Context, name string) (*Account, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO accounts (name) VALUES (?);`, name)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create account: last insert id: %w", err)
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	var a Account
	var onboarded, strategic sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, onboarded_at, last_strategic_run_at, created_at
		FROM accounts WHERE id = ?;
	`, accountID).Scan(&a.ID, &a.Name, &onboarded, &strategic, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d not found", accountID)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if onboarded.Valid {
		at := onboarded.Time
		a.OnboardedAt = &at
	}
	if strategic.Valid {
		at := strategic.Time
		a.LastStrategicRunAt = &at
	}
	return &a, nil
}

// ListOnboardedAccounts returns accounts whose context store is initialized.
// The strategic tick only considers these.
func (s *Store) ListOnboardedAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, onboarded_at, last_strategic_run_at, created_at
		FROM accounts WHERE onboarded_at IS NOT NULL ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list onboarded accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var onboarded, strategic sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &onboarded, &strategic, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if onboarded.Valid {
			at := onboarded.Time
			a.OnboardedAt = &at
		}
		if strategic.Valid {
			at := strategic.Time
			a.LastStrategicRunAt = &at
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account rows: %w", err)
	}
	return out, nil
}

// MarkOnboarded stamps the onboarding timestamp once; later calls are no-ops.
func (s *Store) MarkOnboarded(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET onboarded_at = COALESCE(onboarded_at, CURRENT_TIMESTAMP) WHERE id = ?;
	`, accountID)
	if err != nil {
		return fmt.Errorf("mark onboarded: %w", err)
	}
	return nil
}

// RecordStrategicRun stamps the account's last strategic-decision run.
func (s *Store) RecordStrategicRun(ctx context.Context, accountID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET last_strategic_run_at = ? WHERE id = ?;
	`, at, accountID)
	if err != nil {
		return fmt.Errorf("record strategic run: %w", err)
	}
	return nil
}

// AddAccountDocument appends a long-term context document.
func (s *Store) AddAccountDocument(ctx context.Context, accountID int64, title, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_documents (account_id, title, content) VALUES (?, ?, ?);
	`, accountID, title, content)
	if err != nil {
		return fmt.Errorf("add account document: %w", err)
	}
	return nil
}

// ConnectService records an external service connection for an account.
func (s *Store) ConnectService(ctx context.Context, accountID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_services (account_id, name) VALUES (?, ?)
		ON CONFLICT(account_id, name) DO NOTHING;
	`, accountID, name)
	if err != nil {
		return fmt.Errorf("connect service: %w", err)
	}
	return nil
}

// GetAccountContext returns the long-term documents and connected service
// names for an account.
func (s *Store) GetAccountContext(ctx context.Context, accountID int64) (*AccountContext, error) {
	out := &AccountContext{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, title, content, created_at
		FROM account_documents WHERE account_id = ? ORDER BY id ASC;
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("account documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.AccountID, &d.Title, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account document: %w", err)
		}
		out.Documents = append(out.Documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account document rows: %w", err)
	}

	svcRows, err := s.db.QueryContext(ctx, `
		SELECT name FROM account_services WHERE account_id = ? ORDER BY name ASC;
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("account services: %w", err)
	}
	defer svcRows.Close()
	for svcRows.Next() {
		var name string
		if err := svcRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan account service: %w", err)
		}
		out.ConnectedServices = append(out.ConnectedServices, name)
	}
	if err := svcRows.Err(); err != nil {
		return nil, fmt.Errorf("account service rows: %w", err)
	}
	return out, nil
}

// SetAdapterCredential stores (or replaces) the credential blob for one
// adapter kind on an account.
func (s *Store) SetAdapterCredential(ctx context.Context, accountID int64, adapter, secret string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_credentials (account_id, adapter, secret)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id, adapter) DO UPDATE SET secret = excluded.secret, updated_at = CURRENT_TIMESTAMP;
	`, accountID, adapter, secret)
	if err != nil {
		return fmt.Errorf("set adapter credential: %w", err)
	}
	return nil
}

// GetAdapterCredentials returns the adapter → secret map for an account.
// Absent adapters simply have no entry.
func (s *Store) GetAdapterCredentials(ctx context.Context, accountID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT adapter, secret FROM account_credentials WHERE account_id = ?;
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("adapter credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var adapter, secret string
		if err := rows.Scan(&adapter, &secret); err != nil {
			return nil, fmt.Errorf("scan adapter credential: %w", err)
		}
		out[adapter] = secret
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("adapter credential rows: %w", err)
	}
	return out, nil
}
