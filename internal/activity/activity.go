// Package activity is the user-facing feed of finished work. At most one
// entry is posted per execution; the dispatcher owns the posted flag.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/crewd/internal/persistence"
)

// Summary is one feed entry describing a finished execution.
type Summary struct {
	ExecutionID string
	Title       string
	Description string
	CostUSD     float64
	DurationMs  int64
}

// Entry is a persisted feed row.
type Entry struct {
	ID          int64     `json:"id"`
	AccountID   int64     `json:"account_id"`
	ExecutionID string    `json:"execution_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CostUSD     float64   `json:"cost_usd"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feed receives execution summaries. The store-backed implementation is the
// default; tests substitute their own.
type Feed interface {
	Post(ctx context.Context, accountID int64, s Summary) error
	List(ctx context.Context, accountID int64, limit int) ([]Entry, error)
}

// StoreFeed persists summaries in the activity_feed table.
type StoreFeed struct {
	store *persistence.Store
}

func NewStoreFeed(store *persistence.Store) *StoreFeed {
	return &StoreFeed{store: store}
}

func (f *StoreFeed) Post(ctx context.Context, accountID int64, s Summary) error {
	_, err := f.store.DB().ExecContext(ctx, `
		INSERT INTO activity_feed (account_id, execution_id, title, description, cost_usd, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?);
	`, accountID, s.ExecutionID, s.Title, s.Description, s.CostUSD, s.DurationMs)
	if err != nil {
		return fmt.Errorf("post activity: %w", err)
	}
	return nil
}

// List returns an account's feed, newest first.
func (f *StoreFeed) List(ctx context.Context, accountID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := f.store.DB().QueryContext(ctx, `
		SELECT id, account_id, execution_id, title, description, cost_usd, duration_ms, created_at
		FROM activity_feed WHERE account_id = ? ORDER BY id DESC LIMIT ?;
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ExecutionID, &e.Title,
			&e.Description, &e.CostUSD, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}
