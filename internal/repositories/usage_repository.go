package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// UsageRepository persists cumulative token usage per key slot.
type UsageRepository interface {
	AddUsage(ctx context.Context, keyIndex int, tokens int) error
	ListUsage(ctx context.Context) (map[int]int64, error)
}

// UsageRepo is a sqlx-backed implementation.
type UsageRepo struct {
	db *sqlx.DB
}

// NewUsageRepo constructs a UsageRepo.
func NewUsageRepo(db *sqlx.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// AddUsage increments the counter for keyIndex.
func (r *UsageRepo) AddUsage(ctx context.Context, keyIndex int, tokens int) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO key_usage (key_index, tokens) VALUES ($1, $2)
        ON CONFLICT (key_index) DO UPDATE SET tokens = key_usage.tokens + EXCLUDED.tokens`, keyIndex, tokens)
	return err
}

// ListUsage returns every counter.
func (r *UsageRepo) ListUsage(ctx context.Context) (map[int]int64, error) {
	var rows []struct {
		KeyIndex int   `db:"key_index"`
		Tokens   int64 `db:"tokens"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT key_index, tokens FROM key_usage`); err != nil {
		return nil, err
	}
	usage := make(map[int]int64, len(rows))
	for _, row := range rows {
		usage[row.KeyIndex] = row.Tokens
	}
	return usage, nil
}
