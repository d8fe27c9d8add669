// Package ledger provides a PostgreSQL-backed repository for the per-account
// derived-balance cache.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/dbx"
	"github.com/dmvolov/exvault/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, accountID int64) (*models.LedgerCache, error) {
	query := `
		SELECT account_id, settled_balance, needs_recalc, updated_at
		FROM ledger_cache
		WHERE account_id = $1
	`
	cache := &models.LedgerCache{}
	err := r.db.QueryRowContext(ctx, query, accountID).
		Scan(&cache.AccountID, &cache.SettledBalance, &cache.NeedsRecalc, &cache.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cache, nil
}

func (r *PostgresRepository) Invalidate(ctx context.Context, accountID int64) error {
	query := `
		INSERT INTO ledger_cache (account_id, needs_recalc)
		VALUES ($1, TRUE)
		ON CONFLICT (account_id)
		DO UPDATE SET needs_recalc = TRUE, updated_at = now()
	`
	if _, err := r.db.ExecContext(ctx, query, accountID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
