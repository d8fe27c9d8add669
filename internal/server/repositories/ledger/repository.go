package ledger

import (
	"context"

	"github.com/dmvolov/exvault/internal/server/models"
)

// Repository maintains the derived-balance cache consumed by the sync
// pipeline. This core only reads rows and flips the recalculation flag.
type Repository interface {
	Get(ctx context.Context, accountID int64) (*models.LedgerCache, error)
	// Invalidate marks the account's cached balance as stale so the sync
	// pipeline recomputes it. Creates the row if it does not exist yet.
	Invalidate(ctx context.Context, accountID int64) error
}
