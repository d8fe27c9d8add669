package subaccounts

import (
	"context"

	"github.com/dmvolov/exvault/internal/server/models"
)

// Repository manages group-membership link rows.
type Repository interface {
	Create(ctx context.Context, masterID, subID int64) error
	ListByMaster(ctx context.Context, masterID int64) ([]models.SubAccountLink, error)
	DeleteBySub(ctx context.Context, subID int64) (int64, error)
}
