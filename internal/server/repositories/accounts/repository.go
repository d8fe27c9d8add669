package accounts

import (
	"context"

	"github.com/dmvolov/exvault/internal/server/models"
)

// Repository is the storage contract for identity records. Mutating calls
// return the number of affected rows so callers can treat zero changes as a
// hard failure rather than silent success.
type Repository interface {
	Create(ctx context.Context, account *models.Account) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	// GetByIDForUpdate locks the row for the duration of the enclosing
	// transaction, serializing concurrent reconciliations of one group.
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error)
	GetByEmail(ctx context.Context, email string, subAccount bool) (*models.Account, error)
	ListByCredentialDigest(ctx context.Context, digest string) ([]*models.Account, error)
	ListByMaster(ctx context.Context, masterID int64) ([]*models.Account, error)
	UpdateProfile(ctx context.Context, id int64, profile *models.Profile) (int64, error)
	UpdateCredentials(ctx context.Context, id int64, apiKeyCipher, apiSecretCipher, passwordHash string) (int64, error)
	// UpdateActiveConditionally flips the active flag only when the row still
	// carries the expected value (optimistic update outside transactions).
	UpdateActiveConditionally(ctx context.Context, id int64, expected, active bool) (int64, error)
	Delete(ctx context.Context, id int64) (int64, error)
}
