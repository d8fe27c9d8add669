// Package exchange defines the contract for the upstream exchange account
// lookup. The vault consumes it to validate raw credentials and to source
// profile fields; the full trading client lives outside this service.
package exchange

import (
	"context"

	"github.com/dmvolov/exvault/internal/server/models"
)

// Client resolves a raw credential pair to the exchange's account profile.
// Implementations must fail when the credentials are not valid upstream.
type Client interface {
	AccountInfo(ctx context.Context, apiKey, apiSecret string) (*models.Profile, error)
}
