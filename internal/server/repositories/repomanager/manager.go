package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmvolov/exvault/internal/dbx"
	"github.com/dmvolov/exvault/internal/server/repositories/accounts"
	"github.com/dmvolov/exvault/internal/server/repositories/ledger"
	"github.com/dmvolov/exvault/internal/server/repositories/subaccounts"
)

// RepositoryManager vends repositories bound to a DBTX, so services can route
// the same repository code through either the pooled connection or an open
// transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	SubAccounts(db dbx.DBTX) subaccounts.Repository
	Ledger(db dbx.DBTX) ledger.Repository
}
