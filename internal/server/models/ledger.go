package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerCache is the per-account derived-balance cache row maintained by the
// sync pipeline. This core only flips NeedsRecalc when group membership
// changes; recomputation of SettledBalance happens elsewhere.
type LedgerCache struct {
	AccountID      int64
	SettledBalance decimal.Decimal
	NeedsRecalc    bool
	UpdatedAt      time.Time
}
