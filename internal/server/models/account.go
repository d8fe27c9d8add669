package models

import (
	"database/sql"
	"time"
)

// Account is a stored identity record, either a regular principal, a
// sub-account group aggregate (IsSubAccount) or a group member (IsSubUser).
//
// APIKeyCipher and APISecretCipher hold the exchange credentials encrypted
// under the account's vault password and are the only form ever persisted.
// CredentialDigest is a deterministic fingerprint of the plaintext pair used
// for uniqueness lookups and group diffing, since the ciphertexts are salted.
type Account struct {
	ID               int64
	ExternalID       string
	Email            string
	Username         string
	Timezone         string
	APIKeyCipher     string
	APISecretCipher  string
	CredentialDigest string
	PasswordHash     string
	Active           bool
	IsDataFromDB     bool
	IsSubAccount     bool
	IsSubUser        bool
	MasterID         sql.NullInt64
	CreatedAt        time.Time

	// Transient fields, populated only when the caller asked for decrypted
	// material. Never written to storage. EncryptedPassword is the vault
	// password encrypted under the process secret, ready for token embedding.
	APIKey            string
	APISecret         string
	Password          string
	EncryptedPassword string

	// SubUsers holds the group members when this account is a group
	// aggregate and the caller asked for them.
	SubUsers []*Account
}

// Profile is the upstream exchange's view of an account, fetched during
// registration and sign-in.
type Profile struct {
	ExternalID string
	Email      string
	Username   string
	Timezone   string
}

// SubAccountLink records group membership: one row per (master, sub) pair.
type SubAccountLink struct {
	MasterID int64
	SubID    int64
}
