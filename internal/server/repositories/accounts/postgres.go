// Package accounts provides a PostgreSQL-backed repository for identity
// records (regular principals, group aggregates and sub-users).
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/dbx"
	"github.com/dmvolov/exvault/internal/server/models"
)

const accountColumns = `id, external_id, email, username, timezone,
	api_key_cipher, api_secret_cipher, credential_digest, password_hash,
	active, is_data_from_db, is_sub_account, is_sub_user, master_id, created_at`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the account and returns the assigned surrogate key.
func (r *PostgresRepository) Create(ctx context.Context, account *models.Account) (int64, error) {
	query := `
		INSERT INTO accounts (external_id, email, username, timezone,
			api_key_cipher, api_secret_cipher, credential_digest, password_hash,
			active, is_data_from_db, is_sub_account, is_sub_user, master_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query,
		account.ExternalID, account.Email, account.Username, account.Timezone,
		account.APIKeyCipher, account.APISecretCipher, account.CredentialDigest, account.PasswordHash,
		account.Active, account.IsDataFromDB, account.IsSubAccount, account.IsSubUser, account.MasterID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail fetches the account with the given email. A master and its group
// aggregate share the email, so subAccount selects which side is wanted.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string, subAccount bool) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts
		WHERE email = $1 AND is_sub_account = $2 AND is_sub_user = FALSE`
	return r.scanOne(r.db.QueryRowContext(ctx, query, email, subAccount))
}

func (r *PostgresRepository) ListByCredentialDigest(ctx context.Context, digest string) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE credential_digest = $1 ORDER BY id`
	return r.list(ctx, query, digest)
}

func (r *PostgresRepository) ListByMaster(ctx context.Context, masterID int64) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE master_id = $1 ORDER BY id`
	return r.list(ctx, query, masterID)
}

// UpdateProfile refreshes the fields sourced from the upstream exchange
// lookup and returns the number of affected rows.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id int64, profile *models.Profile) (int64, error) {
	query := `
		UPDATE accounts
		SET external_id = $2, email = $3, username = $4, timezone = $5
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id,
		profile.ExternalID, profile.Email, profile.Username, profile.Timezone)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return rowsAffected(res)
}

// UpdateCredentials replaces the credential ciphers and password hash,
// e.g. when the vault password is re-derived during recovery.
func (r *PostgresRepository) UpdateCredentials(ctx context.Context, id int64, apiKeyCipher, apiSecretCipher, passwordHash string) (int64, error) {
	query := `
		UPDATE accounts
		SET api_key_cipher = $2, api_secret_cipher = $3, password_hash = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, apiKeyCipher, apiSecretCipher, passwordHash)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return rowsAffected(res)
}

// UpdateActiveConditionally applies the flag only if the row still matches
// the expected state, guarding against lost updates outside transactions.
func (r *PostgresRepository) UpdateActiveConditionally(ctx context.Context, id int64, expected, active bool) (int64, error) {
	query := `UPDATE accounts SET active = $3 WHERE id = $1 AND active = $2`
	res, err := r.db.ExecContext(ctx, query, id, expected, active)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return rowsAffected(res)
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return rowsAffected(res)
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.Account, error) {
	account := &models.Account{}
	err := row.Scan(
		&account.ID, &account.ExternalID, &account.Email, &account.Username, &account.Timezone,
		&account.APIKeyCipher, &account.APISecretCipher, &account.CredentialDigest, &account.PasswordHash,
		&account.Active, &account.IsDataFromDB, &account.IsSubAccount, &account.IsSubUser,
		&account.MasterID, &account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return account, nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Account
	for rows.Next() {
		account := &models.Account{}
		if err := rows.Scan(
			&account.ID, &account.ExternalID, &account.Email, &account.Username, &account.Timezone,
			&account.APIKeyCipher, &account.APISecretCipher, &account.CredentialDigest, &account.PasswordHash,
			&account.Active, &account.IsDataFromDB, &account.IsSubAccount, &account.IsSubUser,
			&account.MasterID, &account.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
