// Package subaccounts provides a PostgreSQL-backed repository for the
// (master, sub) membership rows of sub-account groups.
package subaccounts

import (
	"context"
	"database/sql"
	"fmt"

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

// Create inserts a membership row. The pair is the primary key, so a
// duplicate insert fails at the constraint.
func (r *PostgresRepository) Create(ctx context.Context, masterID, subID int64) error {
	query := `INSERT INTO sub_account_links (master_id, sub_id) VALUES ($1, $2)`
	if _, err := r.db.ExecContext(ctx, query, masterID, subID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByMaster(ctx context.Context, masterID int64) ([]models.SubAccountLink, error) {
	query := `SELECT master_id, sub_id FROM sub_account_links WHERE master_id = $1 ORDER BY sub_id`
	rows, err := r.db.QueryContext(ctx, query, masterID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var links []models.SubAccountLink
	for rows.Next() {
		var link models.SubAccountLink
		if err := rows.Scan(&link.MasterID, &link.SubID); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return links, nil
}

// DeleteBySub removes the membership row of one sub-identity and returns the
// number of affected rows.
func (r *PostgresRepository) DeleteBySub(ctx context.Context, subID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sub_account_links WHERE sub_id = $1`, subID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
