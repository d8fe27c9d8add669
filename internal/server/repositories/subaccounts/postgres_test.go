package subaccounts

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestCreate_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+sub_account_links\s*\(master_id,\s*sub_id\)\s+VALUES\s*\(\$1,\s*\$2\)`).
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Create(context.Background(), 1, 2); err != nil {
		t.Fatalf("Create error: %v", err)
	}
}

func TestCreate_DuplicatePair(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+sub_account_links`).
		WithArgs(int64(1), int64(2)).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	err := repo.Create(context.Background(), 1, 2)
	if err == nil || !regexp.MustCompile(`db error: .*duplicate key`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped constraint error, got %v", err)
	}
}

func TestListByMaster(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"master_id", "sub_id"}).
		AddRow(int64(1), int64(2)).
		AddRow(int64(1), int64(3))
	mock.ExpectQuery(`SELECT\s+master_id,\s*sub_id\s+FROM\s+sub_account_links\s+WHERE\s+master_id\s*=\s*\$1`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	got, err := repo.ListByMaster(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListByMaster error: %v", err)
	}
	if len(got) != 2 || got[0].SubID != 2 || got[1].SubID != 3 {
		t.Fatalf("unexpected listing: %+v", got)
	}
}

func TestDeleteBySub_ReportsAffectedRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE\s+FROM\s+sub_account_links\s+WHERE\s+sub_id\s*=\s*\$1`).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.DeleteBySub(context.Background(), 2)
	if err != nil {
		t.Fatalf("DeleteBySub error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one affected row, got %d", n)
	}
}

func TestDeleteBySub_ZeroRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE\s+FROM\s+sub_account_links`).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.DeleteBySub(context.Background(), 99)
	if err != nil {
		t.Fatalf("DeleteBySub error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero affected rows to surface, got %d", n)
	}
}
