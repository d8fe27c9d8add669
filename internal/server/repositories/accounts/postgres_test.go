package accounts

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/server/models"
)

var accountRows = []string{
	"id", "external_id", "email", "username", "timezone",
	"api_key_cipher", "api_secret_cipher", "credential_digest", "password_hash",
	"active", "is_data_from_db", "is_sub_account", "is_sub_user", "master_id", "created_at",
}

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

	rows := sqlmock.NewRows([]string{"id"}).AddRow(int64(42))
	mock.ExpectQuery(`(?s)^\s*INSERT\s+INTO\s+accounts\s*\(.*\)\s*VALUES\s*\(.*\)\s*RETURNING\s+id\s*$`).
		WillReturnRows(rows)

	id, err := repo.Create(context.Background(), &models.Account{Email: "a@b.c", Active: true})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if id != 42 {
		t.Fatalf("unexpected id: %d", id)
	}
}

func TestCreate_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT\s+INTO\s+accounts`).
		WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.Account{Email: "a@b.c"})
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestGetByID_Found(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(accountRows).AddRow(
		int64(7), "ext-7", "a@b.c", "alice", "UTC",
		"kc", "sc", "digest", "hash",
		true, true, false, false, nil, time.Now(),
	)
	mock.ExpectQuery(`SELECT\s+.*FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1\s*$`).
		WithArgs(int64(7)).
		WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.ID != 7 || got.Email != "a@b.c" || got.IsSubAccount {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestGetByEmail_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT\s+.*FROM\s+accounts`).
		WithArgs("ghost@b.c", false).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByEmail(context.Background(), "ghost@b.c", false)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected common.ErrNotFound, got %v", err)
	}
}

func TestGetByIDForUpdate_LocksRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(accountRows).AddRow(
		int64(9), "", "g@b.c", "", "",
		"kc", "sc", "digest", "hash",
		true, true, true, false, nil, time.Now(),
	)
	mock.ExpectQuery(`SELECT\s+.*FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1\s+FOR\s+UPDATE`).
		WithArgs(int64(9)).
		WillReturnRows(rows)

	got, err := repo.GetByIDForUpdate(context.Background(), 9)
	if err != nil {
		t.Fatalf("GetByIDForUpdate error: %v", err)
	}
	if !got.IsSubAccount {
		t.Fatalf("expected sub-account aggregate, got %+v", got)
	}
}

func TestUpdateProfile_ReportsAffectedRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+accounts\s+SET\s+external_id`).
		WithArgs(int64(5), "ext", "a@b.c", "alice", "UTC").
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.UpdateProfile(context.Background(), 5,
		&models.Profile{ExternalID: "ext", Email: "a@b.c", Username: "alice", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("UpdateProfile error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero affected rows to surface, got %d", n)
	}
}

func TestUpdateActiveConditionally(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE\s+accounts\s+SET\s+active\s*=\s*\$3\s+WHERE\s+id\s*=\s*\$1\s+AND\s+active\s*=\s*\$2`).
		WithArgs(int64(5), true, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.UpdateActiveConditionally(context.Background(), 5, true, false)
	if err != nil {
		t.Fatalf("UpdateActiveConditionally error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one affected row, got %d", n)
	}
}

func TestDelete_ZeroRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`DELETE\s+FROM\s+accounts\s+WHERE\s+id\s*=\s*\$1`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.Delete(context.Background(), 11)
	if err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero affected rows to surface, got %d", n)
	}
}

func TestListByMaster(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(accountRows).
		AddRow(int64(2), "", "s1@b.c", "", "", "kc1", "sc1", "d1", "h", true, true, false, true, int64(1), time.Now()).
		AddRow(int64(3), "", "s2@b.c", "", "", "kc2", "sc2", "d2", "h", true, true, false, true, int64(1), time.Now())
	mock.ExpectQuery(`SELECT\s+.*FROM\s+accounts\s+WHERE\s+master_id\s*=\s*\$1`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	got, err := repo.ListByMaster(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListByMaster error: %v", err)
	}
	if len(got) != 2 || !got[0].IsSubUser || got[1].MasterID.Int64 != 1 {
		t.Fatalf("unexpected listing: %+v", got)
	}
}
