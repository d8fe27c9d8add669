package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/dbx"
	"github.com/dmvolov/exvault/internal/logging"
	"github.com/dmvolov/exvault/internal/server/models"
	"github.com/dmvolov/exvault/internal/server/repositories/accounts"
	"github.com/dmvolov/exvault/internal/server/repositories/ledger"
	"github.com/dmvolov/exvault/internal/server/repositories/subaccounts"
)

func newDiscardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// in-memory repository doubles shared by the service tests

type memAccountsRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.Account

	createErrOnDigest map[string]error
	failDeleteIDs     map[int64]bool
}

func newMemAccountsRepo() *memAccountsRepo {
	return &memAccountsRepo{
		rows:              make(map[int64]*models.Account),
		createErrOnDigest: make(map[string]error),
		failDeleteIDs:     make(map[int64]bool),
	}
}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	c.SubUsers = nil
	c.APIKey, c.APISecret, c.Password, c.EncryptedPassword = "", "", "", ""
	return &c
}

func (f *memAccountsRepo) Create(ctx context.Context, a *models.Account) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErrOnDigest[a.CredentialDigest]; err != nil {
		return 0, err
	}
	f.nextID++
	a.ID = f.nextID
	f.rows[a.ID] = cloneAccount(a)
	return a.ID, nil
}

func (f *memAccountsRepo) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneAccount(row), nil
}

func (f *memAccountsRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.Account, error) {
	return f.GetByID(ctx, id)
}

func (f *memAccountsRepo) GetByEmail(ctx context.Context, email string, subAccount bool) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.sorted() {
		if row.Email == email && row.IsSubAccount == subAccount && !row.IsSubUser {
			return cloneAccount(row), nil
		}
	}
	return nil, common.ErrNotFound
}

func (f *memAccountsRepo) ListByCredentialDigest(ctx context.Context, digest string) ([]*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Account
	for _, row := range f.sorted() {
		if row.CredentialDigest == digest {
			out = append(out, cloneAccount(row))
		}
	}
	return out, nil
}

func (f *memAccountsRepo) ListByMaster(ctx context.Context, masterID int64) ([]*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Account
	for _, row := range f.sorted() {
		if row.MasterID.Valid && row.MasterID.Int64 == masterID {
			out = append(out, cloneAccount(row))
		}
	}
	return out, nil
}

func (f *memAccountsRepo) UpdateProfile(ctx context.Context, id int64, p *models.Profile) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return 0, nil
	}
	row.ExternalID, row.Email, row.Username, row.Timezone = p.ExternalID, p.Email, p.Username, p.Timezone
	return 1, nil
}

func (f *memAccountsRepo) UpdateCredentials(ctx context.Context, id int64, keyCipher, secretCipher, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return 0, nil
	}
	row.APIKeyCipher, row.APISecretCipher, row.PasswordHash = keyCipher, secretCipher, hash
	return 1, nil
}

func (f *memAccountsRepo) UpdateActiveConditionally(ctx context.Context, id int64, expected, active bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.Active != expected {
		return 0, nil
	}
	row.Active = active
	return 1, nil
}

func (f *memAccountsRepo) Delete(ctx context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeleteIDs[id] {
		return 0, nil
	}
	if _, ok := f.rows[id]; !ok {
		return 0, nil
	}
	delete(f.rows, id)
	return 1, nil
}

func (f *memAccountsRepo) sorted() []*models.Account {
	ids := make([]int64, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*models.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.rows[id])
	}
	return out
}

type memLinksRepo struct {
	mu    sync.Mutex
	links []models.SubAccountLink
}

func newMemLinksRepo() *memLinksRepo { return &memLinksRepo{} }

func (f *memLinksRepo) Create(ctx context.Context, masterID, subID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.links {
		if l.MasterID == masterID && l.SubID == subID {
			return fmt.Errorf("duplicate link")
		}
	}
	f.links = append(f.links, models.SubAccountLink{MasterID: masterID, SubID: subID})
	return nil
}

func (f *memLinksRepo) ListByMaster(ctx context.Context, masterID int64) ([]models.SubAccountLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SubAccountLink
	for _, l := range f.links {
		if l.MasterID == masterID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *memLinksRepo) DeleteBySub(ctx context.Context, subID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.links {
		if l.SubID == subID {
			f.links = append(f.links[:i], f.links[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

type memLedgerRepo struct {
	mu            sync.Mutex
	invalidations map[int64]int
}

func newMemLedgerRepo() *memLedgerRepo {
	return &memLedgerRepo{invalidations: make(map[int64]int)}
}

func (f *memLedgerRepo) Get(ctx context.Context, accountID int64) (*models.LedgerCache, error) {
	return nil, common.ErrNotFound
}

func (f *memLedgerRepo) Invalidate(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations[accountID]++
	return nil
}

type fakeRepoManager struct {
	accounts *memAccountsRepo
	links    *memLinksRepo
	ledger   *memLedgerRepo
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Accounts(db dbx.DBTX) accounts.Repository { return m.accounts }
func (m *fakeRepoManager) SubAccounts(db dbx.DBTX) subaccounts.Repository { return m.links }
func (m *fakeRepoManager) Ledger(db dbx.DBTX) ledger.Repository { return m.ledger }

// fakeExchange resolves api keys to canned profiles.
type fakeExchange struct {
	profiles map[string]*models.Profile
}

func (f *fakeExchange) AccountInfo(ctx context.Context, apiKey, apiSecret string) (*models.Profile, error) {
	p, ok := f.profiles[apiKey]
	if !ok {
		return nil, fmt.Errorf("exchange: invalid credentials")
	}
	return p, nil
}
