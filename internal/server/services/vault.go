// Package services contains the server-side business logic: VaultService,
// the single source of truth for turning caller-supplied secrets into a
// verified identity, and SubAccountService, which manages sub-account groups
// as transactional units.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode"

	"github.com/dmvolov/exvault/internal/auth"
	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/cryptox"
	"github.com/dmvolov/exvault/internal/dbx"
	"github.com/dmvolov/exvault/internal/logging"
	"github.com/dmvolov/exvault/internal/server/config"
	"github.com/dmvolov/exvault/internal/server/exchange"
	"github.com/dmvolov/exvault/internal/server/models"
	"github.com/dmvolov/exvault/internal/server/repositories/repomanager"
	"github.com/dmvolov/exvault/internal/server/session"
	"golang.org/x/sync/errgroup"
)

// PasswordPolicy is the minimum-strength policy applied on registration and
// password recovery.
type PasswordPolicy struct {
	MinLength        int
	RequireMixedCase bool
	RequireDigit     bool
}

// Validate rejects passwords that fail the policy.
func (p PasswordPolicy) Validate(password string) error {
	if len(password) < p.MinLength {
		return fmt.Errorf("password shorter than %d characters: %w", p.MinLength, common.ErrUnauthorized)
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if p.RequireMixedCase && (!hasUpper || !hasLower) {
		return fmt.Errorf("password needs both upper and lower case letters: %w", common.ErrUnauthorized)
	}
	if p.RequireDigit && !hasDigit {
		return fmt.Errorf("password needs at least one digit: %w", common.ErrUnauthorized)
	}
	return nil
}

// AuthOptions tune how an authentication call resolves the identity.
type AuthOptions struct {
	// Decrypt substitutes plaintext credentials into the returned accounts.
	Decrypt bool
	// WithSubUsers loads group members when the identity is a group aggregate.
	WithSubUsers bool
	// SubAccount makes the email lookup target the group aggregate instead
	// of the regular identity sharing the same email.
	SubAccount bool
	// SubPasswords supplies per-account vault passwords for decryption when
	// group members are not all keyed by the caller's password.
	SubPasswords map[int64]string
}

// RegisterRequest describes one identity to create. Profile may be left nil
// for plain registrations, in which case it is fetched from the upstream
// exchange lookup.
type RegisterRequest struct {
	APIKey       string
	APISecret    string
	Password     string
	Profile      *models.Profile
	IsSubAccount bool
	IsSubUser    bool
	MasterID     int64
}

// VaultService owns password-based credential encryption, one-way password
// verification, session-token issuance/verification and the session cache.
type VaultService struct {
	db            *sql.DB
	repos         repomanager.RepositoryManager
	exchange      exchange.Client
	sessions      *session.Store
	logger        logging.Logger
	jwtSecret     []byte
	tokenValidity time.Duration
	processSecret string
	policy        PasswordPolicy
}

// NewVaultService constructs a VaultService. The process secret used to
// encrypt token-embedded passwords is generated here and lives for the
// process lifetime; tokens themselves remain valid across restarts because
// they are verified against the configured signing key and the stored hash.
func NewVaultService(db *sql.DB, m repomanager.RepositoryManager, ex exchange.Client,
	sessions *session.Store, logger logging.Logger, cfg *config.Config) (*VaultService, error) {

	processSecret, err := cryptox.NewProcessSecret()
	if err != nil {
		return nil, fmt.Errorf("generating process secret: %w", err)
	}

	return &VaultService{
		db:            db,
		repos:         m,
		exchange:      ex,
		sessions:      sessions,
		logger:        logger,
		jwtSecret:     []byte(cfg.SecretKey),
		tokenValidity: cfg.TokenValidityDuration,
		processSecret: processSecret,
		policy: PasswordPolicy{
			MinLength:        cfg.PasswordMinLength,
			RequireMixedCase: cfg.PasswordRequireMixedCase,
			RequireDigit:     cfg.PasswordRequireDigit,
		},
	}, nil
}

// ValidatePassword applies the configured password policy.
func (s *VaultService) ValidatePassword(password string) error {
	return s.policy.Validate(password)
}

// Register creates a new regular identity from raw exchange credentials,
// issues a session token and caches the session.
func (s *VaultService) Register(ctx context.Context, apiKey, apiSecret, password string) (*models.Account, string, error) {
	account, err := s.RegisterAccount(ctx, s.db, RegisterRequest{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Password:  password,
	})
	if err != nil {
		return nil, "", err
	}

	token, err := s.IssueToken(models.TokenPayload{
		AccountID:         account.ID,
		Email:             account.Email,
		EncryptedPassword: account.EncryptedPassword,
	})
	if err != nil {
		return nil, "", err
	}

	s.sessions.Put(&models.Session{AccountID: account.ID, Email: account.Email, Token: token})
	s.logger.Info(ctx, "account registered", "account_id", account.ID)
	return account, token, nil
}

// RegisterAccount creates one identity row through the given DBTX, so the
// reconciler can route it into an open transaction. It encrypts both
// credentials, the token-embeddable password and the password hash
// concurrently, inserts the row and re-reads it by the returned key: an
// insert whose row cannot be independently observed fails the whole call.
func (s *VaultService) RegisterAccount(ctx context.Context, db dbx.DBTX, req RegisterRequest) (*models.Account, error) {
	plain := !req.IsSubAccount && !req.IsSubUser

	if plain {
		if err := s.policy.Validate(req.Password); err != nil {
			return nil, err
		}
	}
	if req.APIKey == "" || req.APISecret == "" || req.Password == "" {
		return nil, fmt.Errorf("missing credentials or password: %w", common.ErrUnauthorized)
	}

	profile := req.Profile
	if profile == nil {
		var err error
		profile, err = s.exchange.AccountInfo(ctx, req.APIKey, req.APISecret)
		if err != nil {
			return nil, fmt.Errorf("upstream rejected credentials: %w", common.ErrUnauthorized)
		}
	}

	repo := s.repos.Accounts(db)
	digest := cryptox.Fingerprint(req.APIKey, req.APISecret)

	if plain {
		existing, err := repo.ListByCredentialDigest(ctx, digest)
		if err != nil {
			return nil, fmt.Errorf("credential lookup: %w", common.ErrInternal)
		}
		for _, e := range existing {
			if e.IsSubUser {
				return nil, fmt.Errorf("credential pair belongs to an existing sub-account group: %w", common.ErrUnauthorized)
			}
			if !e.IsSubAccount {
				return nil, fmt.Errorf("credential pair already registered: %w", common.ErrUnauthorized)
			}
		}
	}

	var keyCipher, secretCipher, encPassword, passwordHash string
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		keyCipher, err = cryptox.EncryptString(req.APIKey, req.Password)
		return err
	})
	g.Go(func() error {
		var err error
		secretCipher, err = cryptox.EncryptString(req.APISecret, req.Password)
		return err
	})
	g.Go(func() error {
		var err error
		encPassword, err = cryptox.EncryptString(req.Password, s.processSecret)
		return err
	})
	g.Go(func() error {
		var err error
		passwordHash, err = cryptox.HashPassword(req.Password)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("encrypting credentials: %w", common.ErrInternal)
	}

	account := &models.Account{
		ExternalID:       profile.ExternalID,
		Email:            profile.Email,
		Username:         profile.Username,
		Timezone:         profile.Timezone,
		APIKeyCipher:     keyCipher,
		APISecretCipher:  secretCipher,
		CredentialDigest: digest,
		PasswordHash:     passwordHash,
		Active:           true,
		IsDataFromDB:     true,
		IsSubAccount:     req.IsSubAccount,
		IsSubUser:        req.IsSubUser,
	}
	if req.MasterID != 0 {
		account.MasterID = sql.NullInt64{Int64: req.MasterID, Valid: true}
	}

	id, err := repo.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	created, err := repo.GetByID(ctx, id)
	if err != nil || created.ID <= 0 {
		return nil, fmt.Errorf("inserted account %d not observable on re-read: %w", id, common.ErrUnauthorized)
	}

	created.APIKey = req.APIKey
	created.APISecret = req.APISecret
	created.Password = req.Password
	created.EncryptedPassword = encPassword
	return created, nil
}

// AuthenticateByPassword resolves {email, password} to a verified identity.
func (s *VaultService) AuthenticateByPassword(ctx context.Context, email, password string, opts AuthOptions) (*models.Account, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("missing email or password: %w", common.ErrUnauthorized)
	}

	repo := s.repos.Accounts(s.db)
	account, err := repo.GetByEmail(ctx, email, opts.SubAccount)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("unknown account: %w", common.ErrUnauthorized)
		}
		return nil, fmt.Errorf("account lookup: %w", common.ErrInternal)
	}
	if !cryptox.VerifyPassword(password, account.PasswordHash) {
		return nil, fmt.Errorf("password mismatch: %w", common.ErrUnauthorized)
	}

	account.Password = password
	return s.finishAuthentication(ctx, account, password, opts)
}

// AuthenticateByToken resolves a portable session token to a verified
// identity. The password recovered from the token is re-verified against the
// stored hash, so a forged or stale token pointing at a row whose password
// has changed is rejected.
func (s *VaultService) AuthenticateByToken(ctx context.Context, token string, opts AuthOptions) (*models.Account, error) {
	claims, err := auth.ParseToken(token, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("token verification: %w", common.ErrUnauthorized)
	}
	if claims.EncryptedPassword == "" {
		return nil, fmt.Errorf("token carries no password reference: %w", common.ErrUnauthorized)
	}

	password, err := cryptox.DecryptString(claims.EncryptedPassword, s.processSecret)
	if err != nil {
		return nil, fmt.Errorf("token password unrecoverable: %w", common.ErrUnauthorized)
	}

	repo := s.repos.Accounts(s.db)
	account, err := repo.GetByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("token references an unknown account: %w", common.ErrUnauthorized)
		}
		return nil, fmt.Errorf("account lookup: %w", common.ErrInternal)
	}
	if !cryptox.VerifyPassword(password, account.PasswordHash) {
		return nil, fmt.Errorf("password changed since token was issued: %w", common.ErrUnauthorized)
	}

	account.Password = password
	return s.finishAuthentication(ctx, account, password, opts)
}

func (s *VaultService) finishAuthentication(ctx context.Context, account *models.Account, password string, opts AuthOptions) (*models.Account, error) {
	if opts.WithSubUsers && account.IsSubAccount {
		subs, err := s.repos.Accounts(s.db).ListByMaster(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("loading group members: %w", common.ErrInternal)
		}
		account.SubUsers = subs
	}
	if opts.Decrypt {
		targets := append([]*models.Account{account}, account.SubUsers...)
		if err := s.DecryptCredentials(ctx, password, targets, opts.SubPasswords); err != nil {
			return nil, err
		}
	}
	return account, nil
}

// DecryptCredentials substitutes plaintext credentials into the given
// accounts, decrypting every account concurrently. Each account is keyed by
// password unless perAccount supplies its own.
func (s *VaultService) DecryptCredentials(ctx context.Context, password string, accounts []*models.Account, perAccount map[int64]string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, account := range accounts {
		pw := password
		if p, ok := perAccount[account.ID]; ok {
			pw = p
		}
		g.Go(func() error {
			apiKey, err := cryptox.DecryptString(account.APIKeyCipher, pw)
			if err != nil {
				return fmt.Errorf("decrypting api key of account %d: %w", account.ID, common.ErrUnauthorized)
			}
			apiSecret, err := cryptox.DecryptString(account.APISecretCipher, pw)
			if err != nil {
				return fmt.Errorf("decrypting api secret of account %d: %w", account.ID, common.ErrUnauthorized)
			}
			account.APIKey = apiKey
			account.APISecret = apiSecret
			if account.Password == "" {
				account.Password = pw
			}
			return nil
		})
	}
	return g.Wait()
}

// encryptCredentialSet produces fresh ciphers and a password hash for a
// credential pair under the given vault password, running the three
// operations concurrently. Used when a group's vault password is re-derived.
func (s *VaultService) encryptCredentialSet(ctx context.Context, apiKey, apiSecret, password string) (keyCipher, secretCipher, passwordHash string, err error) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var gerr error
		keyCipher, gerr = cryptox.EncryptString(apiKey, password)
		return gerr
	})
	g.Go(func() error {
		var gerr error
		secretCipher, gerr = cryptox.EncryptString(apiSecret, password)
		return gerr
	})
	g.Go(func() error {
		var gerr error
		passwordHash, gerr = cryptox.HashPassword(password)
		return gerr
	})
	if werr := g.Wait(); werr != nil {
		return "", "", "", fmt.Errorf("encrypting credentials: %w", common.ErrInternal)
	}
	return keyCipher, secretCipher, passwordHash, nil
}

// SignIn authenticates by password, refreshes the profile from the upstream
// exchange and re-issues the session token.
func (s *VaultService) SignIn(ctx context.Context, email, password string) (*models.Account, string, error) {
	account, err := s.AuthenticateByPassword(ctx, email, password, AuthOptions{Decrypt: true, WithSubUsers: true})
	if err != nil {
		return nil, "", err
	}

	profile, err := s.exchange.AccountInfo(ctx, account.APIKey, account.APISecret)
	if err != nil {
		return nil, "", fmt.Errorf("upstream rejected stored credentials: %w", common.ErrUnauthorized)
	}

	token, err := s.RefreshOnSignIn(ctx, account, profile)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// RefreshOnSignIn updates the profile fields sourced from the upstream
// lookup, re-issues the token and refreshes the session cache. A zero-row
// update means the row vanished and is surfaced as an authentication error.
func (s *VaultService) RefreshOnSignIn(ctx context.Context, account *models.Account, profile *models.Profile) (string, error) {
	n, err := s.repos.Accounts(s.db).UpdateProfile(ctx, account.ID, profile)
	if err != nil {
		return "", fmt.Errorf("profile refresh: %w", common.ErrInternal)
	}
	if n == 0 {
		return "", fmt.Errorf("sign-in profile refresh touched no rows: %w", common.ErrUnauthorized)
	}

	account.ExternalID = profile.ExternalID
	account.Email = profile.Email
	account.Username = profile.Username
	account.Timezone = profile.Timezone

	token, err := s.IssueToken(models.TokenPayload{
		AccountID:         account.ID,
		Email:             account.Email,
		Password:          account.Password,
		EncryptedPassword: account.EncryptedPassword,
	})
	if err != nil {
		return "", err
	}

	s.sessions.Put(&models.Session{AccountID: account.ID, Email: account.Email, Token: token})
	return token, nil
}

// Deactivate signs the account out: flips active to false with an optimistic
// update and drops the cached session. Zero affected rows is an error.
func (s *VaultService) Deactivate(ctx context.Context, account *models.Account) error {
	n, err := s.repos.Accounts(s.db).UpdateActiveConditionally(ctx, account.ID, true, false)
	if err != nil {
		return fmt.Errorf("deactivating account: %w", common.ErrInternal)
	}
	if n == 0 {
		return fmt.Errorf("account %d already inactive or missing: %w", account.ID, common.ErrUnauthorized)
	}
	s.sessions.Remove(account.ID)
	return nil
}

// IssueToken produces exactly one signed token from the payload, or forwards
// a previously issued token unchanged. See models.TokenPayload for the
// accepted shapes.
func (s *VaultService) IssueToken(payload models.TokenPayload) (string, error) {
	if payload.Email != "" {
		encrypted := payload.EncryptedPassword
		if encrypted == "" {
			if payload.Password == "" {
				return "", fmt.Errorf("token payload carries no password material: %w", common.ErrUnauthorized)
			}
			var err error
			encrypted, err = cryptox.EncryptString(payload.Password, s.processSecret)
			if err != nil {
				return "", fmt.Errorf("encrypting token password: %w", common.ErrInternal)
			}
		}
		return auth.GenerateToken(payload.AccountID, payload.Email, encrypted, s.jwtSecret, s.tokenValidity)
	}
	if payload.JWT != "" {
		return payload.JWT, nil
	}
	return "", fmt.Errorf("token payload carries neither an email nor a forwardable token: %w", common.ErrUnauthorized)
}

// PutSession stores or overwrites the session entry for an account.
func (s *VaultService) PutSession(sess *models.Session) {
	s.sessions.Put(sess)
}

// GetSession returns the cached session for an account. With resolveLive the
// cached token is re-verified and the fresh identity is returned alongside.
func (s *VaultService) GetSession(ctx context.Context, accountID int64, resolveLive bool) (*models.Session, *models.Account, error) {
	sess, ok := s.sessions.Get(accountID)
	if !ok {
		return nil, nil, common.ErrNotFound
	}
	if !resolveLive {
		return sess, nil, nil
	}
	account, err := s.AuthenticateByToken(ctx, sess.Token, AuthOptions{})
	if err != nil {
		return nil, nil, err
	}
	return sess, account, nil
}

// ListSessions returns all cached sessions in cache key order. With
// resolveLive every entry is re-verified concurrently; the returned account
// slice is index-aligned with the session slice.
func (s *VaultService) ListSessions(ctx context.Context, resolveLive bool) ([]*models.Session, []*models.Account, error) {
	sessions := s.sessions.List()
	if !resolveLive {
		return sessions, nil, nil
	}

	accounts := make([]*models.Account, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	for i, sess := range sessions {
		g.Go(func() error {
			account, err := s.AuthenticateByToken(gctx, sess.Token, AuthOptions{})
			if err != nil {
				return err
			}
			accounts[i] = account
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return sessions, accounts, nil
}

// RemoveSession drops the cached session for an account.
func (s *VaultService) RemoveSession(accountID int64) {
	s.sessions.Remove(accountID)
}
