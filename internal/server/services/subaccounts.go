package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/cryptox"
	"github.com/dmvolov/exvault/internal/dbx"
	"github.com/dmvolov/exvault/internal/logging"
	"github.com/dmvolov/exvault/internal/server/exchange"
	"github.com/dmvolov/exvault/internal/server/models"
	"github.com/dmvolov/exvault/internal/server/repositories/accounts"
	"github.com/dmvolov/exvault/internal/server/repositories/repomanager"
	"github.com/dmvolov/exvault/internal/server/session"
)

// AuthRequest identifies the caller by exactly one of password or token.
type AuthRequest struct {
	Email    string
	Password string
	Token    string
}

// SubCredential names one desired group member, either as a raw credential
// pair or as a reference to an existing identity (email+password or token)
// that is authenticated independently before its credentials are used.
type SubCredential struct {
	APIKey    string
	APISecret string
	Email     string
	Password  string
	Token     string
}

// RecoverRequest re-derives a group's vault password. The caller proves
// possession by presenting the aggregate's raw credential pair; Subs name
// the group members to re-key, each by its raw pair.
type RecoverRequest struct {
	Email       string
	APIKey      string
	APISecret   string
	NewPassword string
	Subs        []SubCredential
}

// SubAccountService manages the set of sub-identities linked under one
// master identity as a single consistent, transactional group.
type SubAccountService struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	vault    *VaultService
	exchange exchange.Client
	sessions *session.Store
	logger   logging.Logger
}

// NewSubAccountService constructs a SubAccountService on top of the vault.
func NewSubAccountService(db *sql.DB, m repomanager.RepositoryManager, vault *VaultService,
	ex exchange.Client, sessions *session.Store, logger logging.Logger) *SubAccountService {
	return &SubAccountService{
		db:       db,
		repos:    m,
		vault:    vault,
		exchange: ex,
		sessions: sessions,
		logger:   logger,
	}
}

// CreateGroup registers a group aggregate for the verified master plus one
// sub-identity per distinct desired credential pair, the master itself always
// implicitly last. The whole group commits in one transaction; on any failure
// no identity or link row from this call is visible.
func (s *SubAccountService) CreateGroup(ctx context.Context, auth AuthRequest, desired []SubCredential) (*models.Account, string, error) {
	master, err := s.signIn(ctx, auth, false)
	if err != nil {
		return nil, "", err
	}
	if len(desired) == 0 {
		return nil, "", fmt.Errorf("desired sub-credential list is empty: %w", common.ErrGroupCreation)
	}

	masterDigest := cryptox.Fingerprint(master.APIKey, master.APISecret)
	repo := s.repos.Accounts(s.db)

	if err := s.ensureUngrouped(ctx, repo, masterDigest, 0, common.ErrGroupCreation); err != nil {
		return nil, "", fmt.Errorf("master credentials: %w", err)
	}
	for _, entry := range desired {
		if entry.Token != "" || entry.Email != "" {
			continue // referenced entries are resolved and checked inside the transaction
		}
		if entry.APIKey == "" || entry.APISecret == "" {
			return nil, "", fmt.Errorf("sub-credential entry missing api key or secret: %w", common.ErrGroupCreation)
		}
		if err := s.ensureUngrouped(ctx, repo, cryptox.Fingerprint(entry.APIKey, entry.APISecret), 0, common.ErrGroupCreation); err != nil {
			return nil, "", err
		}
	}

	var aggregate *models.Account
	var token string

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txAccounts := s.repos.Accounts(tx)
		txLinks := s.repos.SubAccounts(tx)

		// serialize concurrent reconciliations touching this master
		if _, err := txAccounts.GetByIDForUpdate(ctx, master.ID); err != nil {
			return fmt.Errorf("locking master row: %w", err)
		}

		agg, err := s.vault.RegisterAccount(ctx, tx, RegisterRequest{
			APIKey:    master.APIKey,
			APISecret: master.APISecret,
			Password:  master.Password,
			Profile: &models.Profile{
				ExternalID: master.ExternalID,
				Email:      master.Email,
				Username:   master.Username,
				Timezone:   master.Timezone,
			},
			IsSubAccount: true,
		})
		if err != nil {
			return err
		}

		processing := make([]SubCredential, 0, len(desired)+1)
		processing = append(processing, desired...)
		processing = append(processing, SubCredential{APIKey: master.APIKey, APISecret: master.APISecret})

		registered := make(map[string]*models.Account, len(processing))
		var subs []*models.Account

		for i, entry := range processing {
			resolved, err := s.resolveEntry(ctx, entry, common.ErrGroupCreation)
			if err != nil {
				return err
			}
			digest := cryptox.Fingerprint(resolved.APIKey, resolved.APISecret)
			if err := s.ensureUngrouped(ctx, txAccounts, digest, agg.ID, common.ErrGroupCreation); err != nil {
				return err
			}

			// The master is appended as the implicit last member. If by then
			// the only registered sub-identity is the master's own pair, the
			// group would consist of the master alone, which is invalid.
			if i == len(processing)-1 && len(registered) == 1 {
				if _, onlyMaster := registered[masterDigest]; onlyMaster {
					return fmt.Errorf("group would contain only the master: %w", common.ErrGroupCreation)
				}
			}
			if _, seen := registered[digest]; seen {
				continue
			}

			sub, err := s.vault.RegisterAccount(ctx, tx, RegisterRequest{
				APIKey:    resolved.APIKey,
				APISecret: resolved.APISecret,
				Password:  master.Password, // the group vault password, not the member's own
				Profile:   profileOf(resolved),
				IsSubUser: true,
				MasterID:  agg.ID,
			})
			if err != nil {
				return err
			}
			if err := txLinks.Create(ctx, agg.ID, sub.ID); err != nil {
				return fmt.Errorf("linking sub-identity %d: %w", sub.ID, err)
			}
			registered[digest] = sub
			subs = append(subs, sub)
		}

		agg.SubUsers = subs
		token, err = s.vault.IssueToken(models.TokenPayload{
			AccountID:         agg.ID,
			Email:             agg.Email,
			EncryptedPassword: agg.EncryptedPassword,
		})
		if err != nil {
			return err
		}
		aggregate = agg
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.sessions.Put(&models.Session{AccountID: aggregate.ID, Email: aggregate.Email, Token: token})
	s.logger.Info(ctx, "sub-account group created",
		"master_id", aggregate.ID, "subs", len(aggregate.SubUsers))
	return aggregate, token, nil
}

// UpdateGroup reconciles the stored group against the desired member list:
// unchanged members are kept without a write, new distinct pairs are created,
// and members absent from the desired list are removed. The ledger cache is
// invalidated once when membership actually changed.
func (s *SubAccountService) UpdateGroup(ctx context.Context, auth AuthRequest, desired []SubCredential) (*models.Account, string, error) {
	aggregate, err := s.signIn(ctx, auth, true)
	if err != nil {
		return nil, "", err
	}
	if !aggregate.IsSubAccount {
		return nil, "", fmt.Errorf("account %d is not a sub-account aggregate: %w", aggregate.ID, common.ErrGroupUpdate)
	}
	if len(desired) == 0 {
		return nil, "", fmt.Errorf("desired sub-credential list is empty: %w", common.ErrGroupUpdate)
	}
	for _, entry := range desired {
		if entry.Token == "" && entry.Email == "" && (entry.APIKey == "" || entry.APISecret == "") {
			return nil, "", fmt.Errorf("sub-credential entry missing api key or secret: %w", common.ErrGroupUpdate)
		}
	}

	var token string

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txAccounts := s.repos.Accounts(tx)
		txLinks := s.repos.SubAccounts(tx)
		txLedger := s.repos.Ledger(tx)

		if _, err := txAccounts.GetByIDForUpdate(ctx, aggregate.ID); err != nil {
			return fmt.Errorf("locking aggregate row: %w", err)
		}

		existing, err := txAccounts.ListByMaster(ctx, aggregate.ID)
		if err != nil {
			return fmt.Errorf("loading group members: %w", err)
		}

		existingByDigest := make(map[string]*models.Account, len(existing))
		var masterMember *models.Account
		for _, sub := range existing {
			existingByDigest[sub.CredentialDigest] = sub
			if sub.Email == aggregate.Email {
				masterMember = sub
			}
		}
		if masterMember == nil {
			return fmt.Errorf("group has no master member: %w", common.ErrGroupUpdate)
		}

		processed := make(map[string]bool, len(desired)+1)
		kept := make(map[string]*models.Account, len(existing))
		var added []*models.Account

		for _, entry := range desired {
			resolved, err := s.resolveEntry(ctx, entry, common.ErrGroupUpdate)
			if err != nil {
				return err
			}
			digest := cryptox.Fingerprint(resolved.APIKey, resolved.APISecret)
			if processed[digest] || digest == masterMember.CredentialDigest {
				continue
			}
			processed[digest] = true

			if sub, ok := existingByDigest[digest]; ok {
				kept[digest] = sub
				continue
			}
			if err := s.ensureUngrouped(ctx, txAccounts, digest, aggregate.ID, common.ErrGroupUpdate); err != nil {
				return err
			}

			sub, err := s.vault.RegisterAccount(ctx, tx, RegisterRequest{
				APIKey:    resolved.APIKey,
				APISecret: resolved.APISecret,
				Password:  aggregate.Password,
				Profile:   profileOf(resolved),
				IsSubUser: true,
				MasterID:  aggregate.ID,
			})
			if err != nil {
				return err
			}
			if err := txLinks.Create(ctx, aggregate.ID, sub.ID); err != nil {
				return fmt.Errorf("linking sub-identity %d: %w", sub.ID, err)
			}
			added = append(added, sub)
		}

		// the master member is an implicit part of every desired list
		kept[masterMember.CredentialDigest] = masterMember

		removed := 0
		for _, sub := range existing {
			if _, keep := kept[sub.CredentialDigest]; keep {
				continue
			}
			n, err := txLinks.DeleteBySub(ctx, sub.ID)
			if err != nil {
				return fmt.Errorf("unlinking sub-identity %d: %w", sub.ID, err)
			}
			if n == 0 {
				return fmt.Errorf("sub-identity %d had no link row: %w", sub.ID, common.ErrRemoval)
			}
			n, err = txAccounts.Delete(ctx, sub.ID)
			if err != nil {
				return fmt.Errorf("removing sub-identity %d: %w", sub.ID, err)
			}
			if n == 0 {
				return fmt.Errorf("sub-identity %d was not removed: %w", sub.ID, common.ErrRemoval)
			}
			removed++
		}

		if len(added) > 0 || removed > 0 {
			if err := txLedger.Invalidate(ctx, aggregate.ID); err != nil {
				return fmt.Errorf("invalidating ledger cache: %w", err)
			}
		}

		final := make([]*models.Account, 0, len(kept)+len(added))
		for _, sub := range existing {
			if _, keep := kept[sub.CredentialDigest]; keep {
				final = append(final, sub)
			}
		}
		final = append(final, added...)
		aggregate.SubUsers = final

		token, err = s.vault.IssueToken(models.TokenPayload{
			AccountID: aggregate.ID,
			Email:     aggregate.Email,
			Password:  aggregate.Password,
		})
		if err != nil {
			return err
		}

		s.logger.Info(ctx, "sub-account group updated",
			"master_id", aggregate.ID, "added", len(added), "removed", removed)
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	s.sessions.Put(&models.Session{AccountID: aggregate.ID, Email: aggregate.Email, Token: token})
	return aggregate, token, nil
}

// RecoverPassword re-derives the group's vault password: the aggregate row
// and every named member are re-encrypted under the new password in one
// transaction. A named pair that is not among the group's known members
// rejects the whole call.
func (s *SubAccountService) RecoverPassword(ctx context.Context, req RecoverRequest) (*models.Account, string, error) {
	if req.APIKey == "" || req.APISecret == "" {
		return nil, "", fmt.Errorf("missing the caller's credential pair: %w", common.ErrGroupUpdate)
	}
	if err := s.vault.ValidatePassword(req.NewPassword); err != nil {
		return nil, "", err
	}

	// possession of the raw pair is the proof of ownership here
	if _, err := s.exchange.AccountInfo(ctx, req.APIKey, req.APISecret); err != nil {
		return nil, "", fmt.Errorf("upstream rejected credentials: %w", common.ErrUnauthorized)
	}

	aggregate, err := s.repos.Accounts(s.db).GetByEmail(ctx, req.Email, true)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, "", fmt.Errorf("unknown sub-account group: %w", common.ErrUnauthorized)
		}
		return nil, "", fmt.Errorf("group lookup: %w", common.ErrInternal)
	}
	if cryptox.Fingerprint(req.APIKey, req.APISecret) != aggregate.CredentialDigest {
		return nil, "", fmt.Errorf("credentials do not match the group aggregate: %w", common.ErrUnauthorized)
	}

	var token string

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		txAccounts := s.repos.Accounts(tx)

		if _, err := txAccounts.GetByIDForUpdate(ctx, aggregate.ID); err != nil {
			return fmt.Errorf("locking aggregate row: %w", err)
		}

		existing, err := txAccounts.ListByMaster(ctx, aggregate.ID)
		if err != nil {
			return fmt.Errorf("loading group members: %w", err)
		}
		existingByDigest := make(map[string]*models.Account, len(existing))
		for _, sub := range existing {
			existingByDigest[sub.CredentialDigest] = sub
		}

		processing := make([]SubCredential, 0, len(req.Subs)+1)
		processing = append(processing, req.Subs...)
		processing = append(processing, SubCredential{APIKey: req.APIKey, APISecret: req.APISecret})

		rekeyed := make(map[string]bool, len(processing))
		for _, entry := range processing {
			if entry.APIKey == "" || entry.APISecret == "" {
				return fmt.Errorf("recovery entries must carry raw credentials: %w", common.ErrGroupUpdate)
			}
			digest := cryptox.Fingerprint(entry.APIKey, entry.APISecret)
			if rekeyed[digest] {
				continue
			}
			rekeyed[digest] = true

			sub, known := existingByDigest[digest]
			if !known {
				return fmt.Errorf("credential pair was never part of this group: %w", common.ErrGroupUpdate)
			}
			if _, err := s.exchange.AccountInfo(ctx, entry.APIKey, entry.APISecret); err != nil {
				return fmt.Errorf("upstream rejected credentials of sub-identity %d: %w", sub.ID, common.ErrUnauthorized)
			}

			keyCipher, secretCipher, passwordHash, err := s.vault.encryptCredentialSet(ctx, entry.APIKey, entry.APISecret, req.NewPassword)
			if err != nil {
				return err
			}
			n, err := txAccounts.UpdateCredentials(ctx, sub.ID, keyCipher, secretCipher, passwordHash)
			if err != nil {
				return fmt.Errorf("re-keying sub-identity %d: %w", sub.ID, err)
			}
			if n == 0 {
				return fmt.Errorf("sub-identity %d vanished during recovery: %w", sub.ID, common.ErrUnauthorized)
			}
		}

		// the aggregate row itself carries the caller's pair
		keyCipher, secretCipher, passwordHash, err := s.vault.encryptCredentialSet(ctx, req.APIKey, req.APISecret, req.NewPassword)
		if err != nil {
			return err
		}
		n, err := txAccounts.UpdateCredentials(ctx, aggregate.ID, keyCipher, secretCipher, passwordHash)
		if err != nil {
			return fmt.Errorf("re-keying aggregate: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("aggregate %d vanished during recovery: %w", aggregate.ID, common.ErrUnauthorized)
		}

		token, err = s.vault.IssueToken(models.TokenPayload{
			AccountID: aggregate.ID,
			Email:     aggregate.Email,
			Password:  req.NewPassword,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}

	aggregate.Password = req.NewPassword
	s.sessions.Put(&models.Session{AccountID: aggregate.ID, Email: aggregate.Email, Token: token})
	s.logger.Info(ctx, "sub-account group vault password recovered", "master_id", aggregate.ID)
	return aggregate, token, nil
}

// signIn authenticates the caller through the vault, accepting exactly one of
// the password or token shapes and requesting decrypted material.
func (s *SubAccountService) signIn(ctx context.Context, auth AuthRequest, subAccount bool) (*models.Account, error) {
	opts := AuthOptions{Decrypt: true, WithSubUsers: true, SubAccount: subAccount}
	switch {
	case auth.Token != "" && (auth.Email != "" || auth.Password != ""):
		return nil, fmt.Errorf("both token and password auth supplied: %w", common.ErrUnauthorized)
	case auth.Token != "":
		return s.vault.AuthenticateByToken(ctx, auth.Token, opts)
	case auth.Email != "" && auth.Password != "":
		return s.vault.AuthenticateByPassword(ctx, auth.Email, auth.Password, opts)
	default:
		return nil, fmt.Errorf("either a token or email and password required: %w", common.ErrUnauthorized)
	}
}

// resolveEntry turns a desired group member into concrete credentials. A
// referenced entry is authenticated independently; a raw pair is validated
// against the upstream exchange lookup.
func (s *SubAccountService) resolveEntry(ctx context.Context, entry SubCredential, kind error) (*models.Account, error) {
	if entry.Token != "" {
		return s.vault.AuthenticateByToken(ctx, entry.Token, AuthOptions{Decrypt: true})
	}
	if entry.Email != "" {
		return s.vault.AuthenticateByPassword(ctx, entry.Email, entry.Password, AuthOptions{Decrypt: true})
	}
	if entry.APIKey == "" || entry.APISecret == "" {
		return nil, fmt.Errorf("sub-credential entry missing api key or secret: %w", kind)
	}

	profile, err := s.exchange.AccountInfo(ctx, entry.APIKey, entry.APISecret)
	if err != nil {
		return nil, fmt.Errorf("upstream rejected sub-credentials: %w", common.ErrUnauthorized)
	}
	return &models.Account{
		ExternalID: profile.ExternalID,
		Email:      profile.Email,
		Username:   profile.Username,
		Timezone:   profile.Timezone,
		APIKey:     entry.APIKey,
		APISecret:  entry.APISecret,
	}, nil
}

// ensureUngrouped rejects a credential pair that already belongs to a
// sub-account group other than groupID (0 = any group counts).
func (s *SubAccountService) ensureUngrouped(ctx context.Context, repo accounts.Repository, digest string, groupID int64, kind error) error {
	rows, err := repo.ListByCredentialDigest(ctx, digest)
	if err != nil {
		return fmt.Errorf("credential lookup: %w", common.ErrInternal)
	}
	for _, row := range rows {
		if !row.IsSubAccount && !row.IsSubUser {
			continue
		}
		if groupID != 0 && (row.ID == groupID || (row.MasterID.Valid && row.MasterID.Int64 == groupID)) {
			continue
		}
		return fmt.Errorf("credential pair already belongs to a sub-account group: %w", kind)
	}
	return nil
}

func profileOf(account *models.Account) *models.Profile {
	return &models.Profile{
		ExternalID: account.ExternalID,
		Email:      account.Email,
		Username:   account.Username,
		Timezone:   account.Timezone,
	}
}
