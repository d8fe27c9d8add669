package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dmvolov/exvault/internal/common"
	"github.com/dmvolov/exvault/internal/server/services"
)

// App drives the operator commands against the wired services.
type App struct {
	vault       *services.VaultService
	subAccounts *services.SubAccountService
	in          *bufio.Reader
	out         io.Writer
}

// NewApp builds the CLI over the given services, reading from stdin and
// writing to stdout.
func NewApp(vault *services.VaultService, subAccounts *services.SubAccountService) *App {
	return &App{
		vault:       vault,
		subAccounts: subAccounts,
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
	}
}

// Run dispatches the named command.
func (a *App) Run(ctx context.Context, command string) error {
	switch command {
	case "register":
		return a.register(ctx)
	case "sign-in":
		return a.signIn(ctx)
	case "create-group":
		return a.createGroup(ctx)
	case "update-group":
		return a.updateGroup(ctx)
	case "recover":
		return a.recoverPassword(ctx)
	case "sessions":
		return a.listSessions(ctx)
	default:
		return fmt.Errorf("unknown command %q: %w", command, common.ErrNotFound)
	}
}

func (a *App) register(ctx context.Context) error {
	apiKey, err := GetSimpleText(a.in, "API key", a.out)
	if err != nil {
		return err
	}
	apiSecret, err := GetSimpleText(a.in, "API secret", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "Vault password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	account, token, err := a.vault.Register(ctx, apiKey, apiSecret, string(password))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered account %d (%s)\ntoken: %s\n", account.ID, account.Email, token)
	return nil
}

func (a *App) signIn(ctx context.Context) error {
	email, err := GetSimpleText(a.in, "Email", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "Vault password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	account, token, err := a.vault.SignIn(ctx, email, string(password))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "signed in as account %d (%s)\ntoken: %s\n", account.ID, account.Email, token)
	return nil
}

func (a *App) createGroup(ctx context.Context) error {
	auth, err := a.readAuth()
	if err != nil {
		return err
	}
	pairs, err := GetCredentialPairs(a.in, a.out)
	if err != nil {
		return err
	}
	desired := make([]services.SubCredential, 0, len(pairs))
	for _, p := range pairs {
		desired = append(desired, services.SubCredential{APIKey: p[0], APISecret: p[1]})
	}

	aggregate, token, err := a.subAccounts.CreateGroup(ctx, auth, desired)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "group %d created with %d members\ntoken: %s\n",
		aggregate.ID, len(aggregate.SubUsers), token)
	return nil
}

func (a *App) updateGroup(ctx context.Context) error {
	auth, err := a.readAuth()
	if err != nil {
		return err
	}
	pairs, err := GetCredentialPairs(a.in, a.out)
	if err != nil {
		return err
	}
	desired := make([]services.SubCredential, 0, len(pairs))
	for _, p := range pairs {
		desired = append(desired, services.SubCredential{APIKey: p[0], APISecret: p[1]})
	}

	aggregate, token, err := a.subAccounts.UpdateGroup(ctx, auth, desired)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "group %d now has %d members\ntoken: %s\n",
		aggregate.ID, len(aggregate.SubUsers), token)
	return nil
}

func (a *App) recoverPassword(ctx context.Context) error {
	email, err := GetSimpleText(a.in, "Group email", a.out)
	if err != nil {
		return err
	}
	apiKey, err := GetSimpleText(a.in, "Master API key", a.out)
	if err != nil {
		return err
	}
	apiSecret, err := GetSimpleText(a.in, "Master API secret", a.out)
	if err != nil {
		return err
	}
	password, err := GetPassword(a.out, "New vault password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	pairs, err := GetCredentialPairs(a.in, a.out)
	if err != nil {
		return err
	}
	subs := make([]services.SubCredential, 0, len(pairs))
	for _, p := range pairs {
		subs = append(subs, services.SubCredential{APIKey: p[0], APISecret: p[1]})
	}

	aggregate, token, err := a.subAccounts.RecoverPassword(ctx, services.RecoverRequest{
		Email:       email,
		APIKey:      apiKey,
		APISecret:   apiSecret,
		NewPassword: string(password),
		Subs:        subs,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "group %d re-keyed\ntoken: %s\n", aggregate.ID, token)
	return nil
}

func (a *App) listSessions(ctx context.Context) error {
	sessions, accounts, err := a.vault.ListSessions(ctx, true)
	if err != nil {
		return err
	}
	for i, sess := range sessions {
		fmt.Fprintf(a.out, "%d\t%s\t(account %d)\n", sess.AccountID, sess.Email, accounts[i].ID)
	}
	return nil
}

func (a *App) readAuth() (services.AuthRequest, error) {
	email, err := GetSimpleText(a.in, "Email (empty to use a token)", a.out)
	if err != nil {
		return services.AuthRequest{}, err
	}
	if email == "" {
		token, err := GetSimpleText(a.in, "Token", a.out)
		if err != nil {
			return services.AuthRequest{}, err
		}
		return services.AuthRequest{Token: token}, nil
	}
	password, err := GetPassword(a.out, "Vault password: ")
	if err != nil {
		return services.AuthRequest{}, err
	}
	defer common.WipeByteArray(password)
	return services.AuthRequest{Email: email, Password: string(password)}, nil
}
