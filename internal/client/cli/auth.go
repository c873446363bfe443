package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/gophmarket/internal/common"
)

// credentials asks for an email, suggesting the last one used, and a
// password.
func (a *App) credentials(ctx context.Context) (email, password string, err error) {
	prompt := "Enter email"
	last := a.manager.LastEmail(ctx)
	if last != "" {
		prompt = fmt.Sprintf("Enter email [%s]", last)
	}
	email, err = GetSimpleText(a.reader, prompt, a.out)
	if err != nil {
		return "", "", err
	}
	if email == "" {
		email = last
	}
	if email == "" {
		return "", "", errors.New("email is required")
	}

	pw, err := GetPassword(a.out)
	if err != nil {
		return "", "", err
	}
	return email, string(pw), nil
}

func (a *App) SignUp(ctx context.Context, _ []string) error {
	email, password, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	name, err := GetSimpleText(a.reader, "Enter full name", a.out)
	if err != nil {
		return err
	}
	meta, err := GetMetadata(a.reader, a.out)
	if err != nil {
		return err
	}
	if name != "" {
		meta["full_name"] = name
	}

	s, err := a.manager.SignUp(ctx, email, password, meta)
	if err != nil {
		return err
	}
	if s == nil {
		a.printf("Check %s to confirm the account, then sign in.\n", email)
		return nil
	}
	a.printf("Signed up as %s\n", s.User.Email)
	return nil
}

func (a *App) SignIn(ctx context.Context, _ []string) error {
	email, password, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	s, err := a.manager.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	a.printf("Signed in as %s\n", s.User.Email)
	return nil
}

func (a *App) SignOut(ctx context.Context, _ []string) error {
	if err := a.manager.SignOut(ctx); err != nil {
		return err
	}
	a.printf("Signed out\n")
	return nil
}

// AddAccount signs in to one more account; the current one stays saved.
func (a *App) AddAccount(ctx context.Context, _ []string) error {
	email, password, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	s, err := a.manager.AddAccount(ctx, email, password)
	if err != nil {
		return err
	}
	a.printf("Added and switched to %s\n", s.User.Email)
	return nil
}

func (a *App) WhoAmI(_ context.Context, _ []string) error {
	st := a.manager.State()
	if !st.SignedIn() {
		a.printf("Not signed in\n")
		return nil
	}
	a.printf("%s (%s)\n", st.Identity.Email, st.Identity.ID)
	if p := st.Profile; p != nil {
		a.printf("%s, %s account\n", p.FullName, p.Kind)
	}
	return nil
}

func (a *App) Accounts(_ context.Context, _ []string) error {
	st := a.manager.State()
	if len(st.Accounts) == 0 {
		a.printf("No saved accounts\n")
		return nil
	}
	for i, acc := range st.Accounts {
		mark := " "
		if st.Identity != nil && st.Identity.ID == acc.ID {
			mark = "*"
		}
		a.printf("%s %d. %s <%s> %s\n", mark, i+1, acc.Name, acc.Email, acc.Kind)
	}
	return nil
}

func (a *App) Switch(ctx context.Context, args []string) error {
	id, err := a.accountArg(args)
	if err != nil {
		return err
	}
	err = a.manager.SwitchAccount(ctx, id)
	if errors.Is(err, common.ErrStaleAccount) {
		a.printf("Saved credentials are no longer valid, sign in again.\n")
		return nil
	}
	if err != nil {
		return err
	}
	a.printf("Switched to %s\n", a.manager.State().Identity.Email)
	return nil
}

// Forget removes a saved account and its stored credential.
func (a *App) Forget(ctx context.Context, args []string) error {
	id, err := a.accountArg(args)
	if err != nil {
		return err
	}
	a.manager.RemoveAccount(ctx, id)
	a.printf("Removed %s\n", id)
	return nil
}

// accountArg resolves a 1-based position from the accounts list, an account
// id or an email to an account id.
func (a *App) accountArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected one account")
	}
	list := a.manager.State().Accounts
	if n, err := strconv.Atoi(args[0]); err == nil {
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("no account #%d", n)
		}
		return list[n-1].ID, nil
	}
	for _, acc := range list {
		if acc.ID == args[0] || strings.EqualFold(acc.Email, args[0]) {
			return acc.ID, nil
		}
	}
	return "", fmt.Errorf("account %q: %w", args[0], common.ErrorNotFound)
}

// ClearAll wipes every account, credential, preference and cache after
// a confirmation.
func (a *App) ClearAll(ctx context.Context, _ []string) error {
	answer, err := GetSimpleText(a.reader, "This signs out and removes all local data. Type 'yes' to continue", a.out)
	if err != nil {
		return err
	}
	if answer != "yes" {
		a.printf("Cancelled\n")
		return nil
	}
	if err := a.manager.ClearAllData(ctx); err != nil {
		return err
	}
	a.printf("All local data removed\n")
	return nil
}
