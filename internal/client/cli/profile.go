package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/gophmarket/internal/client/session"
)

func (a *App) Profile(_ context.Context, _ []string) error {
	p := a.manager.State().Profile
	if p == nil {
		a.printf("Profile not loaded yet, try refresh\n")
		return nil
	}
	a.printf("Name:    %s\n", p.FullName)
	a.printf("Email:   %s\n", p.Email)
	a.printf("Kind:    %s\n", p.Kind)
	if p.AvatarURL != "" {
		a.printf("Avatar:  %s\n", p.AvatarURL)
	}
	if p.City != "" || p.Country != "" {
		a.printf("Address: %s\n", strings.Join(nonEmpty(p.Line1, p.Line2, p.PostalCode, p.City, p.Country), ", "))
	}
	if len(p.Modules) > 0 {
		a.printf("Modules: %s\n", strings.Join(p.Modules, ", "))
	}
	return nil
}

func (a *App) SetName(ctx context.Context, args []string) error {
	name := strings.TrimSpace(strings.Join(args, " "))
	if name == "" {
		return errors.New("usage: setname <full name>")
	}
	p, err := a.manager.UpdateProfile(ctx, session.ProfileUpdate{FullName: &name})
	if err != nil {
		return err
	}
	a.printf("Name set to %s\n", p.FullName)
	return nil
}

func (a *App) Avatar(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: avatar <path>")
	}
	p, err := a.manager.UploadAvatar(ctx, args[0])
	if errors.Is(err, session.ErrNoAvatarStorage) {
		a.printf("Avatar uploads are not configured\n")
		return nil
	}
	if err != nil {
		return err
	}
	a.printf("Avatar: %s\n", p.AvatarURL)
	return nil
}

// Refresh reloads the profile and the user's collections from the backend.
func (a *App) Refresh(ctx context.Context, _ []string) error {
	_, err := a.manager.RefreshProfile(ctx)
	return errors.Join(err, a.cart.Refresh(ctx), a.favorites.Refresh(ctx))
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
