package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/common"
)

// Preference keys. Every preference lives under PrefPrefix.
const (
	PrefPrefix    = "pref."
	PrefLastEmail = PrefPrefix + "last_email"
)

func (m *Manager) rememberEmail(ctx context.Context, email string) {
	if !m.opts.RememberEmail || m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.Set(ctx, PrefLastEmail, []byte(strings.TrimSpace(email))); err != nil {
		m.log.Warn(ctx, "failed to store email preference", "error", err)
	}
}

// LastEmail returns the email of the last successful sign-in, if remembered.
func (m *Manager) LastEmail(ctx context.Context) string {
	if m.deps.Store == nil {
		return ""
	}
	raw, err := m.deps.Store.Get(ctx, PrefLastEmail)
	if err != nil {
		m.log.Warn(ctx, "failed to read email preference", "error", err)
		return ""
	}
	return string(raw)
}

// ClearAllData wipes everything this client stored: accounts, credentials
// and their key, activity, preferences, backend and cache data, cookies and
// session-scoped values. The state becomes signed out.
func (m *Manager) ClearAllData(ctx context.Context) error {
	if m.isClosed() {
		return common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	if err := m.deps.Auth.SignOut(ctx); err != nil {
		m.log.Warn(ctx, "backend sign-out failed during reset", "error", err)
	}
	m.dropPending()

	var errs []error
	if err := m.deps.Accounts.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	m.deps.Vault.Clear(ctx)
	m.deps.Activity.Clear(ctx)

	if kv := m.deps.Store; kv != nil {
		for _, prefix := range []string{PrefPrefix, backend.KeyPrefix} {
			if err := kv.DeletePrefix(ctx, prefix); err != nil {
				errs = append(errs, fmt.Errorf("clear %s*: %w", prefix, err))
			}
		}
	}
	if c := m.deps.Cache; c != nil {
		if err := c.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c := m.deps.Cookies; c != nil {
		if err := c.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if e := m.deps.Ephemeral; e != nil {
		if err := e.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	m.appliedToken = ""
	m.mu.Unlock()
	m.update(func(s *State) { *s = State{} })

	return errors.Join(errs...)
}
