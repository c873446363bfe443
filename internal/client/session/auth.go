package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/activity"
	"github.com/dmitrijs2005/gophmarket/internal/client/analytics"
	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/common"
)

// SignUp creates an account. The password is vaulted once the profile of
// the new account is confirmed. A nil session with a nil error means the
// backend requires confirmation before the first sign-in.
func (m *Manager) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*backend.Session, error) {
	if m.isClosed() {
		return nil, common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	s, err := m.deps.Auth.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, err
	}
	m.setPending(email, password)
	m.deps.Analytics.Track(ctx, analytics.EventSignUp, map[string]any{"confirmed": s != nil})

	if s != nil {
		_ = m.fetchProfile(ctx, s)
	}
	return s, nil
}

// SignIn authenticates with email and password and returns once the
// profile was fetched and the credential vaulted. Backend errors are
// returned untouched.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	if m.isClosed() {
		return nil, common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	return m.signIn(ctx, email, password)
}

func (m *Manager) signIn(ctx context.Context, email, password string) (*backend.Session, error) {
	m.update(func(s *State) { s.Loading = true })

	s, err := m.deps.Auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		m.update(func(s *State) { s.Loading = false })
		m.deps.Analytics.Track(ctx, analytics.EventSignInFailure, map[string]any{"reason": reasonOf(err)})
		return nil, err
	}

	m.setPending(email, password)
	m.deps.Activity.Touch(ctx, activity.KindCommand)
	m.rememberEmail(ctx, email)
	m.deps.Analytics.Track(ctx, analytics.EventSignInSuccess, nil)

	_ = m.fetchProfile(ctx, s)
	return s, nil
}

// SignOut ends the session. Accounts, credentials and preferences survive.
func (m *Manager) SignOut(ctx context.Context) error {
	if m.isClosed() {
		return common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	return m.signOut(ctx)
}

func (m *Manager) signOut(ctx context.Context) error {
	err := m.deps.Auth.SignOut(ctx)
	if err != nil {
		m.log.Warn(ctx, "backend sign-out failed; clearing local session anyway", "error", err)
	}

	m.dropPending()
	m.deps.Activity.Clear(ctx)
	m.clearIdentity()
	m.deps.Analytics.Track(ctx, analytics.EventSignOut, nil)
	return err
}

// AddAccount signs the current account out and signs in as another one.
// Both stay in the account registry.
func (m *Manager) AddAccount(ctx context.Context, email, password string) (*backend.Session, error) {
	if m.isClosed() {
		return nil, common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	if err := m.leaveCurrent(ctx); err != nil {
		return nil, err
	}
	return m.signIn(ctx, email, password)
}

// SwitchAccount re-authenticates as accountID with its vaulted credential.
// An account without a usable credential, or whose credential the backend
// rejects, is removed and ErrStaleAccount is returned.
func (m *Manager) SwitchAccount(ctx context.Context, accountID string) error {
	if m.isClosed() {
		return common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	if cur := m.State().Identity; cur != nil && cur.ID == accountID {
		return nil
	}

	cred := m.deps.Vault.Load(ctx, accountID)
	if cred == nil {
		m.removeAccount(ctx, accountID)
		return fmt.Errorf("switch to %s: %w", accountID, common.ErrStaleAccount)
	}

	if err := m.leaveCurrent(ctx); err != nil {
		return err
	}

	if _, err := m.signIn(ctx, cred.Email, cred.Secret); err != nil {
		if errors.Is(err, backend.ErrInvalidCredentials) {
			m.removeAccount(ctx, accountID)
			return fmt.Errorf("switch to %s: %w: %w", accountID, common.ErrStaleAccount, err)
		}
		return err
	}

	m.deps.Analytics.Track(ctx, analytics.EventAccountSwitch, nil)
	return nil
}

// RemoveAccount forgets accountID locally. The backend is not contacted.
func (m *Manager) RemoveAccount(ctx context.Context, accountID string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	m.removeAccount(ctx, accountID)
}

func (m *Manager) removeAccount(ctx context.Context, accountID string) {
	m.deps.Vault.Remove(ctx, accountID)
	list, err := m.deps.Accounts.Remove(ctx, accountID)
	if err != nil {
		m.log.Warn(ctx, "failed to remove account", "account_id", accountID, "error", err)
		list = m.deps.Accounts.List(ctx)
	}
	m.update(func(s *State) { s.Accounts = list })
	m.deps.Analytics.Track(ctx, analytics.EventAccountRemoved, nil)
}

// leaveCurrent signs out and waits until the backend acknowledges that no
// session is left, so two sessions are never valid at once.
func (m *Manager) leaveCurrent(ctx context.Context) error {
	if m.State().Identity == nil {
		return nil
	}
	_ = m.signOut(ctx)
	return m.awaitSignedOut(ctx)
}

func (m *Manager) awaitSignedOut(ctx context.Context) error {
	wait, cancel := context.WithTimeout(ctx, m.opts.SwitchSettleTimeout)
	defer cancel()

	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		s, err := m.deps.Auth.GetSession(wait)
		if err == nil && s == nil {
			break
		}
		select {
		case <-wait.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn(ctx, "backend still reports a session after sign-out")
			return nil
		case <-tick.C:
		}
	}

	if d := m.opts.SwitchSettleDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func reasonOf(err error) string {
	var ae *backend.AuthError
	if errors.As(err, &ae) && ae.Name != "" {
		return ae.Name
	}
	return "unknown"
}
