package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/sethvargo/go-retry"
)

var ErrNoAvatarStorage = errors.New("avatar storage not configured")

// fetchProfile loads the profile of s, applies s as the current identity and
// vaults a pending secret. Must be called with opMu held.
func (m *Manager) fetchProfile(ctx context.Context, s *backend.Session) error {
	prof, err := m.loadProfile(ctx, s.User.ID)
	if m.isClosed() {
		return common.ErrManagerClosed
	}
	if err != nil {
		m.log.Warn(ctx, "profile fetch failed", "user_id", s.User.ID, "error", err)
		m.applySession(s, nil)
		return err
	}

	m.applySession(s, prof)
	m.recordAccount(ctx, s, prof)

	if p := m.takePending(); p != nil {
		m.deps.Vault.Save(ctx, s.User.ID, p.email, p.secret)
	}
	return nil
}

func (m *Manager) applySession(s *backend.Session, prof *Profile) {
	m.mu.Lock()
	m.appliedToken = s.AccessToken()
	m.mu.Unlock()

	m.update(func(st *State) {
		st.Identity = identityOf(s)
		st.Profile = prof
		st.Session = s
		st.Loading = false
	})
}

func (m *Manager) recordAccount(ctx context.Context, s *backend.Session, prof *Profile) {
	list, err := m.deps.Accounts.Upsert(ctx, summaryOf(prof, s, m.now()))
	if err != nil {
		m.log.Warn(ctx, "failed to record account", "user_id", s.User.ID, "error", err)
		return
	}
	m.update(func(st *State) { st.Accounts = list })
}

// loadProfile reads the profile row, retrying while it is missing to cover
// replication lag right after sign-up.
func (m *Manager) loadProfile(ctx context.Context, userID string) (*Profile, error) {
	var prof *Profile

	backoff := retry.WithMaxRetries(uint64(m.opts.ProfileAttempts-1), retry.NewConstant(m.opts.ProfileRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rows, err := m.deps.Tables.Select(ctx, backend.TableProfiles, backend.Query{
			Filters: []backend.Filter{backend.Eq("id", userID)},
			Limit:   1,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(rows) == 0 {
			return retry.RetryableError(common.ErrProfileMissing)
		}
		p, err := backend.DecodeRow[Profile](rows[0])
		if err != nil {
			return err
		}
		prof = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prof, nil
}

// UpdateProfile writes the non-nil fields of upd and refreshes the state and
// the account summary from the stored row.
func (m *Manager) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*Profile, error) {
	if m.isClosed() {
		return nil, common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	return m.updateProfile(ctx, upd)
}

func (m *Manager) updateProfile(ctx context.Context, upd ProfileUpdate) (*Profile, error) {
	st := m.State()
	if st.Identity == nil {
		return nil, common.ErrNotSignedIn
	}
	patch := upd.row()
	if len(patch) == 0 {
		return st.Profile, nil
	}

	rows, err := m.deps.Tables.Update(ctx, backend.TableProfiles, patch, backend.Eq("id", st.Identity.ID))
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, common.ErrProfileMissing
	}
	prof, err := backend.DecodeRow[Profile](rows[0])
	if err != nil {
		return nil, err
	}

	m.applyProfile(ctx, st, &prof)
	return &prof, nil
}

// RefreshProfile re-reads the profile of the current identity.
func (m *Manager) RefreshProfile(ctx context.Context) (*Profile, error) {
	if m.isClosed() {
		return nil, common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st := m.State()
	if st.Identity == nil {
		return nil, common.ErrNotSignedIn
	}
	prof, err := m.loadProfile(ctx, st.Identity.ID)
	if err != nil {
		return nil, fmt.Errorf("refresh profile: %w", err)
	}
	m.applyProfile(ctx, st, prof)
	return prof, nil
}

func (m *Manager) applyProfile(ctx context.Context, st State, prof *Profile) {
	m.update(func(s *State) { s.Profile = prof })
	if st.Session != nil {
		m.recordAccount(ctx, st.Session, prof)
	}
	if p := m.takePending(); p != nil {
		m.deps.Vault.Save(ctx, st.Identity.ID, p.email, p.secret)
	}
}

// UploadAvatar stores the image at path and points the profile at it.
func (m *Manager) UploadAvatar(ctx context.Context, path string) (*Profile, error) {
	if m.deps.Avatars == nil {
		return nil, ErrNoAvatarStorage
	}
	if m.isClosed() {
		return nil, common.ErrManagerClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st := m.State()
	if st.Identity == nil {
		return nil, common.ErrNotSignedIn
	}
	url, err := m.deps.Avatars.Upload(ctx, st.Identity.ID, path)
	if err != nil {
		return nil, err
	}
	return m.updateProfile(ctx, ProfileUpdate{AvatarURL: &url})
}
