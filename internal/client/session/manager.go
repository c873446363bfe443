// Package session owns the single authenticated state of the client.
//
// A Manager signs users up, in and out, keeps several signed-in accounts on
// the device and switches between them silently with vaulted credentials,
// refreshes the session token while the user is active and fetches the
// authoritative profile after every identity change.
//
// Identity operations are serialized: a switch always finishes signing out
// before it signs in. Auth events pushed by the backend are applied one at
// a time in push order, and only when no operation ran since they were
// emitted, so an operation's own events never race its result.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/accounts"
	"github.com/dmitrijs2005/gophmarket/internal/client/activity"
	"github.com/dmitrijs2005/gophmarket/internal/client/analytics"
	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/cache"
	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/client/vault"
	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
)

// CredentialVault keeps the secrets used for silent account switching.
type CredentialVault interface {
	Save(ctx context.Context, accountID, email, secret string)
	Load(ctx context.Context, accountID string) *vault.Credential
	Remove(ctx context.Context, accountID string)
	Clear(ctx context.Context)
}

// AccountRegistry is the device-local list of accounts that signed in.
type AccountRegistry interface {
	List(ctx context.Context) []accounts.Summary
	Upsert(ctx context.Context, s accounts.Summary) ([]accounts.Summary, error)
	Remove(ctx context.Context, id string) ([]accounts.Summary, error)
	Clear(ctx context.Context) error
}

// ActivityTracker records user interactions and reports how long ago the
// last one happened.
type ActivityTracker interface {
	Touch(ctx context.Context, kind activity.Kind) time.Time
	SinceLast(ctx context.Context) (time.Duration, bool)
	Clear(ctx context.Context)
	Run(ctx context.Context, sources ...activity.Source)
}

// Preloader warms caches. Failures are logged and ignored.
type Preloader interface {
	PreloadPublic(ctx context.Context) error
	PreloadUser(ctx context.Context, userID string) error
}

// AvatarUploader stores an image and returns its public URL.
type AvatarUploader interface {
	Upload(ctx context.Context, userID, path string) (string, error)
}

// Deps are the collaborators of a Manager. Preloader, Avatars, Cache and
// Analytics are optional.
type Deps struct {
	Auth      backend.Auth
	Tables    backend.Tables
	Vault     CredentialVault
	Accounts  AccountRegistry
	Activity  ActivityTracker
	Store     storage.KV
	Cookies   storage.Cookies
	Ephemeral storage.Ephemeral
	Cache     *cache.Cache
	Analytics analytics.Sink
	Preloader Preloader
	Avatars   AvatarUploader
	Log       logging.Logger
}

// Options tune timeouts and retry behaviour of a Manager.
type Options struct {
	SafetyTimeout     time.Duration
	RefreshInterval   time.Duration
	ActivityThreshold time.Duration
	ProfileAttempts   int
	ProfileRetryDelay time.Duration
	// SwitchSettleTimeout bounds the wait for the backend to report no
	// session after a sign-out that precedes a sign-in.
	SwitchSettleTimeout time.Duration
	// SwitchSettleDelay is an extra fixed pause after that wait.
	SwitchSettleDelay time.Duration
	RememberEmail     bool
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		SafetyTimeout:       5 * time.Second,
		RefreshInterval:     5 * time.Minute,
		ActivityThreshold:   25 * time.Minute,
		ProfileAttempts:     3,
		ProfileRetryDelay:   500 * time.Millisecond,
		SwitchSettleTimeout: 2 * time.Second,
		RememberEmail:       true,
	}
}

const stateTopic = "state"

type pendingSecret struct {
	email  string
	secret string
}

// Manager owns the authenticated state. Use NewManager, then Init.
type Manager struct {
	deps Deps
	opts Options
	log  logging.Logger
	now  func() time.Time

	mu           sync.RWMutex
	state        State
	pending      *pendingSecret
	appliedToken string
	started      bool
	closed       bool
	unsubAuth    func()

	// opMu serializes identity operations and auth event handling.
	opMu  sync.Mutex
	opSeq atomic.Uint64

	evMu     sync.Mutex
	evQueue  []queuedEvent
	evSignal chan struct{}

	subs       *hub.Hub[State]
	ready      chan struct{}
	readyOnce  sync.Once
	visibility chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a Manager in the loading state. Nothing runs until Init.
func NewManager(deps Deps, opts Options) *Manager {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Analytics == nil {
		deps.Analytics = analytics.Nop{}
	}
	if opts.ProfileAttempts < 1 {
		opts.ProfileAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		opts:       opts,
		log:        deps.Log.With("component", "session"),
		now:        time.Now,
		state:      State{Loading: true},
		subs:       hub.New[State](),
		ready:      make(chan struct{}),
		visibility: make(chan struct{}, 1),
		evSignal:   make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Init restores the previous session. Accounts are loaded before it
// returns; the session itself is restored in the background, and Ready is
// closed once loading ends or the safety timeout fires.
func (m *Manager) Init(ctx context.Context, sources ...activity.Source) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return common.ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	list := m.deps.Accounts.List(ctx)
	m.update(func(s *State) { s.Accounts = list })

	if p := m.deps.Preloader; p != nil {
		m.background(func(ctx context.Context) {
			if err := p.PreloadPublic(ctx); err != nil {
				m.log.Warn(ctx, "public preload failed", "error", err)
			}
		})
	}

	m.background(m.safetyTimer)
	m.background(m.drainAuthEvents)
	m.background(func(ctx context.Context) {
		m.restore(ctx)

		unsubscribe := m.deps.Auth.OnAuthStateChange(m.onAuthEvent)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			unsubscribe()
			return
		}
		m.unsubAuth = unsubscribe
		m.mu.Unlock()

		m.refreshLoop(ctx)
	})
	if len(sources) > 0 {
		m.background(func(ctx context.Context) { m.deps.Activity.Run(ctx, sources...) })
	}
	return nil
}

func (m *Manager) safetyTimer(ctx context.Context) {
	t := time.NewTimer(m.opts.SafetyTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		m.update(func(s *State) {
			if s.Loading {
				m.log.Warn(ctx, "session restore timed out; continuing signed out")
				s.Loading = false
			}
		})
	}
}

func (m *Manager) restore(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.opSeq.Add(1)

	s, err := m.deps.Auth.GetSession(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn(ctx, "failed to restore session", "error", err)
		}
		m.update(func(st *State) { st.Loading = false })
		return
	}
	if s == nil {
		m.update(func(st *State) { st.Loading = false })
		return
	}

	if p := m.deps.Preloader; p != nil {
		userID := s.User.ID
		m.background(func(ctx context.Context) {
			if err := p.PreloadUser(ctx, userID); err != nil {
				m.log.Warn(ctx, "user preload failed", "user_id", userID, "error", err)
			}
		})
	}
	_ = m.fetchProfile(ctx, s)
}

type queuedEvent struct {
	ev  backend.AuthEvent
	seq uint64
}

// onAuthEvent runs on the emitter's goroutine. Events are queued and applied
// one at a time in push order, so the backend is never blocked by profile
// fetches.
func (m *Manager) onAuthEvent(ev backend.AuthEvent) {
	m.evMu.Lock()
	m.evQueue = append(m.evQueue, queuedEvent{ev: ev, seq: m.opSeq.Load()})
	m.evMu.Unlock()

	select {
	case m.evSignal <- struct{}{}:
	default:
	}
}

func (m *Manager) drainAuthEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.evSignal:
		}
		for {
			m.evMu.Lock()
			if len(m.evQueue) == 0 {
				m.evMu.Unlock()
				break
			}
			q := m.evQueue[0]
			m.evQueue = m.evQueue[1:]
			m.evMu.Unlock()

			if ctx.Err() != nil {
				return
			}
			m.applyAuthEvent(ctx, q)
		}
	}
}

func (m *Manager) applyAuthEvent(ctx context.Context, q queuedEvent) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.opSeq.Load() != q.seq {
		m.log.Debug(ctx, "auth event superseded", "event", q.ev.Type)
		return
	}
	switch {
	case q.ev.Type == backend.EventSignedOut:
		m.clearIdentity()
	case q.ev.Session != nil:
		if q.ev.Session.AccessToken() == m.currentToken() {
			return
		}
		_ = m.fetchProfile(ctx, q.ev.Session)
	}
}

// Close stops background work and drops the auth subscription. Results that
// arrive afterwards are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsubscribe := m.unsubAuth
	m.unsubAuth = nil
	m.mu.Unlock()

	m.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	m.wg.Wait()
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Subscribe calls fn with every new state until unsubscribe is called.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.subs.Subscribe(stateTopic, fn)
}

// Ready is closed the first time loading ends.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Touch records a user interaction.
func (m *Manager) Touch(ctx context.Context, kind activity.Kind) {
	m.deps.Activity.Touch(ctx, kind)
}

func (m *Manager) update(fn func(*State)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fn(&m.state)
	snapshot := m.state.clone()
	m.mu.Unlock()

	if !snapshot.Loading {
		m.readyOnce.Do(func() { close(m.ready) })
	}
	m.subs.Publish(stateTopic, snapshot)
}

func (m *Manager) clearIdentity() {
	m.mu.Lock()
	m.appliedToken = ""
	m.mu.Unlock()
	m.update(func(s *State) {
		s.Identity = nil
		s.Profile = nil
		s.Session = nil
		s.Loading = false
	})
}

func (m *Manager) currentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appliedToken
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) setPending(email, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = &pendingSecret{email: email, secret: secret}
}

func (m *Manager) takePending() *pendingSecret {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	m.pending = nil
	return p
}

func (m *Manager) dropPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// background runs fn on the manager's lifetime context.
func (m *Manager) background(fn func(ctx context.Context)) {
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}
