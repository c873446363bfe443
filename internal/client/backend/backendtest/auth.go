// Package backendtest provides in-memory implementations of the backend
// contracts for tests.
package backendtest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

type account struct {
	id       string
	email    string
	password string
	metadata map[string]any
}

// Auth is an in-memory backend.Auth. Errors set on the exported fields are
// returned by the next calls of the matching operation.
type Auth struct {
	mu        sync.Mutex
	accounts  map[string]*account
	session   *backend.Session
	calls     map[string]int
	tokens    int
	listeners *hub.Hub[backend.AuthEvent]

	SignUpErr     error
	SignInErr     error
	SignOutErr    error
	GetSessionErr error
	RefreshErr    error

	// SignUpWithoutSession mimics backends that require email confirmation.
	SignUpWithoutSession bool
	// GetSessionDelay blocks GetSession, honouring ctx.
	GetSessionDelay time.Duration
	TokenTTL        time.Duration
}

func NewAuth() *Auth {
	return &Auth{
		accounts:  make(map[string]*account),
		calls:     make(map[string]int),
		listeners: hub.New[backend.AuthEvent](),
		TokenTTL:  time.Hour,
	}
}

// AddUser registers an account and returns its id.
func (a *Auth) AddUser(id, email, password string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	a.accounts[email] = &account{id: id, email: email, password: password}
	return id
}

// SetPassword changes an account password out of band.
func (a *Auth) SetPassword(email, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acc, ok := a.accounts[email]; ok {
		acc.password = password
	}
}

// Calls reports how many times op (e.g. "SignInWithPassword") ran.
func (a *Auth) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// StartSession installs a session for email as if restored from storage.
func (a *Auth) StartSession(email string) *backend.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.accounts[email]
	if acc == nil {
		return nil
	}
	a.session = a.issue(acc)
	return a.session
}

// Emit pushes ev to listeners as if the backend originated it.
func (a *Auth) Emit(ev backend.AuthEvent) {
	a.listeners.Publish("auth", ev)
}

func (a *Auth) SignUp(_ context.Context, email, password string, metadata map[string]any) (*backend.Session, error) {
	a.mu.Lock()
	a.calls["SignUp"]++
	if err := a.SignUpErr; err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if _, ok := a.accounts[email]; ok {
		a.mu.Unlock()
		return nil, &backend.AuthError{Name: "AuthApiError", Status: http.StatusUnprocessableEntity, Message: "User already registered"}
	}
	acc := &account{id: uuid.NewString(), email: email, password: password, metadata: metadata}
	a.accounts[email] = acc
	if a.SignUpWithoutSession {
		a.mu.Unlock()
		return nil, nil
	}
	s := a.issue(acc)
	a.session = s
	a.mu.Unlock()

	a.Emit(backend.AuthEvent{Type: backend.EventSignedIn, Session: s})
	return s, nil
}

func (a *Auth) SignInWithPassword(_ context.Context, email, password string) (*backend.Session, error) {
	a.mu.Lock()
	a.calls["SignInWithPassword"]++
	if err := a.SignInErr; err != nil {
		a.mu.Unlock()
		return nil, err
	}
	acc, ok := a.accounts[email]
	if !ok || acc.password != password {
		a.mu.Unlock()
		return nil, &backend.AuthError{Name: "AuthApiError", Status: http.StatusBadRequest, Message: "Invalid login credentials"}
	}
	s := a.issue(acc)
	a.session = s
	a.mu.Unlock()

	a.Emit(backend.AuthEvent{Type: backend.EventSignedIn, Session: s})
	return s, nil
}

func (a *Auth) SignOut(context.Context) error {
	a.mu.Lock()
	a.calls["SignOut"]++
	if err := a.SignOutErr; err != nil {
		a.mu.Unlock()
		return err
	}
	had := a.session != nil
	a.session = nil
	a.mu.Unlock()

	if had {
		a.Emit(backend.AuthEvent{Type: backend.EventSignedOut})
	}
	return nil
}

func (a *Auth) GetSession(ctx context.Context) (*backend.Session, error) {
	a.mu.Lock()
	a.calls["GetSession"]++
	delay := a.GetSessionDelay
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.GetSessionErr != nil {
		return nil, a.GetSessionErr
	}
	return a.session, nil
}

func (a *Auth) RefreshSession(context.Context) (*backend.Session, error) {
	a.mu.Lock()
	a.calls["RefreshSession"]++
	if err := a.RefreshErr; err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if a.session == nil {
		a.mu.Unlock()
		return nil, backend.ErrNoSession
	}
	acc := a.accounts[a.session.User.Email]
	s := a.issue(acc)
	a.session = s
	a.mu.Unlock()

	a.Emit(backend.AuthEvent{Type: backend.EventTokenRefreshed, Session: s})
	return s, nil
}

func (a *Auth) OnAuthStateChange(fn func(backend.AuthEvent)) func() {
	return a.listeners.Subscribe("auth", fn)
}

// Listeners reports the number of auth state subscribers.
func (a *Auth) Listeners() int {
	return a.listeners.Count("auth")
}

// issue must be called with a.mu held.
func (a *Auth) issue(acc *account) *backend.Session {
	a.tokens++
	return &backend.Session{
		User: backend.User{ID: acc.id, Email: acc.email, Metadata: acc.metadata},
		Token: &oauth2.Token{
			AccessToken:  fmt.Sprintf("access-%d", a.tokens),
			RefreshToken: fmt.Sprintf("refresh-%d", a.tokens),
			TokenType:    "bearer",
			Expiry:       time.Now().Add(a.TokenTTL),
		},
	}
}
