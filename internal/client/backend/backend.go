// Package backend defines the remote collaborators of the client core and
// their implementations.
//
// Three contracts are exposed: Auth (identity and session lifecycle), Tables
// (row access to named resources) and Realtime (push notifications of row
// changes). GRPCClient implements Auth and Tables against the GophMarket
// backend, WSRealtime implements Realtime over a websocket, and PGTables /
// PGRealtime talk to Postgres directly for self-hosted deployments.
//
// Errors returned by Auth are *AuthError values; callers match them with
// errors.Is against ErrInvalidCredentials, ErrNoSession and friends.
package backend

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Table names used by the client core.
const (
	TableProfiles  = "profiles"
	TableCartItems = "cart_items"
	TableFavorites = "favorites"
	TableProducts  = "products"
)

type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is an authenticated backend session.
type Session struct {
	User  User          `json:"user"`
	Token *oauth2.Token `json:"token"`
}

func (s *Session) AccessToken() string {
	if s == nil || s.Token == nil {
		return ""
	}
	return s.Token.AccessToken
}

// ExpiresAt reports when the access token stops being valid. The token
// expiry wins; otherwise the exp claim of the access token is used.
func (s *Session) ExpiresAt() time.Time {
	if s == nil || s.Token == nil {
		return time.Time{}
	}
	if !s.Token.Expiry.IsZero() {
		return s.Token.Expiry
	}
	exp, _ := TokenExpiry(s.Token.AccessToken)
	return exp
}

type AuthEventType string

const (
	EventInitialSession AuthEventType = "INITIAL_SESSION"
	EventSignedIn       AuthEventType = "SIGNED_IN"
	EventSignedOut      AuthEventType = "SIGNED_OUT"
	EventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEventType = "USER_UPDATED"
)

// AuthEvent is pushed to OnAuthStateChange listeners. Session is nil for
// EventSignedOut.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// Auth is the remote identity and session backend.
type Auth interface {
	// SignUp creates an account. The returned session is nil when the
	// backend requires a confirmation step before signing in.
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	// SignOut returns after the backend acknowledged the sign-out and the
	// local session was discarded.
	SignOut(ctx context.Context) error
	// GetSession returns the current session or (nil, nil).
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func())
}

// Row is one record of a remote table.
type Row map[string]any

type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
)

type Filter struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value"`
}

func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// String renders the filter in the push channel syntax, e.g. user_id=eq.42.
func (f Filter) String() string {
	return f.Column + "=" + string(f.Op) + "." + stringify(f.Value)
}

type Query struct {
	Columns []string `json:"columns,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
	OrderBy string   `json:"order_by,omitempty"`
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Tables gives row access to named remote resources.
type Tables interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	// Insert returns the stored rows including server-assigned columns.
	Insert(ctx context.Context, table string, rows ...Row) ([]Row, error)
	Update(ctx context.Context, table string, patch Row, filters ...Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filters ...Filter) error
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent describes a row change pushed by the backend.
type ChangeEvent struct {
	Channel string     `json:"channel"`
	Type    ChangeType `json:"type"`
	Table   string     `json:"table"`
	New     Row        `json:"new,omitempty"`
	Old     Row        `json:"old,omitempty"`
}

// ChannelSpec selects the changes of one table matching Filter.
type ChannelSpec struct {
	Name   string
	Table  string
	Filter Filter
}

// Channel is a live push subscription.
type Channel interface {
	Name() string
}

type Realtime interface {
	Subscribe(ctx context.Context, spec ChannelSpec, handler func(ChangeEvent)) (Channel, error)
	RemoveChannel(ch Channel) error
}
