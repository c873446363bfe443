package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Fully qualified RPC names. Payloads are google.protobuf.Struct messages.
const (
	MethodSignUp         = "/gophmarket.backend.v1.Auth/SignUp"
	MethodSignIn         = "/gophmarket.backend.v1.Auth/SignInWithPassword"
	MethodSignOut        = "/gophmarket.backend.v1.Auth/SignOut"
	MethodRefreshSession = "/gophmarket.backend.v1.Auth/RefreshSession"
	MethodSelect         = "/gophmarket.backend.v1.Data/Select"
	MethodInsert         = "/gophmarket.backend.v1.Data/Insert"
	MethodUpdate         = "/gophmarket.backend.v1.Data/Update"
	MethodDelete         = "/gophmarket.backend.v1.Data/Delete"
)

// SessionKey is the KV key holding the persisted session. Every key the
// backend layer writes starts with KeyPrefix.
const (
	KeyPrefix  = "backend."
	SessionKey = KeyPrefix + "session"
)

const authTopic = "auth"

// anonymous methods never carry an access token.
var anonymous = map[string]bool{
	MethodSignUp:         true,
	MethodSignIn:         true,
	MethodRefreshSession: true,
}

// GRPCClient implements Auth and Tables over gRPC.
type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	dialOpts    []grpc.DialOption
	version     string
	store       storage.KV
	log         logging.Logger
	now         func() time.Time

	mu      sync.RWMutex
	session *Session

	refreshMu sync.Mutex
	listeners *hub.Hub[AuthEvent]
}

type Option func(*GRPCClient)

// WithSessionStore persists the session across restarts.
func WithSessionStore(kv storage.KV) Option {
	return func(c *GRPCClient) { c.store = kv }
}

func WithLogger(l logging.Logger) Option {
	return func(c *GRPCClient) { c.log = l }
}

// WithClientVersion announces the client build on every call.
func WithClientVersion(v string) Option {
	return func(c *GRPCClient) { c.version = v }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *GRPCClient) { c.dialOpts = append(c.dialOpts, opts...) }
}

func NewGRPCClient(ctx context.Context, endpointURL string, opts ...Option) (*GRPCClient, error) {
	c := &GRPCClient{
		endpointURL: endpointURL,
		log:         logging.Nop(),
		now:         time.Now,
		listeners:   hub.New[AuthEvent](),
	}
	for _, opt := range opts {
		opt(c)
	}

	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(endpointURL, dial...)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", endpointURL, err)
	}
	c.conn = conn

	c.restoreSession(ctx)
	return c, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	// The refresh call below runs through this interceptor again and must
	// leave without the expired token or a second version header.
	plain := ctx
	if c.version != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, common.ClientVersionHeaderName, c.version)
	}
	if anonymous[method] {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	token := c.currentSession().AccessToken()
	callCtx := ctx
	if token != "" {
		callCtx = withAccessToken(ctx, token)
	}

	err := invoker(callCtx, method, req, reply, cc, opts...)
	if err == nil || token == "" {
		return err
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated || st.Message() != common.ErrTokenExpired.Error() {
		return err
	}

	s, rerr := c.refreshIfCurrent(plain, token)
	if rerr != nil {
		return err
	}
	return invoker(withAccessToken(ctx, s.AccessToken()), method, req, reply, cc, opts...)
}

func (c *GRPCClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*Session, error) {
	var resp wireSession
	err := c.invoke(ctx, MethodSignUp, map[string]any{
		"email":    email,
		"password": password,
		"metadata": metadata,
	}, &resp)
	if err != nil {
		return nil, NormalizeError(err)
	}
	if resp.AccessToken == "" {
		return nil, nil
	}

	s := resp.session()
	c.setSession(ctx, s)
	c.emit(AuthEvent{Type: EventSignedIn, Session: s})
	return s, nil
}

func (c *GRPCClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var resp wireSession
	err := c.invoke(ctx, MethodSignIn, map[string]any{"email": email, "password": password}, &resp)
	if err != nil {
		return nil, NormalizeError(err)
	}
	if resp.AccessToken == "" {
		return nil, ErrNoSession
	}

	s := resp.session()
	c.setSession(ctx, s)
	c.emit(AuthEvent{Type: EventSignedIn, Session: s})
	return s, nil
}

// SignOut revokes the session remotely and always discards it locally. A
// session the backend no longer knows counts as signed out.
func (c *GRPCClient) SignOut(ctx context.Context) error {
	if c.currentSession() == nil {
		return nil
	}

	err := c.invoke(ctx, MethodSignOut, map[string]any{}, nil)
	if status.Code(err) == codes.Unauthenticated {
		err = nil
	}

	c.setSession(ctx, nil)
	c.emit(AuthEvent{Type: EventSignedOut})
	return NormalizeError(err)
}

// GetSession returns the stored session, refreshing it first when the
// access token has expired.
func (c *GRPCClient) GetSession(ctx context.Context) (*Session, error) {
	s := c.currentSession()
	if s == nil {
		return nil, nil
	}
	exp := s.ExpiresAt()
	if exp.IsZero() || c.now().Before(exp) {
		return s, nil
	}
	return c.refreshIfCurrent(ctx, s.AccessToken())
}

func (c *GRPCClient) RefreshSession(ctx context.Context) (*Session, error) {
	s := c.currentSession()
	if s == nil {
		return nil, ErrNoSession
	}
	return c.refreshIfCurrent(ctx, s.AccessToken())
}

func (c *GRPCClient) OnAuthStateChange(fn func(AuthEvent)) func() {
	return c.listeners.Subscribe(authTopic, fn)
}

// refreshIfCurrent exchanges the refresh token unless another caller already
// replaced stale.
func (c *GRPCClient) refreshIfCurrent(ctx context.Context, stale string) (*Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	cur := c.currentSession()
	if cur == nil || cur.Token == nil {
		return nil, ErrNoSession
	}
	if cur.AccessToken() != stale {
		return cur, nil
	}
	if cur.Token.RefreshToken == "" {
		return nil, ErrNoSession
	}

	var resp wireSession
	err := c.invoke(ctx, MethodRefreshSession, map[string]any{"refresh_token": cur.Token.RefreshToken}, &resp)
	if err != nil {
		return nil, NormalizeError(err)
	}
	if resp.User.ID == "" {
		resp.User = wireUser(cur.User)
	}

	s := resp.session()
	c.setSession(ctx, s)
	c.emit(AuthEvent{Type: EventTokenRefreshed, Session: s})
	return s, nil
}

func (c *GRPCClient) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	var resp rowsResponse
	if err := c.invoke(ctx, MethodSelect, map[string]any{"table": table, "query": q}, &resp); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, NormalizeError(err))
	}
	return resp.Rows, nil
}

func (c *GRPCClient) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	var resp rowsResponse
	if err := c.invoke(ctx, MethodInsert, map[string]any{"table": table, "rows": rows}, &resp); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, NormalizeError(err))
	}
	return resp.Rows, nil
}

func (c *GRPCClient) Update(ctx context.Context, table string, patch Row, filters ...Filter) ([]Row, error) {
	var resp rowsResponse
	req := map[string]any{"table": table, "patch": patch, "filters": filters}
	if err := c.invoke(ctx, MethodUpdate, req, &resp); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, NormalizeError(err))
	}
	return resp.Rows, nil
}

func (c *GRPCClient) Delete(ctx context.Context, table string, filters ...Filter) error {
	if err := c.invoke(ctx, MethodDelete, map[string]any{"table": table, "filters": filters}, nil); err != nil {
		return fmt.Errorf("delete %s: %w", table, NormalizeError(err))
	}
	return nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// AccessToken returns the current access token or "".
func (c *GRPCClient) AccessToken() string {
	return c.currentSession().AccessToken()
}

func (c *GRPCClient) currentSession() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *GRPCClient) setSession(ctx context.Context, s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	var err error
	if s == nil {
		err = c.store.Delete(ctx, SessionKey)
	} else {
		var raw []byte
		if raw, err = json.Marshal(s); err == nil {
			err = c.store.Set(ctx, SessionKey, raw)
		}
	}
	if err != nil {
		c.log.Warn(ctx, "failed to persist session", "error", err)
	}
}

func (c *GRPCClient) restoreSession(ctx context.Context) {
	if c.store == nil {
		return
	}
	raw, err := c.store.Get(ctx, SessionKey)
	if err != nil {
		c.log.Warn(ctx, "failed to read persisted session", "error", err)
		return
	}
	if raw == nil {
		return
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || s.Token == nil {
		c.log.Warn(ctx, "discarding unreadable persisted session")
		return
	}
	c.session = &s
}

func (c *GRPCClient) emit(ev AuthEvent) {
	c.listeners.Publish(authTopic, ev)
}

type wireUser struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type wireSession struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresAt    int64    `json:"expires_at"`
	User         wireUser `json:"user"`
}

func (w wireSession) session() *Session {
	tok := &oauth2.Token{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		TokenType:    w.TokenType,
	}
	if w.ExpiresAt > 0 {
		tok.Expiry = time.Unix(w.ExpiresAt, 0)
	} else if exp, err := TokenExpiry(w.AccessToken); err == nil {
		tok.Expiry = exp
	}
	return &Session{
		User:  User{ID: w.User.ID, Email: w.User.Email, Metadata: w.User.Metadata},
		Token: tok,
	}
}

type rowsResponse struct {
	Rows []Row `json:"rows"`
}

var errNotObject = errors.New("payload is not a JSON object")

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errNotObject
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
