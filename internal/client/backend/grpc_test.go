package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/storage/storagetest"
	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type handlerFunc func(md metadata.MD, req map[string]any) (any, error)

// fakeServer answers any method through handlers and records what it saw.
type fakeServer struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []string
	lastMD   map[string]metadata.MD
	lastReq  map[string]map[string]any
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		handlers: make(map[string]handlerFunc),
		lastMD:   make(map[string]metadata.MD),
		lastReq:  make(map[string]map[string]any),
	}
}

func (f *fakeServer) on(method string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeServer) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m == method {
			n++
		}
	}
	return n
}

func (f *fakeServer) request(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq[method]
}

func (f *fakeServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	md, _ := metadata.FromIncomingContext(stream.Context())

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.lastMD[method] = md
	f.lastReq[method] = in.AsMap()
	h := f.handlers[method]
	f.mu.Unlock()

	if h == nil {
		return status.Error(codes.Unimplemented, method)
	}
	out, err := h(md, in.AsMap())
	if err != nil {
		return err
	}
	resp, err := toStruct(out)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func startClient(t *testing.T, f *fakeServer, opts ...Option) *GRPCClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(f.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	opts = append(opts, WithDialOptions(grpc.WithContextDialer(dialer)))
	c, err := NewGRPCClient(context.Background(), "passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func sessionPayload(access, refresh, id, email string) map[string]any {
	return map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"user":          map[string]any{"id": id, "email": email},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []AuthEvent
}

func (l *eventLog) add(ev AuthEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []AuthEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuthEventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestGRPCClient_SignInPersistsSessionAndEmits(t *testing.T) {
	ctx := context.Background()
	kv := storagetest.NewKV(t)
	f := newFakeServer()
	access := signedToken(t, "u1", time.Now().Add(time.Hour))
	f.on(MethodSignIn, func(_ metadata.MD, req map[string]any) (any, error) {
		assert.Equal(t, "a@b.com", req["email"])
		assert.Equal(t, "pw", req["password"])
		return sessionPayload(access, "r1", "u1", "a@b.com"), nil
	})

	c := startClient(t, f, WithSessionStore(kv))
	var log eventLog
	unsubscribe := c.OnAuthStateChange(log.add)
	defer unsubscribe()

	s, err := c.SignInWithPassword(ctx, "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, access, s.AccessToken())
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt(), 2*time.Second)
	assert.Equal(t, []AuthEventType{EventSignedIn}, log.types())

	got, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.User.ID)

	restored := startClient(t, newFakeServer(), WithSessionStore(kv))
	again, err := restored.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, access, again.AccessToken())
	assert.Equal(t, "r1", again.Token.RefreshToken)
}

func TestGRPCClient_InvalidCredentials(t *testing.T) {
	f := newFakeServer()
	f.on(MethodSignIn, func(metadata.MD, map[string]any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "Invalid login credentials")
	})
	c := startClient(t, f)

	s, err := c.SignInWithPassword(context.Background(), "a@b.com", "wrong")
	assert.Nil(t, s)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusBadRequest, ae.Status)
	assert.Equal(t, "Invalid login credentials", ae.Message)

	none, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGRPCClient_SignUpWithoutSession(t *testing.T) {
	f := newFakeServer()
	f.on(MethodSignUp, func(_ metadata.MD, req map[string]any) (any, error) {
		assert.Equal(t, map[string]any{"full_name": "Ann"}, req["metadata"])
		return map[string]any{"user": map[string]any{"id": "u9", "email": "n@b.com"}}, nil
	})
	c := startClient(t, f)

	s, err := c.SignUp(context.Background(), "n@b.com", "pw", map[string]any{"full_name": "Ann"})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGRPCClient_ExpiredTokenIsRefreshedAndRetried(t *testing.T) {
	ctx := context.Background()
	f := newFakeServer()
	oldToken := signedToken(t, "u1", time.Now().Add(time.Hour))
	newToken := signedToken(t, "u1", time.Now().Add(2*time.Hour))

	f.on(MethodSignIn, func(metadata.MD, map[string]any) (any, error) {
		return sessionPayload(oldToken, "r1", "u1", "a@b.com"), nil
	})
	f.on(MethodRefreshSession, func(md metadata.MD, req map[string]any) (any, error) {
		assert.Empty(t, md.Get(common.AccessTokenHeaderName))
		assert.Equal(t, "r1", req["refresh_token"])
		return sessionPayload(newToken, "r2", "", ""), nil
	})
	f.on(MethodSelect, func(md metadata.MD, req map[string]any) (any, error) {
		if md.Get(common.AccessTokenHeaderName)[0] == oldToken {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return map[string]any{"rows": []any{map[string]any{"id": "p1", "full_name": "Ann"}}}, nil
	})

	c := startClient(t, f)
	var log eventLog
	c.OnAuthStateChange(log.add)

	_, err := c.SignInWithPassword(ctx, "a@b.com", "pw")
	require.NoError(t, err)

	rows, err := c.Select(ctx, TableProfiles, Query{Filters: []Filter{Eq("id", "u1")}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ann", rows[0]["full_name"])

	assert.Equal(t, 2, f.count(MethodSelect))
	assert.Equal(t, 1, f.count(MethodRefreshSession))
	assert.Equal(t, []AuthEventType{EventSignedIn, EventTokenRefreshed}, log.types())

	s, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, newToken, s.AccessToken())
	assert.Equal(t, "u1", s.User.ID, "user survives a refresh that omits it")
}

func TestGRPCClient_RetryRefreshCarriesNoStaleToken(t *testing.T) {
	ctx := context.Background()
	f := newFakeServer()
	oldToken := signedToken(t, "u1", time.Now().Add(time.Hour))
	newToken := signedToken(t, "u1", time.Now().Add(2*time.Hour))

	f.on(MethodSignIn, func(metadata.MD, map[string]any) (any, error) {
		return sessionPayload(oldToken, "r1", "u1", "a@b.com"), nil
	})
	var refreshMD metadata.MD
	f.on(MethodRefreshSession, func(md metadata.MD, _ map[string]any) (any, error) {
		refreshMD = md.Copy()
		return sessionPayload(newToken, "r2", "", ""), nil
	})
	var retryMD metadata.MD
	f.on(MethodSelect, func(md metadata.MD, _ map[string]any) (any, error) {
		if md.Get(common.AccessTokenHeaderName)[0] == oldToken {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		retryMD = md.Copy()
		return map[string]any{"rows": []any{}}, nil
	})

	c := startClient(t, f, WithClientVersion("v1.2.3"))
	_, err := c.SignInWithPassword(ctx, "a@b.com", "pw")
	require.NoError(t, err)

	_, err = c.Select(ctx, TableProfiles, Query{})
	require.NoError(t, err)

	require.NotNil(t, refreshMD)
	assert.Empty(t, refreshMD.Get(common.AccessTokenHeaderName))
	assert.Equal(t, []string{"v1.2.3"}, refreshMD.Get(common.ClientVersionHeaderName))

	require.NotNil(t, retryMD)
	assert.Equal(t, []string{newToken}, retryMD.Get(common.AccessTokenHeaderName))
	assert.Equal(t, []string{"v1.2.3"}, retryMD.Get(common.ClientVersionHeaderName))
}

func TestGRPCClient_GetSessionRefreshesExpired(t *testing.T) {
	f := newFakeServer()
	expired := signedToken(t, "u1", time.Now().Add(-time.Minute))
	fresh := signedToken(t, "u1", time.Now().Add(time.Hour))
	f.on(MethodSignIn, func(metadata.MD, map[string]any) (any, error) {
		return sessionPayload(expired, "r1", "u1", "a@b.com"), nil
	})
	f.on(MethodRefreshSession, func(metadata.MD, map[string]any) (any, error) {
		return sessionPayload(fresh, "r2", "u1", "a@b.com"), nil
	})
	c := startClient(t, f)

	_, err := c.SignInWithPassword(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)

	s, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, s.AccessToken())
}

func TestGRPCClient_SignOut(t *testing.T) {
	ctx := context.Background()
	kv := storagetest.NewKV(t)
	f := newFakeServer()
	access := signedToken(t, "u1", time.Now().Add(time.Hour))
	f.on(MethodSignIn, func(metadata.MD, map[string]any) (any, error) {
		return sessionPayload(access, "r1", "u1", "a@b.com"), nil
	})
	f.on(MethodSignOut, func(md metadata.MD, _ map[string]any) (any, error) {
		assert.Equal(t, []string{access}, md.Get(common.AccessTokenHeaderName))
		return nil, status.Error(codes.Unauthenticated, "session not found")
	})

	c := startClient(t, f, WithSessionStore(kv))
	var log eventLog
	c.OnAuthStateChange(log.add)

	_, err := c.SignInWithPassword(ctx, "a@b.com", "pw")
	require.NoError(t, err)
	require.NoError(t, c.SignOut(ctx))

	s, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, []AuthEventType{EventSignedIn, EventSignedOut}, log.types())

	raw, err := kv.Get(ctx, SessionKey)
	require.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, c.SignOut(ctx), "signing out twice is harmless")
	assert.Equal(t, 1, f.count(MethodSignOut))
}

func TestGRPCClient_TableCalls(t *testing.T) {
	ctx := context.Background()
	f := newFakeServer()
	f.on(MethodInsert, func(_ metadata.MD, req map[string]any) (any, error) {
		rows := req["rows"].([]any)
		row := rows[0].(map[string]any)
		row["id"] = "srv-1"
		return map[string]any{"rows": []any{row}}, nil
	})
	f.on(MethodUpdate, func(_ metadata.MD, req map[string]any) (any, error) {
		return map[string]any{"rows": []any{req["patch"]}}, nil
	})
	f.on(MethodDelete, func(metadata.MD, map[string]any) (any, error) {
		return map[string]any{}, nil
	})
	f.on(MethodSelect, func(metadata.MD, map[string]any) (any, error) {
		return nil, status.Error(codes.PermissionDenied, "rls")
	})
	c := startClient(t, f)

	rows, err := c.Insert(ctx, TableCartItems, Row{"user_id": "u1", "product_id": "p1", "quantity": 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "srv-1", rows[0]["id"])
	assert.Equal(t, float64(2), rows[0]["quantity"])
	assert.Equal(t, TableCartItems, f.request(MethodInsert)["table"])

	_, err = c.Update(ctx, TableCartItems, Row{"quantity": 5}, Eq("id", "srv-1"))
	require.NoError(t, err)
	filters := f.request(MethodUpdate)["filters"].([]any)
	assert.Equal(t, map[string]any{"column": "id", "op": "eq", "value": "srv-1"}, filters[0])

	require.NoError(t, c.Delete(ctx, TableCartItems, Eq("id", "srv-1")))

	_, err = c.Select(ctx, TableCartItems, Query{})
	var ae *AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.Status)
}

func TestGRPCClient_AnnouncesClientVersion(t *testing.T) {
	ctx := context.Background()
	f := newFakeServer()
	f.on(MethodSignIn, func(md metadata.MD, _ map[string]any) (any, error) {
		assert.Equal(t, []string{"v1.2.3"}, md.Get(common.ClientVersionHeaderName))
		return nil, status.Error(codes.Unauthenticated, "Invalid login credentials")
	})

	c := startClient(t, f, WithClientVersion("v1.2.3"))
	_, _ = c.SignInWithPassword(ctx, "a@b.com", "pw")
	assert.Equal(t, 1, f.count(MethodSignIn))
}
