package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsServer struct {
	conns    chan *websocket.Conn
	received chan envelope
	headers  chan http.Header
}

func newWSServer(t *testing.T) (*wsServer, string) {
	t.Helper()
	s := &wsServer{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan envelope, 32),
		headers:  make(chan http.Header, 8),
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{realtimeSubprotocol}})
	if err != nil {
		return
	}
	s.headers <- r.Header.Clone()
	s.conns <- c
	for {
		var env envelope
		if err := wsjson.Read(r.Context(), c, &env); err != nil {
			return
		}
		s.received <- env
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func push(t *testing.T, c *websocket.Conn, channel string, ev ChangeEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, envelope{Type: msgChange, Channel: channel, Change: &ev}))
}

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(50, retry.NewConstant(10*time.Millisecond))
}

func TestWSRealtime_SubscribeDeliversPerChannel(t *testing.T) {
	srv, url := newWSServer(t)
	rt := NewWSRealtime(url, WithTokenSource(func() string { return "tok" }))
	t.Cleanup(func() { _ = rt.Close() })

	cartEvents := make(chan ChangeEvent, 4)
	favEvents := make(chan ChangeEvent, 4)

	ctx := context.Background()
	cart, err := rt.Subscribe(ctx, ChannelSpec{Name: "cart_items:u1", Table: TableCartItems, Filter: Eq("user_id", "u1")},
		func(ev ChangeEvent) { cartEvents <- ev })
	require.NoError(t, err)
	assert.Equal(t, "cart_items:u1", cart.Name())

	_, err = rt.Subscribe(ctx, ChannelSpec{Name: "favorites:u1", Table: TableFavorites, Filter: Eq("user_id", "u1")},
		func(ev ChangeEvent) { favEvents <- ev })
	require.NoError(t, err)

	conn := recv(t, srv.conns)
	assert.Equal(t, "Bearer tok", recv(t, srv.headers).Get("Authorization"))

	sub := recv(t, srv.received)
	assert.Equal(t, envelope{Type: msgSubscribe, Channel: "cart_items:u1", Table: TableCartItems, Filter: "user_id=eq.u1"}, sub)
	recv(t, srv.received)

	push(t, conn, "cart_items:u1", ChangeEvent{Type: ChangeInsert, Table: TableCartItems, New: Row{"id": "c1"}})

	ev := recv(t, cartEvents)
	assert.Equal(t, "cart_items:u1", ev.Channel)
	assert.Equal(t, ChangeInsert, ev.Type)
	assert.Equal(t, "c1", ev.New["id"])
	assert.Empty(t, favEvents)

	require.NoError(t, rt.RemoveChannel(cart))
	unsub := recv(t, srv.received)
	assert.Equal(t, msgUnsubscribe, unsub.Type)
	assert.Equal(t, "cart_items:u1", unsub.Channel)

	push(t, conn, "cart_items:u1", ChangeEvent{Type: ChangeDelete, Table: TableCartItems})
	push(t, conn, "favorites:u1", ChangeEvent{Type: ChangeDelete, Table: TableFavorites})
	recv(t, favEvents)
	assert.Empty(t, cartEvents)
}

func TestWSRealtime_SharedChannelSubscribesOnce(t *testing.T) {
	srv, url := newWSServer(t)
	rt := NewWSRealtime(url)
	t.Cleanup(func() { _ = rt.Close() })

	spec := ChannelSpec{Name: "cart_items:u1", Table: TableCartItems, Filter: Eq("user_id", "u1")}
	a, err := rt.Subscribe(context.Background(), spec, func(ChangeEvent) {})
	require.NoError(t, err)
	b, err := rt.Subscribe(context.Background(), spec, func(ChangeEvent) {})
	require.NoError(t, err)
	recv(t, srv.received)

	require.NoError(t, rt.RemoveChannel(a))
	require.NoError(t, rt.RemoveChannel(b))

	env := recv(t, srv.received)
	assert.Equal(t, msgUnsubscribe, env.Type)
}

func TestWSRealtime_ReconnectReplaysSubscriptions(t *testing.T) {
	srv, url := newWSServer(t)
	rt := NewWSRealtime(url, WithReconnectBackoff(fastBackoff))
	t.Cleanup(func() { _ = rt.Close() })

	events := make(chan ChangeEvent, 4)
	_, err := rt.Subscribe(context.Background(), ChannelSpec{Name: "favorites:u1", Table: TableFavorites, Filter: Eq("user_id", "u1")},
		func(ev ChangeEvent) { events <- ev })
	require.NoError(t, err)

	first := recv(t, srv.conns)
	recv(t, srv.received)
	require.NoError(t, first.Close(websocket.StatusGoingAway, "restart"))

	second := recv(t, srv.conns)
	replay := recv(t, srv.received)
	assert.Equal(t, msgSubscribe, replay.Type)
	assert.Equal(t, "favorites:u1", replay.Channel)

	push(t, second, "favorites:u1", ChangeEvent{Type: ChangeUpdate, Table: TableFavorites})
	assert.Equal(t, ChangeUpdate, recv(t, events).Type)
}

func TestWSRealtime_TokenChangeRedials(t *testing.T) {
	srv, url := newWSServer(t)

	var mu sync.Mutex
	token := "alice-token"
	rt := NewWSRealtime(url, WithTokenSource(func() string {
		mu.Lock()
		defer mu.Unlock()
		return token
	}))
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	aliceSpec := ChannelSpec{Name: "cart_items:alice", Table: TableCartItems, Filter: Eq("user_id", "alice")}
	aliceCh, err := rt.Subscribe(ctx, aliceSpec, func(ChangeEvent) {})
	require.NoError(t, err)
	recv(t, srv.conns)
	assert.Equal(t, "Bearer alice-token", recv(t, srv.headers).Get("Authorization"))
	assert.Equal(t, "cart_items:alice", recv(t, srv.received).Channel)

	require.NoError(t, rt.RemoveChannel(aliceCh))
	assert.Equal(t, msgUnsubscribe, recv(t, srv.received).Type)

	mu.Lock()
	token = "bob-token"
	mu.Unlock()

	events := make(chan ChangeEvent, 1)
	_, err = rt.Subscribe(ctx, ChannelSpec{Name: "cart_items:bob", Table: TableCartItems, Filter: Eq("user_id", "bob")},
		func(ev ChangeEvent) { events <- ev })
	require.NoError(t, err)

	bobConn := recv(t, srv.conns)
	assert.Equal(t, "Bearer bob-token", recv(t, srv.headers).Get("Authorization"))
	sub := recv(t, srv.received)
	assert.Equal(t, msgSubscribe, sub.Type)
	assert.Equal(t, "cart_items:bob", sub.Channel)

	push(t, bobConn, "cart_items:bob", ChangeEvent{Type: ChangeInsert, Table: TableCartItems})
	assert.Equal(t, ChangeInsert, recv(t, events).Type)

	select {
	case <-srv.conns:
		t.Fatal("replaced connection must not reconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSRealtime_ClosedRejectsSubscribe(t *testing.T) {
	_, url := newWSServer(t)
	rt := NewWSRealtime(url)
	require.NoError(t, rt.Close())

	_, err := rt.Subscribe(context.Background(), ChannelSpec{Name: "x"}, func(ChangeEvent) {})
	assert.ErrorIs(t, err, ErrRealtimeClosed)
}
