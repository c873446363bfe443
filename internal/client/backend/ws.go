package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
	"github.com/sethvargo/go-retry"
)

const (
	realtimeSubprotocol = "gophmarket.realtime.v1"
	maxReadBytes        = 1 << 20
)

// Envelope types of the realtime protocol.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgChange      = "change"
	msgError       = "error"
)

type envelope struct {
	Type    string       `json:"type"`
	Channel string       `json:"channel"`
	Table   string       `json:"table,omitempty"`
	Filter  string       `json:"filter,omitempty"`
	Change  *ChangeEvent `json:"change,omitempty"`
	Message string       `json:"message,omitempty"`
}

var ErrRealtimeClosed = errors.New("realtime connection closed")

// WSRealtime multiplexes push channels over one websocket connection and
// re-establishes it, resubscribing every live channel, when it drops or
// when the bearer token changed since it was dialed.
type WSRealtime struct {
	url     string
	token   func() string
	log     logging.Logger
	backoff func() retry.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conn   *websocket.Conn
	connAs string
	specs  map[string]ChannelSpec
	refs   map[string]int
	events *hub.Hub[ChangeEvent]
}

type WSOption func(*WSRealtime)

// WithTokenSource supplies the bearer token sent on every (re)connect.
func WithTokenSource(fn func() string) WSOption {
	return func(r *WSRealtime) { r.token = fn }
}

func WithWSLogger(l logging.Logger) WSOption {
	return func(r *WSRealtime) { r.log = l }
}

// WithReconnectBackoff overrides the reconnect schedule.
func WithReconnectBackoff(fn func() retry.Backoff) WSOption {
	return func(r *WSRealtime) { r.backoff = fn }
}

func NewWSRealtime(url string, opts ...WSOption) *WSRealtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &WSRealtime{
		url:    url,
		token:  func() string { return "" },
		log:    logging.Nop(),
		ctx:    ctx,
		cancel: cancel,
		specs:  make(map[string]ChannelSpec),
		refs:   make(map[string]int),
		events: hub.New[ChangeEvent](),
		backoff: func() retry.Backoff {
			return retry.WithCappedDuration(10*time.Second, retry.NewExponential(200*time.Millisecond))
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type wsChannel struct {
	name        string
	unsubscribe func()
}

func (c *wsChannel) Name() string { return c.name }

func (r *WSRealtime) Subscribe(ctx context.Context, spec ChannelSpec, handler func(ChangeEvent)) (Channel, error) {
	if r.ctx.Err() != nil {
		return nil, ErrRealtimeClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tok := r.token()
	if r.conn != nil && tok != r.connAs {
		r.log.Debug(ctx, "realtime token changed, redialing")
		old := r.conn
		r.conn = nil
		_ = old.CloseNow()
	}

	if r.conn == nil {
		conn, err := r.dial(ctx, tok)
		if err != nil {
			return nil, err
		}
		for _, known := range r.specs {
			if err := wsjson.Write(ctx, conn, subscribeMsg(known)); err != nil {
				_ = conn.CloseNow()
				return nil, fmt.Errorf("resubscribe %s: %w", known.Name, err)
			}
		}
		r.conn = conn
		r.connAs = tok
		r.wg.Add(1)
		go r.readLoop(conn)
	}

	if r.refs[spec.Name] == 0 {
		if err := wsjson.Write(ctx, r.conn, subscribeMsg(spec)); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
		}
		r.specs[spec.Name] = spec
	}
	r.refs[spec.Name]++

	return &wsChannel{name: spec.Name, unsubscribe: r.events.Subscribe(spec.Name, handler)}, nil
}

func (r *WSRealtime) RemoveChannel(ch Channel) error {
	c, ok := ch.(*wsChannel)
	if !ok {
		return fmt.Errorf("foreign channel %q", ch.Name())
	}
	c.unsubscribe()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs[c.name] == 0 {
		return nil
	}
	r.refs[c.name]--
	if r.refs[c.name] > 0 {
		return nil
	}
	delete(r.refs, c.name)
	delete(r.specs, c.name)

	if r.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, r.conn, envelope{Type: msgUnsubscribe, Channel: c.name}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", c.name, err)
	}
	return nil
}

// Close drops the connection and stops reconnecting.
func (r *WSRealtime) Close() error {
	r.cancel()

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	r.wg.Wait()
	return err
}

func (r *WSRealtime) dial(ctx context.Context, tok string) (*websocket.Conn, error) {
	h := http.Header{}
	if tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{
		Subprotocols: []string{realtimeSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime %s: %w", r.url, err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn, nil
}

func (r *WSRealtime) readLoop(conn *websocket.Conn) {
	defer r.wg.Done()
	defer func() { _ = conn.CloseNow() }()

	for {
		var env envelope
		err := wsjson.Read(r.ctx, conn, &env)
		if err != nil {
			if r.ctx.Err() != nil || r.superseded(conn) {
				return
			}
			r.log.Warn(r.ctx, "realtime connection lost", "error", err)
			next, ok := r.reconnect(conn)
			if !ok {
				return
			}
			conn = next
			continue
		}

		switch env.Type {
		case msgChange:
			if env.Change == nil {
				continue
			}
			ev := *env.Change
			ev.Channel = env.Channel
			r.events.Publish(env.Channel, ev)
		case msgError:
			r.log.Warn(r.ctx, "realtime error", "channel", env.Channel, "message", env.Message)
		}
	}
}

// superseded reports whether conn was replaced by a redial.
func (r *WSRealtime) superseded(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != conn
}

// reconnect replaces the dead connection and replays subscriptions. It gives
// up without error when a redial already replaced dead.
func (r *WSRealtime) reconnect(dead *websocket.Conn) (*websocket.Conn, bool) {
	_ = dead.CloseNow()

	var conn *websocket.Conn
	var replayed int
	err := retry.Do(r.ctx, r.backoff(), func(ctx context.Context) error {
		tok := r.token()
		c, err := r.dial(ctx, tok)
		if err != nil {
			return retry.RetryableError(err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.conn != dead {
			_ = c.CloseNow()
			return nil
		}
		for _, spec := range r.specs {
			if err := wsjson.Write(ctx, c, subscribeMsg(spec)); err != nil {
				_ = c.CloseNow()
				return retry.RetryableError(err)
			}
		}
		r.conn = c
		r.connAs = tok
		conn = c
		replayed = len(r.specs)
		return nil
	})
	if err != nil {
		if r.ctx.Err() == nil {
			r.log.Error(r.ctx, "realtime reconnect failed", "error", err)
		}
		r.mu.Lock()
		if r.conn == dead {
			r.conn = nil
		}
		r.mu.Unlock()
		return nil, false
	}
	if conn == nil {
		return nil, false
	}
	r.log.Info(r.ctx, "realtime reconnected", "channels", replayed)
	return conn, true
}

func subscribeMsg(spec ChannelSpec) envelope {
	env := envelope{Type: msgSubscribe, Channel: spec.Name, Table: spec.Table}
	if spec.Filter.Column != "" {
		env.Filter = spec.Filter.String()
	}
	return env
}
