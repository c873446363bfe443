// Package collection implements a per-owner list of remote rows that is
// seeded from the local cache, refreshed from the backend, changed
// optimistically and invalidated by push events.
//
// Every mutation follows the same protocol: the change is applied to the
// in-memory items at once, the remote write is issued, and then either the
// shared cache entry is patched (success) or the whole list is re-fetched
// from the backend (failure). There is no fine-grained undo.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/cache"
	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
)

var (
	ErrNoOwner = errors.New("collection has no owner")
	ErrClosed  = errors.New("collection is closed")
)

// Phase is the reconciliation state of a collection.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseMutating: at least one optimistic change awaits its remote write.
	PhaseMutating
	PhaseReconciled
	// PhaseRolledBack: a remote write failed; a forced fetch is restoring
	// the remote state.
	PhaseRolledBack
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseMutating:
		return "mutating"
	case PhaseReconciled:
		return "reconciled"
	case PhaseRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Config describes the resource a collection mirrors.
type Config[T any] struct {
	// Resource names the cache key and push channel, e.g. "cart".
	Resource string
	Table    string
	// OwnerColumn holds the owner id in Table. Defaults to "user_id".
	OwnerColumn string
	OrderBy     string
	// ID returns the row id of an item.
	ID func(T) string
}

type Deps struct {
	Tables   backend.Tables
	Realtime backend.Realtime
	Cache    *cache.Cache
	Log      logging.Logger
}

// State is a snapshot of a collection.
type State[T any] struct {
	Owner   string
	Items   []T
	Loading bool
	Phase   Phase
	Err     error
}

// Mutation is one optimistic change.
type Mutation[T any] struct {
	Name string
	// Optimistic returns items with the change applied. It must not modify
	// its argument in place.
	Optimistic func(items []T) []T
	// Remote performs the write and returns how to fold the server's answer
	// into the items; a nil reconcile keeps the optimistic result.
	Remote func(ctx context.Context) (reconcile func(items []T) []T, err error)
}

const stateTopic = "state"

type Collection[T any] struct {
	cfg  Config[T]
	deps Deps
	log  logging.Logger

	mu      sync.Mutex
	owner   string
	gen     uint64
	items   []T
	loading bool
	phase   Phase
	err     error
	pending int
	closed  bool

	unsubCache func()
	channel    backend.Channel

	subs *hub.Hub[State[T]]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New[T any](cfg Config[T], deps Deps) *Collection[T] {
	if cfg.OwnerColumn == "" {
		cfg.OwnerColumn = "user_id"
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Cache == nil {
		deps.Cache = cache.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Collection[T]{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With("collection", cfg.Resource),
		subs:   hub.New[State[T]](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Key returns the cache key and channel name of owner's collection.
func (c *Collection[T]) Key(owner string) string {
	return c.cfg.Resource + ":" + owner
}

// SetOwner rebinds the collection to owner. Subscriptions of the previous
// owner are dropped first; the cached items of the new owner are shown
// immediately and then refreshed. An empty owner empties the collection.
func (c *Collection[T]) SetOwner(ctx context.Context, owner string) error {
	var (
		cached []T
		hit    bool
	)
	if owner != "" {
		cached, hit = cache.Lookup[[]T](c.deps.Cache, c.Key(owner))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if owner == c.owner {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	release := c.detachLocked()

	c.owner = owner
	c.items = cached
	c.loading = owner != "" && !hit
	c.phase = PhaseIdle
	c.err = nil
	c.pending = 0
	if owner != "" {
		c.unsubCache = c.deps.Cache.Subscribe(c.Key(owner), c.onCacheUpdate(gen))
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	release()
	c.subs.Publish(stateTopic, snapshot)

	if owner == "" {
		return nil
	}
	c.listen(ctx, gen, owner)
	return c.fetch(ctx, gen, hit)
}

// listen opens the push channel of owner; any remote change forces a fetch.
func (c *Collection[T]) listen(ctx context.Context, gen uint64, owner string) {
	if c.deps.Realtime == nil {
		return
	}
	spec := backend.ChannelSpec{
		Name:   c.Key(owner),
		Table:  c.cfg.Table,
		Filter: backend.Eq(c.cfg.OwnerColumn, owner),
	}
	ch, err := c.deps.Realtime.Subscribe(ctx, spec, func(ev backend.ChangeEvent) {
		c.log.Debug(c.ctx, "remote change", "type", ev.Type, "channel", ev.Channel)
		c.background(func(ctx context.Context) {
			if err := c.fetch(ctx, gen, true); err != nil {
				c.log.Warn(ctx, "refetch after remote change failed", "error", err)
			}
		})
	})
	if err != nil {
		c.log.Warn(ctx, "push channel unavailable", "channel", spec.Name, "error", err)
		return
	}

	c.mu.Lock()
	if gen == c.gen && !c.closed {
		c.channel = ch
		ch = nil
	}
	c.mu.Unlock()
	if ch != nil {
		c.removeChannel(ch)
	}
}

func (c *Collection[T]) onCacheUpdate(gen uint64) func(any) {
	return func(v any) {
		items, ok := v.([]T)
		if !ok {
			return
		}
		c.mu.Lock()
		if gen != c.gen || c.closed || c.pending > 0 {
			c.mu.Unlock()
			return
		}
		c.items = items
		c.loading = false
		snapshot := c.snapshotLocked()
		c.mu.Unlock()

		c.subs.Publish(stateTopic, snapshot)
	}
}

// fetch loads the items of the owner bound at generation gen. Results for
// a superseded owner are discarded.
func (c *Collection[T]) fetch(ctx context.Context, gen uint64, force bool) error {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return nil
	}
	owner := c.owner
	c.mu.Unlock()

	items, err := cache.Fetch(ctx, c.deps.Cache, c.Key(owner), c.fetcher(owner), cache.WithForceRefresh(force))

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.loading = false
	if err != nil {
		c.err = err
	} else {
		c.items = items
		c.err = nil
		if c.pending == 0 {
			c.phase = PhaseIdle
		}
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.subs.Publish(stateTopic, snapshot)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c.cfg.Resource, err)
	}
	return nil
}

func (c *Collection[T]) fetcher(owner string) func(ctx context.Context) ([]T, error) {
	return func(ctx context.Context) ([]T, error) {
		rows, err := c.deps.Tables.Select(ctx, c.cfg.Table, backend.Query{
			Filters: []backend.Filter{backend.Eq(c.cfg.OwnerColumn, owner)},
			OrderBy: c.cfg.OrderBy,
		})
		if err != nil {
			return nil, err
		}
		items, err := backend.DecodeRows[T](rows)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []T{}
		}
		return items, nil
	}
}

// Refresh re-reads the items from the backend, bypassing the cache.
func (c *Collection[T]) Refresh(ctx context.Context) error {
	c.mu.Lock()
	gen, owner := c.gen, c.owner
	c.mu.Unlock()
	if owner == "" {
		return ErrNoOwner
	}
	return c.fetch(ctx, gen, true)
}

// Prefetch warms the cache for owner without binding to it.
func (c *Collection[T]) Prefetch(ctx context.Context, owner string) error {
	if owner == "" {
		return ErrNoOwner
	}
	_, err := cache.Fetch(ctx, c.deps.Cache, c.Key(owner), c.fetcher(owner))
	return err
}

// Mutate applies m optimistically and then remotely. A failed remote write
// is returned after the items were re-fetched from the backend.
func (c *Collection[T]) Mutate(ctx context.Context, m Mutation[T]) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.owner == "" {
		c.mu.Unlock()
		return ErrNoOwner
	}
	gen, key := c.gen, c.Key(c.owner)
	c.items = m.Optimistic(c.items)
	c.pending++
	c.phase = PhaseMutating
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.subs.Publish(stateTopic, snapshot)

	reconcile, err := m.Remote(ctx)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return err
	}
	c.pending--
	if err == nil {
		if reconcile != nil {
			c.items = reconcile(c.items)
		}
		c.phase = PhaseReconciled
	} else {
		c.phase = PhaseRolledBack
	}
	snapshot = c.snapshotLocked()
	c.mu.Unlock()
	c.subs.Publish(stateTopic, snapshot)

	if err == nil {
		cache.Patch(c.deps.Cache, key, func(old []T, _ bool) []T {
			next := m.Optimistic(old)
			if reconcile != nil {
				next = reconcile(next)
			}
			return next
		})
		return nil
	}

	c.log.Warn(ctx, "mutation failed; restoring remote state", "mutation", m.Name, "error", err)
	if ferr := c.fetch(ctx, gen, true); ferr != nil {
		c.log.Warn(ctx, "restore after failed mutation failed", "error", ferr)
	}
	return fmt.Errorf("%s %s: %w", c.cfg.Resource, m.Name, err)
}

// Owner returns the id the items belong to, or "" when nobody is bound.
func (c *Collection[T]) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Items returns a copy of the current items.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Loading is true while the first fetch for the owner runs without cached items.
func (c *Collection[T]) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// State returns a snapshot of items, phase and last error.
func (c *Collection[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe calls fn with every new state until unsubscribe is called.
func (c *Collection[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	return c.subs.Subscribe(stateTopic, fn)
}

// Find returns the first item matching pred.
func (c *Collection[T]) Find(pred func(T) bool) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if pred(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// ItemID returns the row id of it.
func (c *Collection[T]) ItemID(it T) string {
	return c.cfg.ID(it)
}

// Close drops every subscription and waits for background fetches.
func (c *Collection[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	release := c.detachLocked()
	c.mu.Unlock()

	release()
	c.cancel()
	c.wg.Wait()
}

// detachLocked unhooks the current owner and returns the cleanup to run
// once c.mu is released.
func (c *Collection[T]) detachLocked() func() {
	unsub, ch := c.unsubCache, c.channel
	c.unsubCache, c.channel = nil, nil
	return func() {
		if unsub != nil {
			unsub()
		}
		if ch != nil {
			c.removeChannel(ch)
		}
	}
}

func (c *Collection[T]) removeChannel(ch backend.Channel) {
	if err := c.deps.Realtime.RemoveChannel(ch); err != nil {
		c.log.Warn(c.ctx, "failed to remove push channel", "channel", ch.Name(), "error", err)
	}
}

func (c *Collection[T]) snapshotLocked() State[T] {
	return State[T]{
		Owner:   c.owner,
		Items:   append([]T(nil), c.items...),
		Loading: c.loading,
		Phase:   c.phase,
		Err:     c.err,
	}
}

func (c *Collection[T]) background(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// Replace returns items with the item whose id is id replaced by it.
func Replace[T any](items []T, id string, it T, idOf func(T) string) []T {
	out := make([]T, 0, len(items))
	for _, cur := range items {
		if idOf(cur) == id {
			out = append(out, it)
			continue
		}
		out = append(out, cur)
	}
	return out
}

// Without returns items minus those for which drop reports true.
func Without[T any](items []T, drop func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, cur := range items {
		if !drop(cur) {
			out = append(out, cur)
		}
	}
	return out
}

// Settle swaps the placeholder tmpID for saved. A copy of saved that a
// concurrent fetch already brought in is dropped first; without a
// placeholder saved is appended.
func Settle[T any](items []T, tmpID string, saved T, idOf func(T) string) []T {
	id := idOf(saved)
	out := make([]T, 0, len(items)+1)
	placed := false
	for _, cur := range items {
		switch idOf(cur) {
		case id:
			continue
		case tmpID:
			if !placed {
				out = append(out, saved)
				placed = true
			}
			continue
		}
		out = append(out, cur)
	}
	if !placed {
		out = append(out, saved)
	}
	return out
}
