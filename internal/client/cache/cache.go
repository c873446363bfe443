// Package cache is the local cache primitive shared by synchronized
// collections and any read-only observer of the same data.
//
// Values live in memory and, when persistence is enabled, are snapshotted as
// JSON into the local KV store so that a fresh process can seed instantly.
// Concurrent fetches for one key are collapsed into a single call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
	"golang.org/x/sync/singleflight"
)

// KeyPrefix namespaces cache snapshots inside the KV store.
const KeyPrefix = "cache."

type Cache struct {
	mu      sync.RWMutex
	entries map[string]any

	// pubMu keeps notifications in the order the writes were stored.
	pubMu sync.Mutex

	flight  singleflight.Group
	subs    *hub.Hub[any]
	persist storage.KV
	log     logging.Logger
}

type Option func(*Cache)

// WithPersistence snapshots every value into kv.
func WithPersistence(kv storage.KV) Option {
	return func(c *Cache) { c.persist = kv }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]any),
		subs:    hub.New[any](),
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored under key. A value restored from a snapshot
// is returned as json.RawMessage until it is read through Lookup.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	return c.restore(key)
}

func (c *Cache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores v, snapshots it and notifies subscribers of key.
func (c *Cache) Set(key string, v any) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	c.entries[key] = v
	c.snapshot(key, v)
	c.mu.Unlock()

	c.subs.Publish(key, v)
}

// Update replaces the value of key with updater(old, ok) atomically and
// notifies subscribers.
func (c *Cache) Update(key string, updater func(old any, ok bool) any) {
	c.Get(key) // pull a snapshot into memory first

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	old, ok := c.entries[key]
	v := updater(old, ok)
	c.entries[key] = v
	c.snapshot(key, v)
	c.mu.Unlock()

	c.subs.Publish(key, v)
}

// Subscribe registers fn for changes of key only. fn runs on the writer's
// goroutine and must not write to the cache.
func (c *Cache) Subscribe(key string, fn func(v any)) (unsubscribe func()) {
	return c.subs.Subscribe(key, fn)
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	if c.persist != nil {
		if err := c.persist.Delete(context.Background(), KeyPrefix+key); err != nil {
			c.log.Warn(context.Background(), "cache snapshot delete failed", "key", key, "error", err)
		}
	}
	c.mu.Unlock()
}

// Clear drops every value in memory and every snapshot.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
	if c.persist == nil {
		return nil
	}
	if err := c.persist.DeletePrefix(ctx, KeyPrefix); err != nil {
		return fmt.Errorf("clear cache snapshots: %w", err)
	}
	return nil
}

// FetchOption tunes GetOrFetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	force bool
}

// WithForceRefresh bypasses the stored value and always calls the fetcher.
func WithForceRefresh(force bool) FetchOption {
	return func(o *fetchOptions) { o.force = force }
}

// GetOrFetch returns the stored value of key or, when absent or forced,
// calls fetcher and stores its result. Overlapping calls for the same key
// share one fetcher invocation; it runs detached from the cancellation of
// the caller that started it, and every caller stops waiting when its own
// ctx is done.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetcher func(ctx context.Context) (any, error), opts ...FetchOption) (any, error) {
	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.force {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		v, err := fetcher(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (c *Cache) restore(key string) (any, bool) {
	if c.persist == nil {
		return nil, false
	}
	raw, err := c.persist.Get(context.Background(), KeyPrefix+key)
	if err != nil {
		c.log.Warn(context.Background(), "cache snapshot read failed", "key", key, "error", err)
		return nil, false
	}
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.entries[key]; ok {
		return v, true
	}
	c.entries[key] = json.RawMessage(raw)
	return json.RawMessage(raw), true
}

// snapshot must be called with c.mu held.
func (c *Cache) snapshot(key string, v any) {
	if c.persist == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err == nil {
		err = c.persist.Set(context.Background(), KeyPrefix+key, raw)
	}
	if err != nil {
		c.log.Warn(context.Background(), "cache snapshot write failed", "key", key, "error", err)
	}
}
