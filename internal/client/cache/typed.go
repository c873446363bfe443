package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Lookup returns the value of key as T. Snapshot values are decoded on
// first access and kept decoded; undecodable snapshots count as absent.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T

	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := castOrDecode[T](v)
	if !ok {
		return zero, false
	}
	if _, raw := v.(json.RawMessage); raw {
		c.mu.Lock()
		if cur, ok := c.entries[key].(json.RawMessage); ok && string(cur) == string(v.(json.RawMessage)) {
			c.entries[key] = typed
		}
		c.mu.Unlock()
	}
	return typed, true
}

// Fetch is the typed form of GetOrFetch.
func Fetch[T any](ctx context.Context, c *Cache, key string, fetcher func(ctx context.Context) (T, error), opts ...FetchOption) (T, error) {
	var zero T

	var o fetchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.force {
		if v, ok := Lookup[T](c, key); ok {
			return v, nil
		}
	}

	v, err := c.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetcher(ctx)
	}, WithForceRefresh(true))
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache: value of %q has type %T", key, v)
	}
	return typed, nil
}

// Patch applies fn to the typed value of key. fn receives ok=false when the
// key holds nothing usable.
func Patch[T any](c *Cache, key string, fn func(old T, ok bool) T) {
	c.Update(key, func(old any, ok bool) any {
		var typed T
		if ok {
			typed, ok = castOrDecode[T](old)
		}
		return fn(typed, ok)
	})
}

func castOrDecode[T any](v any) (T, bool) {
	var zero T

	switch x := v.(type) {
	case T:
		return x, true
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(x, &out); err != nil {
			return zero, false
		}
		return out, true
	}
	return zero, false
}
