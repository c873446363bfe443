// Package activity records when the user last interacted with the client.
//
// The timestamp is written to the KV store and to a cookie; processes that
// share the data file read the newer of the two, so they agree on the last
// interaction. Stamps never move backwards.
package activity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
)

const (
	Key        = "activity.last_at"
	CookieName = "gm_last_activity"

	cookieMaxAge = 30 * 24 * time.Hour
)

// Kind names the interaction that produced a stamp.
type Kind string

const (
	KindPointer Kind = "pointer"
	KindKey     Kind = "key"
	KindScroll  Kind = "scroll"
	KindTouch   Kind = "touch"
	KindCommand Kind = "command"
)

// Source reports interactions until ctx is done.
type Source interface {
	Run(ctx context.Context, touch func(Kind))
}

// ChanSource turns every value received on the channel into a stamp.
type ChanSource <-chan Kind

func (c ChanSource) Run(ctx context.Context, touch func(Kind)) {
	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-c:
			if !ok {
				return
			}
			touch(k)
		}
	}
}

type Tracker struct {
	kv      storage.KV
	cookies storage.Cookies
	log     logging.Logger
	now     func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewTracker(kv storage.KV, cookies storage.Cookies, log logging.Logger) *Tracker {
	return &Tracker{kv: kv, cookies: cookies, log: log, now: time.Now}
}

// Touch stamps an interaction and returns the stored time, which is never
// earlier than any previous stamp.
func (t *Tracker) Touch(ctx context.Context, kind Kind) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	stamp := t.now()
	if prev := t.lastLocked(ctx); stamp.Before(prev) {
		stamp = prev
	}
	t.last = stamp

	value := strconv.FormatInt(stamp.UnixMilli(), 10)
	if err := t.kv.Set(ctx, Key, []byte(value)); err != nil {
		t.log.Warn(ctx, "activity: failed to store stamp", "kind", kind, "error", err)
	}
	if err := t.cookies.Set(ctx, CookieName, value, cookieMaxAge); err != nil {
		t.log.Warn(ctx, "activity: failed to store cookie", "kind", kind, "error", err)
	}
	return stamp
}

// Last returns the newest known stamp, or the zero time.
func (t *Tracker) Last(ctx context.Context) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLocked(ctx)
}

// SinceLast reports the time elapsed since the last stamp; ok is false when
// nothing was ever stamped.
func (t *Tracker) SinceLast(ctx context.Context) (d time.Duration, ok bool) {
	last := t.Last(ctx)
	if last.IsZero() {
		return 0, false
	}
	return t.now().Sub(last), true
}

func (t *Tracker) Clear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = time.Time{}
	if err := t.kv.Delete(ctx, Key); err != nil {
		t.log.Warn(ctx, "activity: failed to clear stamp", "error", err)
	}
	if err := t.cookies.Delete(ctx, CookieName); err != nil {
		t.log.Warn(ctx, "activity: failed to clear cookie", "error", err)
	}
}

// Run feeds every source into Touch and blocks until ctx is done.
func (t *Tracker) Run(ctx context.Context, sources ...Source) {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			src.Run(ctx, func(k Kind) { t.Touch(ctx, k) })
		}(src)
	}
	<-ctx.Done()
	wg.Wait()
}

func (t *Tracker) lastLocked(ctx context.Context) time.Time {
	last := t.last

	if raw, err := t.kv.Get(ctx, Key); err != nil {
		t.log.Warn(ctx, "activity: failed to read stamp", "error", err)
	} else if v, ok := parseMillis(string(raw)); ok && v.After(last) {
		last = v
	}

	if raw, found, err := t.cookies.Get(ctx, CookieName); err != nil {
		t.log.Warn(ctx, "activity: failed to read cookie", "error", err)
	} else if found {
		if v, ok := parseMillis(raw); ok && v.After(last) {
			last = v
		}
	}
	return last
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
