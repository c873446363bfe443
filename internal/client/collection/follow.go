package collection

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/session"
)

// IdentitySource publishes the signed-in identity. *session.Manager
// implements it.
type IdentitySource interface {
	State() session.State
	Subscribe(fn func(session.State)) (unsubscribe func())
}

// FollowIdentity keeps the owner of c equal to the signed-in user of src.
// Owner changes are applied in order on a single goroutine; rapid changes
// collapse into the latest one. stop ends following.
func (c *Collection[T]) FollowIdentity(src IdentitySource) (stop func()) {
	var (
		mu     sync.Mutex
		target string
	)
	wake := make(chan struct{}, 1)
	want := func(s session.State) {
		id := ""
		if s.Identity != nil {
			id = s.Identity.ID
		}
		mu.Lock()
		target = id
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	unsubscribe := src.Subscribe(want)
	want(src.State())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			mu.Lock()
			owner := target
			mu.Unlock()
			if err := c.SetOwner(ctx, owner); err != nil && ctx.Err() == nil {
				c.log.Warn(ctx, "failed to load items for new owner", "owner", owner, "error", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			cancel()
			<-done
		})
	}
}
