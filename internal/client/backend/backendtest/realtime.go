package backendtest

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
)

// Realtime is an in-memory backend.Realtime.
type Realtime struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]subscription
	removed []string

	SubscribeErr error
}

type subscription struct {
	spec    backend.ChannelSpec
	handler func(backend.ChangeEvent)
}

type channel struct {
	id   int
	name string
}

func (c *channel) Name() string { return c.name }

func NewRealtime() *Realtime {
	return &Realtime{subs: make(map[int]subscription)}
}

func (r *Realtime) Subscribe(_ context.Context, spec backend.ChannelSpec, handler func(backend.ChangeEvent)) (backend.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SubscribeErr != nil {
		return nil, r.SubscribeErr
	}
	r.nextID++
	r.subs[r.nextID] = subscription{spec: spec, handler: handler}
	return &channel{id: r.nextID, name: spec.Name}, nil
}

func (r *Realtime) RemoveChannel(ch backend.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := ch.(*channel); ok {
		delete(r.subs, c.id)
	}
	r.removed = append(r.removed, ch.Name())
	return nil
}

// Active lists the names of live channels.
func (r *Realtime) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.subs))
	for _, s := range r.subs {
		names = append(names, s.spec.Name)
	}
	return names
}

func (r *Realtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

// Publish delivers ev to every channel whose table and filter match.
func (r *Realtime) Publish(ev backend.ChangeEvent) {
	r.mu.Lock()
	var targets []subscription
	for _, s := range r.subs {
		if s.spec.Table != ev.Table {
			continue
		}
		row := ev.New
		if row == nil {
			row = ev.Old
		}
		if s.spec.Filter.Column != "" && !backend.Matches(row, s.spec.Filter) {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		e := ev
		e.Channel = s.spec.Name
		s.handler(e)
	}
}
