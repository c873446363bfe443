package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub_DeliversOnlyToSameKey(t *testing.T) {
	h := New[int]()

	var a, b []int
	h.Subscribe("cart_items:u1", func(v int) { a = append(a, v) })
	h.Subscribe("cart_items:u2", func(v int) { b = append(b, v) })

	h.Publish("cart_items:u1", 1)
	h.Publish("cart_items:u2", 2)
	h.Publish("favorites:u1", 3)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{2}, b)
}

func TestHub_UnsubscribeIsIdempotentAndCleansUp(t *testing.T) {
	h := New[string]()

	calls := 0
	unsub := h.Subscribe("k", func(string) { calls++ })
	other := h.Subscribe("k", func(string) {})
	assert.Equal(t, 2, h.Count("k"))

	unsub()
	unsub()
	h.Publish("k", "x")
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, h.Count("k"))

	other()
	assert.Empty(t, h.Keys())
}

func TestHub_HandlerMayUnsubscribeDuringPublish(t *testing.T) {
	h := New[int]()

	var unsub func()
	calls := 0
	unsub = h.Subscribe("k", func(int) {
		calls++
		unsub()
	})

	h.Publish("k", 1)
	h.Publish("k", 2)
	assert.Equal(t, 1, calls)
}

func TestHub_ConcurrentUse(t *testing.T) {
	h := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := h.Subscribe("k", func(int) {})
			h.Publish("k", 1)
			unsub()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Count("k"))
}
