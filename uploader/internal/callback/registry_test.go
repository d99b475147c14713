package callback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func startRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRegistry_DeliversInOrder(t *testing.T) {
	r := startRegistry(t)
	rec := &recorder{}
	r.Register("req-1", rec)

	r.Publish(Event{Kind: KindStart, RequestID: "req-1"})
	r.Publish(Event{Kind: KindProgress, RequestID: "req-1", Bytes: 10, Total: 20})
	r.Publish(Event{Kind: KindReschedule, RequestID: "req-1"})
	r.Publish(Event{Kind: KindSuccess, RequestID: "req-1"})
	r.Publish(Event{Kind: KindStart, RequestID: "other"})

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindStart, KindProgress, KindReschedule, KindSuccess}, rec.kinds())
}

func TestRegistry_HoldsResultForLateListener(t *testing.T) {
	r := startRegistry(t)

	var delivered []string
	var mu sync.Mutex
	r.OnDelivered(func(id string) {
		mu.Lock()
		delivered = append(delivered, id)
		mu.Unlock()
	})

	first := &recorder{}
	unregister := r.Register("req-1", first)
	unregister()

	result := map[string]any{"public_id": "cat"}
	r.Publish(Event{Kind: KindProgress, RequestID: "req-1", Bytes: 1})
	r.Publish(Event{Kind: KindSuccess, RequestID: "req-1", Result: result})

	held, ok := r.Pending("req-1")
	require.True(t, ok)
	assert.Equal(t, KindSuccess, held.Kind)

	late := &recorder{}
	r.Register("req-1", late)
	require.Eventually(t, func() bool { return late.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindSuccess}, late.kinds())
	assert.Equal(t, result, late.events[0].Result)

	_, ok = r.Pending("req-1")
	assert.False(t, ok)

	again := &recorder{}
	r.Register("req-1", again)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, again.len())
	assert.Zero(t, first.len())

	mu.Lock()
	assert.Equal(t, []string{"req-1"}, delivered)
	mu.Unlock()
}

func TestRegistry_GlobalListener(t *testing.T) {
	r := startRegistry(t)
	global := &recorder{}
	unregister := r.RegisterGlobal(global)

	r.Publish(Event{Kind: KindError, RequestID: "a", Error: domain.NewErrorInfo(domain.CodeUnknown, "")})
	r.Publish(Event{Kind: KindSuccess, RequestID: "b"})
	require.Eventually(t, func() bool { return global.len() == 2 }, time.Second, 5*time.Millisecond)

	_, held := r.Pending("a")
	assert.True(t, held)

	own := &recorder{}
	r.Register("d", own)
	r.Publish(Event{Kind: KindSuccess, RequestID: "d"})
	require.Eventually(t, func() bool { return own.len() == 1 }, time.Second, 5*time.Millisecond)
	_, held = r.Pending("d")
	assert.False(t, held)

	unregister()
	r.Publish(Event{Kind: KindSuccess, RequestID: "c"})
	_, held = r.Pending("c")
	assert.True(t, held)
}

func TestRegistry_GlobalListenerDoesNotConsumeHeldResult(t *testing.T) {
	r := startRegistry(t)

	var mu sync.Mutex
	var delivered []string
	r.OnDelivered(func(id string) {
		mu.Lock()
		delivered = append(delivered, id)
		mu.Unlock()
	})
	global := &recorder{}
	r.RegisterGlobal(global)

	r.Publish(Event{Kind: KindSuccess, RequestID: "req-1", Result: map[string]any{"public_id": "cat"}})
	require.Eventually(t, func() bool { return global.len() == 1 }, time.Second, 5*time.Millisecond)

	_, held := r.Pending("req-1")
	require.True(t, held)
	mu.Lock()
	assert.Empty(t, delivered)
	mu.Unlock()

	late := &recorder{}
	r.Register("req-1", late)
	require.Eventually(t, func() bool { return late.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindSuccess}, late.kinds())
	assert.Equal(t, 1, global.len())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1 && delivered[0] == "req-1"
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_SlowListenerDoesNotBlockPublish(t *testing.T) {
	r := startRegistry(t)
	release := make(chan struct{})
	r.Register("slow", ListenerFunc(func(Event) { <-release }))

	done := make(chan struct{})
	go func() {
		for range 100 {
			r.Publish(Event{Kind: KindProgress, RequestID: "slow"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow listener")
	}
	close(release)
}

func TestRegistry_ListenerPanicIsContained(t *testing.T) {
	r := startRegistry(t)
	rec := &recorder{}
	r.Register("p", ListenerFunc(func(Event) { panic("boom") }))
	r.Register("p", rec)

	r.Publish(Event{Kind: KindSuccess, RequestID: "p"})
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry()
	r.Publish(Event{Kind: KindError, RequestID: "x"})
	_, ok := r.Pending("x")
	require.True(t, ok)

	r.Forget("x")
	_, ok = r.Pending("x")
	assert.False(t, ok)
}

func TestRegistry_ForgetOlderThan(t *testing.T) {
	r := NewRegistry()
	r.Publish(Event{Kind: KindSuccess, RequestID: "old"})
	time.Sleep(20 * time.Millisecond)
	r.Publish(Event{Kind: KindSuccess, RequestID: "new"})

	assert.Equal(t, 1, r.ForgetOlderThan(10*time.Millisecond))
	_, ok := r.Pending("old")
	assert.False(t, ok)
	_, ok = r.Pending("new")
	assert.True(t, ok)
}
