// Package callback fans lifecycle events out to listeners on a dedicated
// delivery goroutine, holding terminal results for requests nobody is
// listening to yet.
package callback

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"
)

type Kind int

const (
	KindStart Kind = iota + 1
	KindProgress
	KindSuccess
	KindError
	KindReschedule
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindProgress:
		return "progress"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	case KindReschedule:
		return "reschedule"
	}
	return "unknown"
}

type Event struct {
	Kind      Kind
	RequestID string

	// progress
	Bytes int64
	Total int64

	Result map[string]any
	Error  *domain.ErrorInfo
	// RetryDelay is the backoff chosen for a reschedule.
	RetryDelay time.Duration
}

// Terminal reports whether e ends the request's lifecycle.
func (e Event) Terminal() bool {
	return e.Kind == KindSuccess || e.Kind == KindError
}

type Listener interface {
	Handle(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) Handle(e Event) { f(e) }

type entry struct {
	token    uint64
	listener Listener
}

type delivery struct {
	event     Event
	listeners []Listener

	// perRequest is set when listeners include one attached to the request.
	perRequest bool
}

type held struct {
	event Event
	since time.Time
}

type Registry struct {
	mu        sync.Mutex
	nextToken uint64
	byID      map[string][]entry
	global    []entry
	pending   map[string]held
	queue     []delivery
	notify    chan struct{}

	onDelivered func(requestID string)
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string][]entry),
		pending: make(map[string]held),
		notify:  make(chan struct{}, 1),
	}
}

// OnDelivered sets a hook called on the delivery goroutine after a terminal
// event has reached a per-request listener.
func (r *Registry) OnDelivered(fn func(requestID string)) {
	r.mu.Lock()
	r.onDelivered = fn
	r.mu.Unlock()
}

// Register attaches l to requestID. A terminal result held for requestID is
// delivered to l and then forgotten. The returned func detaches l.
func (r *Registry) Register(requestID string, l Listener) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken
	r.byID[requestID] = append(r.byID[requestID], entry{token: token, listener: l})

	if h, ok := r.pending[requestID]; ok {
		delete(r.pending, requestID)
		r.enqueueLocked(delivery{event: h.event, listeners: []Listener{l}, perRequest: true})
	}

	return func() { r.unregister(requestID, token) }
}

// RegisterGlobal attaches l to every request. Global listeners receive live
// events only; held results wait for a per-request listener.
func (r *Registry) RegisterGlobal(l Listener) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextToken++
	token := r.nextToken
	r.global = append(r.global, entry{token: token, listener: l})

	return func() { r.unregister("", token) }
}

func (r *Registry) unregister(requestID string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remove := func(es []entry) []entry {
		out := es[:0]
		for _, e := range es {
			if e.token != token {
				out = append(out, e)
			}
		}
		return out
	}

	if requestID == "" {
		r.global = remove(r.global)
		return
	}
	r.byID[requestID] = remove(r.byID[requestID])
	if len(r.byID[requestID]) == 0 {
		delete(r.byID, requestID)
	}
}

// Publish queues e for delivery and never blocks on listeners. Global
// listeners always see e. A terminal event with no per-request listener is
// also held until one registers.
func (r *Registry) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	own := r.byID[e.RequestID]
	listeners := make([]Listener, 0, len(own)+len(r.global))
	for _, en := range own {
		listeners = append(listeners, en.listener)
	}
	for _, en := range r.global {
		listeners = append(listeners, en.listener)
	}

	if len(own) == 0 && e.Terminal() {
		r.pending[e.RequestID] = held{event: e, since: time.Now()}
	}
	if len(listeners) == 0 {
		return
	}

	r.enqueueLocked(delivery{event: e, listeners: listeners, perRequest: len(own) > 0})
}

// Pending returns the held result for requestID, if any.
func (r *Registry) Pending(requestID string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.pending[requestID]
	return h.event, ok
}

// Forget drops a held result without delivering it.
func (r *Registry) Forget(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// ForgetOlderThan drops results held for longer than ttl and returns how
// many were dropped.
func (r *Registry) ForgetOlderThan(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, h := range r.pending {
		if h.since.Before(cutoff) {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

func (r *Registry) enqueueLocked(d delivery) {
	r.queue = append(r.queue, d)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run delivers queued events until ctx is done, then flushes what is left.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.notify:
			r.drain()
		}
	}
}

func (r *Registry) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		batch := r.queue
		r.queue = nil
		hook := r.onDelivered
		r.mu.Unlock()

		for _, d := range batch {
			for _, l := range d.listeners {
				deliver(l, d.event)
			}
			if d.perRequest && d.event.Terminal() && hook != nil {
				hook(d.event.RequestID)
			}
		}
	}
}

func deliver(l Listener, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in upload listener",
				slog.String("request_id", e.RequestID),
				slog.String("event", e.Kind.String()),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	l.Handle(e)
}
