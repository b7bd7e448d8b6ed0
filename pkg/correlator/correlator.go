// Package correlator matches ledger events to locally pending operations.
//
// A Handle resolves at most once, with the first event whose extracted key
// equals the bound key. Once resolved or terminated, every underlying ledger
// subscription is released, so call sites never have to clean up listeners on
// the success path.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
)

var (
	ErrTerminated   = errors.New("correlator: terminated before a matching event")
	ErrAlreadyBound = errors.New("correlator: key already bound")
	ErrNoEvents     = errors.New("correlator: no event names given")
)

// DeferBuffer bounds how many events a deferred handle keeps before Bind.
const DeferBuffer = 256

// Extractor pulls the correlation key out of an event. An empty string never
// matches.
type Extractor func(ledger.Event) string

// ByOperation keys events by their operation hash.
func ByOperation(ev ledger.Event) string {
	return ev.Operation().Hex()
}

// Handle is one pending correlation.
type Handle struct {
	extract Extractor
	done    chan struct{}

	mu       sync.Mutex
	key      string
	bound    bool
	buffer   []ledger.Event
	closed   bool
	resolved bool
	event    ledger.Event
	subs     []*ledger.Subscription
}

// Defer registers listeners for names before the key is known. Events seen
// before Bind with a non-empty key are held, up to DeferBuffer, and matched
// when the key arrives.
func Defer(ctx context.Context, w ledger.Watcher, extract Extractor, names ...ledger.EventName) (*Handle, error) {
	if len(names) == 0 {
		return nil, ErrNoEvents
	}
	h := &Handle{extract: extract, done: make(chan struct{})}
	for _, name := range names {
		sub, err := ledger.Subscribe(ctx, w, name, h.offer)
		if err != nil {
			h.Terminate()
			return nil, fmt.Errorf("correlator: subscribe %s: %w", name, err)
		}
		h.mu.Lock()
		closed := h.closed
		if !closed {
			h.subs = append(h.subs, sub)
		}
		h.mu.Unlock()
		if closed {
			sub.Terminate()
		}
	}
	return h, nil
}

// Correlate registers listeners for names and resolves on the first event
// whose key equals key.
func Correlate(ctx context.Context, w ledger.Watcher, key string, extract Extractor, names ...ledger.EventName) (*Handle, error) {
	h, err := Defer(ctx, w, extract, names...)
	if err != nil {
		return nil, err
	}
	if err := h.Bind(key); err != nil {
		h.Terminate()
		return nil, err
	}
	return h, nil
}

// SubscribeThenSubmit registers the correlation and only then calls submit.
// If submit fails the handle is terminated and the submit error returned.
func SubscribeThenSubmit(ctx context.Context, w ledger.Watcher, key string, extract Extractor, submit func(context.Context) error, names ...ledger.EventName) (*Handle, error) {
	h, err := Correlate(ctx, w, key, extract, names...)
	if err != nil {
		return nil, err
	}
	if err := submit(ctx); err != nil {
		h.Terminate()
		return nil, err
	}
	return h, nil
}

// Bind sets the key of a deferred handle and replays buffered events.
func (h *Handle) Bind(key string) error {
	h.mu.Lock()
	if h.bound {
		h.mu.Unlock()
		return ErrAlreadyBound
	}
	h.bound = true
	h.key = key
	buffered := h.buffer
	h.buffer = nil

	matched := false
	if !h.closed {
		for _, ev := range buffered {
			if h.matchLocked(ev) {
				h.resolveLocked(ev)
				matched = true
				break
			}
		}
	}
	h.mu.Unlock()

	if matched {
		h.releaseSubs()
	}
	return nil
}

// offer is the matcher handed to every underlying subscription.
func (h *Handle) offer(ev ledger.Event) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if !h.bound {
		if h.extract(ev) == "" {
			h.mu.Unlock()
			return false
		}
		if len(h.buffer) >= DeferBuffer {
			h.buffer = h.buffer[1:]
		}
		h.buffer = append(h.buffer, ev)
		h.mu.Unlock()
		return false
	}
	if !h.matchLocked(ev) {
		h.mu.Unlock()
		return false
	}
	h.resolveLocked(ev)
	h.mu.Unlock()

	// The matching subscription cleans itself up; the others are released
	// off the delivery path.
	go h.releaseSubs()
	return true
}

func (h *Handle) matchLocked(ev ledger.Event) bool {
	k := h.extract(ev)
	return k != "" && k == h.key
}

func (h *Handle) resolveLocked(ev ledger.Event) {
	h.resolved = true
	h.event = ev
	h.closed = true
	close(h.done)
}

func (h *Handle) releaseSubs() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, s := range subs {
		s.Terminate()
	}
}

// Done is closed when the handle resolves or is terminated.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Event returns the matched event, if any.
func (h *Handle) Event() (ledger.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.event, h.resolved
}

// Wait blocks until the handle resolves, is terminated, or ctx ends. A ctx
// expiry terminates the handle.
func (h *Handle) Wait(ctx context.Context) (ledger.Event, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.Terminate()
	}
	if ev, ok := h.Event(); ok {
		return ev, nil
	}
	if err := ctx.Err(); err != nil {
		return ledger.Event{}, err
	}
	return ledger.Event{}, ErrTerminated
}

// Terminate abandons the handle. After it returns the handle never resolves.
func (h *Handle) Terminate() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.buffer = nil
	close(h.done)
	h.mu.Unlock()
	h.releaseSubs()
}
