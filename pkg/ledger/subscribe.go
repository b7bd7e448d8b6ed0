package ledger

import (
	"context"
	"sync"
)

// Matcher selects the event a Subscription is waiting for.
type Matcher func(Event) bool

// Subscription is a one-shot interest in a future event. At most one event is
// ever delivered on Result. The underlying watch is released on the first
// match, on Terminate, or when the subscribing context ends, whichever comes
// first.
type Subscription struct {
	name   EventName
	result chan Event
	done   chan struct{}

	mu       sync.Mutex
	resolved bool
	closed   bool
	cancel   func()
	stopCtx  func() bool
}

// Subscribe registers interest without blocking. Callers that submit the
// transaction which triggers the event must subscribe first.
func Subscribe(ctx context.Context, w Watcher, name EventName, match Matcher) (*Subscription, error) {
	s := &Subscription{
		name:   name,
		result: make(chan Event, 1),
		done:   make(chan struct{}),
	}

	cancel, err := w.Watch(ctx, name, func(ev Event) {
		s.deliver(ev, match)
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cancel = cancel
	release := s.closed
	s.mu.Unlock()
	if release {
		// Resolved or terminated before Watch returned.
		cancel()
		return s, nil
	}

	stop := context.AfterFunc(ctx, s.Terminate)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return s, nil
	}
	s.stopCtx = stop
	s.mu.Unlock()
	return s, nil
}

func (s *Subscription) deliver(ev Event, match Matcher) {
	s.mu.Lock()
	if s.closed || !match(ev) {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.result <- ev
	cancel, stop := s.closeLocked()
	s.mu.Unlock()

	s.release(cancel, stop)
}

func (s *Subscription) closeLocked() (func(), func() bool) {
	s.closed = true
	close(s.done)
	return s.cancel, s.stopCtx
}

func (s *Subscription) release(cancel func(), stop func() bool) {
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Result yields the matched event. It never yields after Terminate.
func (s *Subscription) Result() <-chan Event { return s.result }

// Done is closed once the subscription resolved or was terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Resolved reports whether an event was delivered.
func (s *Subscription) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Name is the event the subscription listens for.
func (s *Subscription) Name() EventName { return s.name }

// Terminate abandons the subscription. It is idempotent and safe to call after
// resolution.
func (s *Subscription) Terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cancel, stop := s.closeLocked()
	s.mu.Unlock()

	s.release(cancel, stop)
}
