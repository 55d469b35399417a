// Package bus models the page's in-document message bus: a window that
// broadcasts every posted envelope to all of its listeners, the poster
// included, tagged with the window the post came from.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/Shugur-Network/w2nb/internal/protocol"
)

// ErrClosed is returned by Subscription.Next once the subscription or its
// window has been closed.
var ErrClosed = errors.New("bus: subscription closed")

// WindowID identifies the window an event was posted from.
type WindowID string

// Event is one delivery on a window. Envelopes are shared between all
// subscribers and must be treated as read-only.
type Event struct {
	Source   WindowID
	Envelope *protocol.Envelope

	via string
}

// Bus is what the relay needs from a window.
type Bus interface {
	ID() WindowID
	Post(env *protocol.Envelope)
	Subscribe() *Subscription
}

// Window is an in-process broadcast bus. Every subscriber observes events in
// the same order.
type Window struct {
	id WindowID

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

var _ Bus = (*Window)(nil)

func NewWindow(id WindowID) *Window {
	return &Window{id: id, subs: make(map[*Subscription]struct{})}
}

func (w *Window) ID() WindowID { return w.id }

// Post broadcasts env as coming from this window.
func (w *Window) Post(env *protocol.Envelope) {
	w.deliver(Event{Source: w.id, Envelope: env})
}

// PostFrom broadcasts env as coming from another window, such as an
// embedded frame posting into this one.
func (w *Window) PostFrom(source WindowID, env *protocol.Envelope) {
	w.deliver(Event{Source: source, Envelope: env})
}

// postVia is Post for envelopes injected by a link, so the link can skip
// them instead of echoing them back to the peer.
func (w *Window) postVia(env *protocol.Envelope, via string) {
	w.deliver(Event{Source: w.id, Envelope: env, via: via})
}

func (w *Window) deliver(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for s := range w.subs {
		s.push(ev)
	}
}

// Subscribe registers a listener. Events posted after Subscribe returns are
// queued for it without bound until Close.
func (w *Window) Subscribe() *Subscription {
	s := &Subscription{
		window: w,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	w.subs[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscriptions.
func (w *Window) Subscribers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close detaches every subscriber; later posts are discarded.
func (w *Window) Close() {
	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[*Subscription]struct{})
	w.closed = true
	w.mu.Unlock()

	for s := range subs {
		s.finish()
	}
}

func (w *Window) remove(s *Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, s)
}

// Subscription is an ordered mailbox of window events.
type Subscription struct {
	window *Window

	mu    sync.Mutex
	queue []Event
	ready chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-s.done:
			return Event{}, ErrClosed
		default:
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscription from its window and drops queued events.
func (s *Subscription) Close() {
	s.window.remove(s)
	s.finish()
}

func (s *Subscription) finish() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}
