package common

import (
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/godoll/godoll/log"
)

// Event is a protocol notification delivered to subscribers. Data holds the
// typed cdproto event payload, or the raw *cdproto.Message envelope when the
// method is unknown to the local protocol vocabulary.
type Event struct {
	Method    string
	SessionID target.SessionID
	Data      any
}

// EventHandler is invoked once per matching event. Handlers run outside the
// read loop; a panicking handler is recovered and logged at the dispatch
// boundary and never affects other subscribers or pending calls.
type EventHandler func(ev *Event)

// Subscription is a cancellation handle for a registered event handler.
// Each subscription owns a queue drained by a dedicated goroutine, so a slow
// handler delays only its own deliveries: the read loop and all other
// subscribers keep going. Events queued for one subscription are delivered
// in the order they were routed.
type Subscription struct {
	id      int64
	method  string
	session target.SessionID
	handler EventHandler
	logger  *log.Logger

	mu     sync.Mutex
	queue  []*Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// ID returns the subscription's identifier, unique per connection.
func (s *Subscription) ID() int64 { return s.id }

func (s *Subscription) push(ev *Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev
}

func (s *Subscription) worker() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for ev := s.next(); ev != nil; ev = s.next() {
				s.deliver(ev)
			}
		}
	}
}

func (s *Subscription) deliver(ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("cdp:events", "recovered panic in handler for %q: %v", ev.Method, r)
		}
	}()
	s.handler(ev)
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

type subKey struct {
	method  string
	session target.SessionID
}

// eventRouter maps (method, session scope) to the ordered subscriptions for
// that pair. An empty session scope matches events from any session; an
// empty method matches every event.
type eventRouter struct {
	logger *log.Logger

	mu     sync.RWMutex
	nextID int64
	subs   map[subKey][]*Subscription
	closed bool
}

func newEventRouter(logger *log.Logger) *eventRouter {
	return &eventRouter{
		logger: logger,
		subs:   make(map[subKey][]*Subscription),
	}
}

func (r *eventRouter) subscribe(method string, session target.SessionID, handler EventHandler) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConnectionClosed
	}
	r.nextID++
	sub := &Subscription{
		id:      r.nextID,
		method:  method,
		session: session,
		handler: handler,
		logger:  r.logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	key := subKey{method: method, session: session}
	r.subs[key] = append(r.subs[key], sub)
	go sub.worker()
	return sub, nil
}

func (r *eventRouter) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	key := subKey{method: sub.method, session: sub.session}
	subs := r.subs[key]
	for i, s := range subs {
		if s.id == sub.id {
			r.subs[key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.subs[key]) == 0 {
		delete(r.subs, key)
	}
	r.mu.Unlock()
	sub.close()
}

// emit routes ev to the union of the session-scoped, any-session,
// session-wildcard and catch-all subscriptions, in registration order within
// each scope. Every subscription registered at this moment receives the
// event.
func (r *eventRouter) emit(ev *Event) {
	r.mu.RLock()
	matched := make([]*Subscription, 0, 4)
	if ev.SessionID != "" {
		matched = append(matched, r.subs[subKey{method: ev.Method, session: ev.SessionID}]...)
		matched = append(matched, r.subs[subKey{session: ev.SessionID}]...)
	}
	matched = append(matched, r.subs[subKey{method: ev.Method}]...)
	matched = append(matched, r.subs[subKey{}]...)
	r.mu.RUnlock()

	for _, sub := range matched {
		sub.push(ev)
	}
}

func (r *eventRouter) closeAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*Subscription
	for key, subs := range r.subs {
		all = append(all, subs...)
		delete(r.subs, key)
	}
	r.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
