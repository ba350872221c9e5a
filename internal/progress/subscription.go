package progress

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// Subscription is a live view of events published after it was created.
// A slow reader loses its oldest undelivered events, never the newest.
type Subscription struct {
	hub     *Hub
	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	stop    func() bool
}

// Subscribe registers a subscriber. It closes when ctx ends, when Close is
// called, or when the hub shuts down.
func (h *Hub) Subscribe(ctx context.Context) *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.cfg.SubscriberBuffer)}

	h.subsMu.Lock()
	if h.subsClosed {
		h.subsMu.Unlock()
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	h.subsMu.Unlock()

	if ctx != nil {
		s.stop = context.AfterFunc(ctx, s.Close)
	}
	return s
}

// C returns the delivery channel. It is closed with the subscription.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// All yields events until the subscription closes or the consumer stops.
// The sequence resumes where the previous iteration left off.
func (s *Subscription) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for evt := range s.ch {
			if !yield(evt) {
				return
			}
		}
	}
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
	s.hub.subsMu.Lock()
	delete(s.hub.subs, s)
	s.hub.subsMu.Unlock()
}

func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (h *Hub) fanout(evt Event) {
	h.subsMu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subsMu.Unlock()
	for _, s := range subs {
		s.deliver(evt)
	}
}

func (h *Hub) closeSubscriptions() {
	h.subsMu.Lock()
	h.subsClosed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subsMu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
