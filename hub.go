// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"sync"
)

// Hub is an in-process publish/subscribe transport. Backends without a
// native notification mechanism (InMemoryStore, the SQL and MongoDB
// stores) publish their keyspace events through a Hub.
//
// Hub implements the Publisher interface. Use Subscriber to create the
// receiving side.
type Hub struct {
	mu   sync.RWMutex
	subs map[*hubSubscriber]struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[*hubSubscriber]struct{}),
	}
}

// Publish delivers message to every subscriber of channel. It never
// blocks on slow subscribers.
func (h *Hub) Publish(ctx context.Context, channel, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev := Event{Kind: EventMessage, Channel: channel, Payload: message}
	for s := range h.subs {
		s.deliver(ev)
	}
	return nil
}

// Subscriber creates a new Subscriber attached to the hub.
func (h *Hub) Subscriber() Subscriber {
	s := &hubSubscriber{
		hub:      h,
		channels: make(map[string]int),
		events:   make(chan Event),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.run()
	return s
}

func (h *Hub) remove(s *hubSubscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// hubSubscriber buffers events without limit so that publishers, which
// are often the subscribers' own handlers, never block.
type hubSubscriber struct {
	hub *Hub

	mu       sync.Mutex // guards the following block
	cond     *sync.Cond
	channels map[string]int // channel to number of subscriptions
	pending  []Event
	closed   bool

	events chan Event
	done   chan struct{}
}

func (s *hubSubscriber) Subscribe(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrState
	}
	s.channels[channel]++
	return nil
}

func (s *hubSubscriber) Events() <-chan Event {
	return s.events
}

func (s *hubSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.hub.remove(s)
	return nil
}

func (s *hubSubscriber) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for i := 0; i < s.channels[ev.Channel]; i++ {
		s.pending = append(s.pending, ev)
	}
	s.cond.Signal()
}

func (s *hubSubscriber) run() {
	defer close(s.events)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
