// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package redis

import (
	"context"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/listqueue"
)

// subscriber adapts a go-redis PubSub to listqueue.Subscriber.
type subscriber struct {
	ps     *goredis.PubSub
	events chan listqueue.Event
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(ctx context.Context, client *goredis.Client) *subscriber {
	s := &subscriber{
		ps:     client.Subscribe(ctx),
		events: make(chan listqueue.Event),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) Subscribe(ctx context.Context, channel string) error {
	return s.ps.Subscribe(ctx, channel)
}

func (s *subscriber) Events() <-chan listqueue.Event {
	return s.events
}

func (s *subscriber) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscriber) run() {
	defer close(s.events)
	msgs := s.ps.Channel()
	for {
		select {
		case msg, more := <-msgs:
			if !more {
				return
			}
			ev := listqueue.Event{
				Kind:    listqueue.EventMessage,
				Channel: msg.Channel,
				Payload: msg.Payload,
			}
			if msg.Pattern != "" {
				ev.Kind = "pmessage"
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}
