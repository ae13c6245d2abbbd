// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"fmt"
	"sync"
)

// Callback is invoked for events delivered by the Bus.
type Callback func(channel, payload string)

// Bus is a thin publish/subscribe facade over a Subscriber and an
// optional Publisher. It reads events from the subscriber on a single
// goroutine and dispatches them, in arrival order, to the callbacks
// registered via On and Handle.
//
// Several queues may share one Bus; Handle scopes a callback to a single
// channel so that queues never see each other's notifications.
type Bus struct {
	logger Logger
	sub    Subscriber
	pub    Publisher

	mu       sync.Mutex // guards the following block
	kinds    map[string][]Callback
	channels map[string]map[uint64]Callback
	nextID   uint64

	done      chan struct{}
	closeOnce sync.Once

	testEventDispatched func() // testing hook
}

// BusOption is the signature of an options provider for Bus.
type BusOption func(*Bus)

// SetBusLogger specifies the logger to use for reporting callback panics.
func SetBusLogger(logger Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a new Bus and starts dispatching events. The subscriber
// is required. If pub is nil, Publish returns ErrUnsupported.
func NewBus(sub Subscriber, pub Publisher, options ...BusOption) (*Bus, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: subscriber not provided", ErrConfiguration)
	}
	b := &Bus{
		logger:              stdLogger{},
		sub:                 sub,
		pub:                 pub,
		kinds:               make(map[string][]Callback),
		channels:            make(map[string]map[uint64]Callback),
		done:                make(chan struct{}),
		testEventDispatched: nop,
	}
	for _, opt := range options {
		opt(b)
	}
	go b.run()
	return b, nil
}

// Subscribe registers interest in channel. Subscribing to the same
// channel twice results in duplicate deliveries; avoiding that is the
// caller's responsibility.
func (b *Bus) Subscribe(ctx context.Context, channel string) error {
	return b.sub.Subscribe(ctx, channel)
}

// On registers fn for every event of the given kind, regardless of the
// channel. Registrations accumulate: all callbacks fire.
func (b *Bus) On(kind string, fn Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds[kind] = append(b.kinds[kind], fn)
}

// Handle registers fn for message events on channel only. The returned
// function removes the registration.
func (b *Bus) Handle(channel string, fn Callback) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[uint64]Callback)
	}
	b.channels[channel][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.channels[channel], id)
		if len(b.channels[channel]) == 0 {
			delete(b.channels, channel)
		}
	}
}

// Publish emits message on channel.
func (b *Bus) Publish(ctx context.Context, channel, message string) error {
	if b.pub == nil {
		return fmt.Errorf("%w: no publisher configured", ErrUnsupported)
	}
	return b.pub.Publish(ctx, channel, message)
}

// Close stops dispatching and closes the subscriber.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.sub.Close()
	})
	return err
}

func (b *Bus) run() {
	events := b.sub.Events()
	for {
		select {
		case ev, more := <-events:
			if !more {
				select {
				case <-b.done:
				default:
					b.logger.Printf("listqueue: subscriber closed its event stream; notifications stopped")
				}
				return
			}
			b.dispatch(ev)
			b.testEventDispatched() // testing hook
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	callbacks := make([]Callback, 0, len(b.kinds[ev.Kind])+len(b.channels[ev.Channel]))
	callbacks = append(callbacks, b.kinds[ev.Kind]...)
	if ev.Kind == EventMessage {
		for _, fn := range b.channels[ev.Channel] {
			callbacks = append(callbacks, fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range callbacks {
		b.invoke(fn, ev)
	}
}

func (b *Bus) invoke(fn Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("listqueue: callback for channel %s panicked: %v", ev.Channel, r)
		}
	}()
	fn(ev.Channel, ev.Payload)
}
