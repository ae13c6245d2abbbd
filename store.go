// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import "context"

const (
	// DefaultKeyspacePrefix is the channel prefix used for keyspace
	// notifications of database 0 in Redis. The channel for a namespace
	// is "<prefix>:<namespace>".
	DefaultKeyspacePrefix = "__keyspace@0__"

	// OpRPush is the payload of a keyspace event signaling that an item
	// has been appended to a list. It is the only actionable payload.
	OpRPush = "rpush"

	// OpLPop is the payload of a keyspace event signaling that an item
	// has been removed from the head of a list.
	OpLPop = "lpop"

	// EventMessage is the kind of events delivered for channel messages.
	EventMessage = "message"
)

// Backend implements persistent storage of named ordered lists.
type Backend interface {
	// Exists reports whether the key holds data in the backend.
	Exists(ctx context.Context, key string) (bool, error)

	// RPush appends value to the tail of the list at key.
	RPush(ctx context.Context, key string, value []byte) error

	// LPop removes and returns the head of the list at key.
	//
	// If the list is empty, the backend must return nil for both the
	// value and the error.
	LPop(ctx context.Context, key string) ([]byte, error)

	// LRange returns a snapshot of the complete list at key, in order.
	LRange(ctx context.Context, key string) ([][]byte, error)

	// LLen returns the number of items in the list at key.
	LLen(ctx context.Context, key string) (int64, error)
}

// Event is a notification delivered by a Subscriber.
type Event struct {
	Kind    string // kind of event, e.g. EventMessage
	Channel string // channel the event was published on
	Payload string // e.g. OpRPush for keyspace notifications
}

// Subscriber is the receiving side of a publish/subscribe transport.
type Subscriber interface {
	// Subscribe registers interest in a channel. Subscribing twice to the
	// same channel may result in events being delivered twice.
	Subscribe(ctx context.Context, channel string) error

	// Events returns the channel on which events are delivered. The
	// channel is closed after Close.
	Events() <-chan Event

	// Close releases the subscription.
	Close() error
}

// Publisher is the sending side of a publish/subscribe transport.
type Publisher interface {
	// Publish emits message on channel to all current subscribers.
	Publish(ctx context.Context, channel, message string) error
}

// KeyspaceChannel returns the channel on which keyspace notifications
// for key are published.
func KeyspaceChannel(prefix, key string) string {
	return prefix + ":" + key
}
