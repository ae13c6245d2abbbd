// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-memory backend implementation.
// It implements the Backend and Publisher interfaces and emits keyspace
// events for every append and pop. Do not use in production.
type InMemoryStore struct {
	hub    *Hub
	prefix string

	mu    sync.Mutex
	lists map[string][][]byte
}

// NewInMemoryStore creates a new InMemoryStore. Keyspace events are
// published on channels prefixed with DefaultKeyspacePrefix.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		hub:    NewHub(),
		prefix: DefaultKeyspacePrefix,
		lists:  make(map[string][][]byte),
	}
}

// Subscriber returns a new Subscriber for the keyspace events of the store.
func (st *InMemoryStore) Subscriber() Subscriber {
	return st.hub.Subscriber()
}

// Publish publishes a message on the store's hub.
func (st *InMemoryStore) Publish(ctx context.Context, channel, message string) error {
	return st.hub.Publish(ctx, channel, message)
}

// Exists reports whether the list at key holds any items.
func (st *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.lists[key]) > 0, nil
}

// RPush appends value to the list at key.
func (st *InMemoryStore) RPush(ctx context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	st.mu.Lock()
	st.lists[key] = append(st.lists[key], v)
	st.mu.Unlock()
	// The item is stored; the notification is best-effort
	_ = st.hub.Publish(context.WithoutCancel(ctx), KeyspaceChannel(st.prefix, key), OpRPush)
	return nil
}

// LPop removes and returns the head of the list at key, or nil.
func (st *InMemoryStore) LPop(ctx context.Context, key string) ([]byte, error) {
	st.mu.Lock()
	list := st.lists[key]
	if len(list) == 0 {
		st.mu.Unlock()
		return nil, nil
	}
	head := list[0]
	if len(list) == 1 {
		delete(st.lists, key)
	} else {
		st.lists[key] = list[1:]
	}
	st.mu.Unlock()
	_ = st.hub.Publish(context.WithoutCancel(ctx), KeyspaceChannel(st.prefix, key), OpLPop)
	return head, nil
}

// LRange returns a copy of the list at key.
func (st *InMemoryStore) LRange(ctx context.Context, key string) ([][]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	list := st.lists[key]
	out := make([][]byte, len(list))
	copy(out, list)
	return out, nil
}

// LLen returns the length of the list at key.
func (st *InMemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return int64(len(st.lists[key])), nil
}
