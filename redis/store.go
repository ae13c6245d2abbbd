// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package redis implements the listqueue Backend, Subscriber, and
// Publisher interfaces on top of Redis lists and keyspace notifications.
//
// Redis only emits keyspace notifications if the server is configured to
// do so, e.g. with "notify-keyspace-events Kl". Use SetKeyspaceEvents to
// let NewStore configure the server.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/listqueue"
)

// keyspaceEvents enables keyspace notifications (K) for list commands (l).
const keyspaceEvents = "Kl"

// Store represents a Redis-based storage backend.
// It implements the listqueue.Backend and listqueue.Publisher interfaces.
type Store struct {
	client         *goredis.Client
	ownsClient     bool
	enableKeyspace bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetKeyspaceEvents indicates whether NewStore should enable keyspace
// notifications for lists on the server via CONFIG SET.
func SetKeyspaceEvents(enabled bool) StoreOption {
	return func(s *Store) {
		s.enableKeyspace = enabled
	}
}

// NewStore connects to the Redis server at redisURL, e.g.
// "redis://localhost:6379/0".
func NewStore(ctx context.Context, redisURL string, options ...StoreOption) (*Store, error) {
	opt, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	st, err := NewStoreWithClient(ctx, goredis.NewClient(opt), options...)
	if err != nil {
		return nil, err
	}
	st.ownsClient = true
	return st, nil
}

// NewStoreWithClient creates a Store on top of an existing client.
func NewStoreWithClient(ctx context.Context, client *goredis.Client, options ...StoreOption) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client not provided", listqueue.ErrConfiguration)
	}
	st := &Store{client: client}
	for _, opt := range options {
		opt(st)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	if st.enableKeyspace {
		if err := client.ConfigSet(ctx, "notify-keyspace-events", keyspaceEvents).Err(); err != nil {
			return nil, fmt.Errorf("redis: enable keyspace events: %w", err)
		}
	}
	return st, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() *goredis.Client {
	return s.client
}

// KeyspacePrefix returns the prefix of keyspace notification channels
// for the database the store is connected to.
func (s *Store) KeyspacePrefix() string {
	return fmt.Sprintf("__keyspace@%d__", s.client.Options().DB)
}

// Close the Redis store. The client is only closed if the store created it.
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) wrapError(err error) error {
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return err
}

// Exists reports whether key exists. Redis removes empty lists, so an
// existing key always holds data.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RPush appends value to the list at key.
func (s *Store) RPush(ctx context.Context, key string, value []byte) error {
	return s.client.RPush(ctx, key, value).Err()
}

// LPop removes and returns the head of the list at key, or nil.
func (s *Store) LPop(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.LPop(ctx, key).Bytes()
	if err != nil {
		return nil, s.wrapError(err)
	}
	return v, nil
}

// LRange returns all items of the list at key.
func (s *Store) LRange(ctx context.Context, key string) ([][]byte, error) {
	items, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, s.wrapError(err)
	}
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = []byte(item)
	}
	return out, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// Publish publishes message on channel.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

// Subscriber returns a new Subscriber. It uses a dedicated connection
// of the client, as Redis requires for subscriptions.
func (s *Store) Subscriber(ctx context.Context) listqueue.Subscriber {
	return newSubscriber(ctx, s.client)
}
