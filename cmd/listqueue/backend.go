// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/listqueue"
	"github.com/olivere/listqueue/mongodb"
	"github.com/olivere/listqueue/redis"
	"github.com/olivere/listqueue/sqlstore"
)

// backend bundles a listqueue.Backend with the means to get notified
// about its changes.
type backend struct {
	listqueue.Backend
	publisher  listqueue.Publisher
	subscriber func(context.Context) listqueue.Subscriber
	prefix     string
	close      func() error
}

// Subscriber returns a new subscriber for keyspace events.
func (b *backend) Subscriber(ctx context.Context) listqueue.Subscriber {
	return b.subscriber(ctx)
}

// Close releases the resources of the backend.
func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// options returns the queue options to use the backend.
func (b *backend) options(ctx context.Context) []listqueue.Option {
	return []listqueue.Option{
		listqueue.SetBackend(b.Backend),
		listqueue.SetSubscriber(b.Subscriber(ctx)),
		listqueue.SetPublisher(b.publisher),
		listqueue.SetKeyspacePrefix(b.prefix),
	}
}

// openBackend connects to the backend configured in cfg.
func openBackend(ctx context.Context, cfg *Config) (*backend, error) {
	switch cfg.Backend {
	case backendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
		st, err := redis.NewStoreWithClient(ctx, client, redis.SetKeyspaceEvents(cfg.RedisKeyspaceEvents))
		if err != nil {
			client.Close()
			return nil, err
		}
		return &backend{
			Backend:    st,
			publisher:  st,
			subscriber: st.Subscriber,
			prefix:     st.KeyspacePrefix(),
			close:      client.Close,
		}, nil

	case backendSQL:
		st, err := sqlstore.NewStore(cfg.SQLDriver, cfg.SQLDSN, sqlstore.SetDebug(cfg.SQLDebug))
		if err != nil {
			return nil, err
		}
		return &backend{
			Backend:    st,
			publisher:  st,
			subscriber: func(context.Context) listqueue.Subscriber { return st.Subscriber() },
			prefix:     listqueue.DefaultKeyspacePrefix,
			close:      st.Close,
		}, nil

	case backendMongoDB:
		st, err := mongodb.NewStore(cfg.MongoDBURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			Backend:    st,
			publisher:  st,
			subscriber: func(context.Context) listqueue.Subscriber { return st.Subscriber() },
			prefix:     listqueue.DefaultKeyspacePrefix,
			close:      st.Close,
		}, nil

	default:
		st := listqueue.NewInMemoryStore()
		return &backend{
			Backend:    st,
			publisher:  st,
			subscriber: func(context.Context) listqueue.Subscriber { return st.Subscriber() },
			prefix:     listqueue.DefaultKeyspacePrefix,
		}, nil
	}
}
