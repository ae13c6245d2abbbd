// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mongodb implements the listqueue Backend on a MongoDB
// collection. Items are ordered by a per-namespace sequence number and
// popped atomically with findAndModify. Notifications are delivered
// in-process through a listqueue.Hub.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/olivere/listqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "listqueue_items"

	// countersSuffix is appended to the collection name to get the name
	// of the collection holding the sequence counters.
	countersSuffix = "_counters"
)

// Store represents a MongoDB-based storage backend.
// It implements the listqueue.Backend and listqueue.Publisher interfaces.
type Store struct {
	session        *mgo.Session
	dbname         string
	collectionName string
	hub            *listqueue.Hub
	prefix         string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(collectionName string) StoreOption {
	return func(s *Store) {
		s.collectionName = collectionName
	}
}

// SetHub specifies the Hub to publish keyspace events on.
func SetHub(hub *listqueue.Hub) StoreOption {
	return func(s *Store) {
		s.hub = hub
	}
}

// SetKeyspacePrefix specifies the prefix of the keyspace channels.
// The default is listqueue.DefaultKeyspacePrefix.
func SetKeyspacePrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// item is a single list element as stored in MongoDB.
type item struct {
	ID        bson.ObjectId `bson:"_id,omitempty"`
	Namespace string        `bson:"ns"`
	Seq       int64         `bson:"seq"`
	Value     []byte        `bson:"value"`
	Created   int64         `bson:"created"`
}

// counter holds the last sequence number handed out for a namespace.
type counter struct {
	Namespace string `bson:"_id"`
	Seq       int64  `bson:"seq"`
}

// NewStore creates a new MongoDB-based storage backend.
// The mongodbURL must name a database, e.g. "mongodb://localhost/listqueue".
func NewStore(mongodbURL string, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		prefix:         listqueue.DefaultKeyspacePrefix,
	}
	for _, opt := range options {
		opt(st)
	}
	if st.hub == nil {
		st.hub = listqueue.NewHub()
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	st.dbname = uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	// Create indices
	session := st.session.Copy()
	defer session.Close()
	err = st.items(session).EnsureIndex(mgo.Index{
		Key:    []string{"ns", "seq"},
		Unique: true,
	})
	if err != nil {
		st.session.Close()
		return nil, err
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) items(session *mgo.Session) *mgo.Collection {
	return session.DB(s.dbname).C(s.collectionName)
}

func (s *Store) counters(session *mgo.Session) *mgo.Collection {
	return session.DB(s.dbname).C(s.collectionName + countersSuffix)
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		// An empty list is not an error
		return nil
	}
	return err
}

// Subscriber returns a new Subscriber for the keyspace events of the store.
func (s *Store) Subscriber() listqueue.Subscriber {
	return s.hub.Subscriber()
}

// Publish publishes a message on the store's hub.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.hub.Publish(ctx, channel, message)
}

// Exists reports whether the list at key holds any items.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	session := s.session.Copy()
	defer session.Close()
	n, err := s.items(session).Find(bson.M{"ns": key}).Limit(1).Count()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RPush appends value to the list at key.
func (s *Store) RPush(ctx context.Context, key string, value []byte) error {
	session := s.session.Copy()
	defer session.Close()

	var c counter
	_, err := s.counters(session).FindId(key).Apply(mgo.Change{
		Update:    bson.M{"$inc": bson.M{"seq": 1}},
		Upsert:    true,
		ReturnNew: true,
	}, &c)
	if err != nil {
		return err
	}
	err = s.items(session).Insert(&item{
		ID:        bson.NewObjectId(),
		Namespace: key,
		Seq:       c.Seq,
		Value:     value,
		Created:   time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}
	// The item is stored; the notification is best-effort
	_ = s.hub.Publish(context.WithoutCancel(ctx), listqueue.KeyspaceChannel(s.prefix, key), listqueue.OpRPush)
	return nil
}

// LPop removes and returns the head of the list at key, or nil if the
// list is empty.
func (s *Store) LPop(ctx context.Context, key string) ([]byte, error) {
	session := s.session.Copy()
	defer session.Close()

	var it item
	_, err := s.items(session).Find(bson.M{"ns": key}).Sort("seq").Apply(mgo.Change{Remove: true}, &it)
	if err != nil {
		return nil, s.wrapError(err)
	}
	_ = s.hub.Publish(context.WithoutCancel(ctx), listqueue.KeyspaceChannel(s.prefix, key), listqueue.OpLPop)
	return it.Value, nil
}

// LRange returns all items of the list at key, head first.
func (s *Store) LRange(ctx context.Context, key string) ([][]byte, error) {
	session := s.session.Copy()
	defer session.Close()

	var items []*item
	if err := s.items(session).Find(bson.M{"ns": key}).Sort("seq").All(&items); err != nil {
		return nil, err
	}
	list := make([][]byte, 0, len(items))
	for _, it := range items {
		list = append(list, it.Value)
	}
	return list, nil
}

// LLen returns the length of the list at key.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	session := s.session.Copy()
	defer session.Close()
	n, err := s.items(session).Find(bson.M{"ns": key}).Count()
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
