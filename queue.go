// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

func nop() {}

// Queue binds a single namespace of a Backend and processes the jobs
// appended to it whenever the backend announces an append. Create a new
// queue via New.
type Queue struct {
	logger     Logger
	backend    Backend
	sub        Subscriber
	pub        Publisher
	bus        *Bus
	ownsBus    bool
	maxRetries int
	processor  Processor
	backoff    BackoffFunc
	prefix     string
	newBackOff func() backoff.BackOff // retry policy for backend writes

	ctx    context.Context // passed to handlers; canceled on Close
	cancel context.CancelFunc

	mu        sync.Mutex // guards the following block
	namespace string
	handler   Handler
	unhandle  func()
	timers    map[*time.Timer]func() // delayed retries
	closed    bool

	pushed    int64
	succeeded int64
	retried   int64
	dropped   int64

	testDrainStarted   func() // testing hook
	testDrainCompleted func() // testing hook
	testJobStarted     func() // testing hook
	testJobRetry       func() // testing hook
	testJobFailed      func() // testing hook
	testJobSucceeded   func() // testing hook
}

// New creates a new queue. A Backend and either a Subscriber or a Bus
// are required; ErrConfiguration is returned otherwise.
func New(options ...Option) (*Queue, error) {
	q := &Queue{
		logger:             stdLogger{},
		maxRetries:         DefaultMaxRetries,
		backoff:            noBackoff,
		prefix:             DefaultKeyspacePrefix,
		newBackOff:         defaultBackOff,
		timers:             make(map[*time.Timer]func()),
		testDrainStarted:   nop,
		testDrainCompleted: nop,
		testJobStarted:     nop,
		testJobRetry:       nop,
		testJobFailed:      nop,
		testJobSucceeded:   nop,
	}
	for _, opt := range options {
		opt(q)
	}
	if q.backend == nil {
		return nil, fmt.Errorf("%w: backend not provided", ErrConfiguration)
	}
	if q.bus == nil {
		if q.sub == nil {
			return nil, fmt.Errorf("%w: subscriber not provided", ErrConfiguration)
		}
		if q.pub == nil {
			if pub, ok := q.backend.(Publisher); ok {
				q.pub = pub
			}
		}
		bus, err := NewBus(q.sub, q.pub, SetBusLogger(q.logger))
		if err != nil {
			return nil, err
		}
		q.bus = bus
		q.ownsBus = true
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// -- Configuration --

// Option is the signature of an options provider.
type Option func(*Queue)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// SetBackend specifies the Backend that stores the list.
func SetBackend(backend Backend) Option {
	return func(q *Queue) {
		q.backend = backend
	}
}

// SetSubscriber specifies the Subscriber that delivers keyspace events.
// The queue creates its own Bus from it.
func SetSubscriber(sub Subscriber) Option {
	return func(q *Queue) {
		q.sub = sub
	}
}

// SetPublisher specifies the Publisher used by Notify. If not set and the
// Backend implements Publisher, the backend is used.
func SetPublisher(pub Publisher) Option {
	return func(q *Queue) {
		q.pub = pub
	}
}

// SetBus lets several queues share a single Bus. SetSubscriber and
// SetPublisher are ignored if a Bus is given. The queue does not close a
// shared Bus.
func SetBus(bus *Bus) Option {
	return func(q *Queue) {
		q.bus = bus
	}
}

// SetMaxRetries specifies the default retry budget of pushed jobs.
// It is DefaultMaxRetries by default.
func SetMaxRetries(n int) Option {
	return func(q *Queue) {
		if n < 0 {
			n = 0
		}
		q.maxRetries = n
	}
}

// SetProcessor specifies the processor used by the default handler.
func SetProcessor(p Processor) Option {
	return func(q *Queue) {
		q.processor = p
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// before a failed job is re-enqueued. Failed jobs are re-enqueued
// immediately by default.
func SetBackoffFunc(fn BackoffFunc) Option {
	return func(q *Queue) {
		if fn != nil {
			q.backoff = fn
		} else {
			q.backoff = noBackoff
		}
	}
}

// SetKeyspacePrefix specifies the prefix of the keyspace notification
// channel. It is DefaultKeyspacePrefix by default.
func SetKeyspacePrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// -- Registration --

// RegisterNamespace binds the queue to the list at name and subscribes to
// its append notifications. Every append invokes handler with the
// namespace; if handler is nil, Drain is used.
//
// A queue can be bound only once. Registering a namespace that already
// holds data in the backend fails with ErrConflict. If registration
// fails, the queue stays unbound and nothing is subscribed.
func (q *Queue) RegisterNamespace(ctx context.Context, name string, handler Handler) (*Queue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.namespace != "" {
		return nil, fmt.Errorf("%w: cannot change namespace once initialized", ErrState)
	}
	if q.closed {
		return nil, fmt.Errorf("%w: queue closed", ErrState)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: namespace cannot be empty", ErrValidation)
	}
	exists, err := q.backend.Exists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listqueue: check namespace %s: %w", name, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: namespace %s already exists", ErrConflict, name)
	}

	channel := KeyspaceChannel(q.prefix, name)
	if err := q.bus.Subscribe(ctx, channel); err != nil {
		return nil, fmt.Errorf("listqueue: subscribe to %s: %w", channel, err)
	}
	if handler == nil {
		handler = q.Drain
	}
	q.namespace = name
	q.handler = handler
	q.unhandle = q.bus.Handle(channel, func(_, payload string) {
		if payload != OpRPush {
			return
		}
		handler(q.ctx, name)
	})
	return q, nil
}

// Namespace returns the bound namespace, or an empty string.
func (q *Queue) Namespace() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.namespace
}

// -- Push --

type pushOptions struct {
	retries int
}

// PushOption is the signature of an options provider for PushMessage.
type PushOption func(*pushOptions)

// Retries overrides the retry budget of a single pushed job.
func Retries(n int) PushOption {
	return func(o *pushOptions) {
		o.retries = n
	}
}

// PushMessage appends payload to the bound namespace. The payload is
// serialized to JSON unless it already is a json.RawMessage.
//
// PushMessage fails with ErrValidation if payload is nil. If no namespace
// is bound yet, the message is discarded with a warning written to the
// logger and PushMessage returns nil.
func (q *Queue) PushMessage(ctx context.Context, payload interface{}, options ...PushOption) error {
	data, err := buildJob(payload, q.maxRetries, options...)
	if err != nil {
		return err
	}

	ns := q.Namespace()
	if ns == "" {
		q.logger.Printf("listqueue: no namespace registered; message discarded")
		return nil
	}

	if err := q.rpush(ctx, ns, data); err != nil {
		return fmt.Errorf("listqueue: push to %s: %w", ns, err)
	}
	atomic.AddInt64(&q.pushed, 1)
	return nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: message cannot be empty", ErrValidation)
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: message is not valid JSON", ErrValidation)
		}
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		raw = data
	}
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, fmt.Errorf("%w: message cannot be empty", ErrValidation)
	}
	return raw, nil
}

// rpush appends data to the list, retrying transient backend errors.
func (q *Queue) rpush(ctx context.Context, key string, data []byte) error {
	b := backoff.WithContext(q.newBackOff(), ctx)
	return backoff.Retry(func() error {
		return q.backend.RPush(ctx, key, data)
	}, b)
}

// -- Inspection --

// Len returns the number of jobs currently stored in the namespace.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	ns := q.Namespace()
	if ns == "" {
		return 0, fmt.Errorf("%w: no namespace registered", ErrState)
	}
	return q.backend.LLen(ctx, ns)
}

// Peek returns a snapshot of the jobs currently stored in the namespace,
// in processing order. Items that cannot be decoded are skipped.
func (q *Queue) Peek(ctx context.Context) ([]*Envelope, error) {
	ns := q.Namespace()
	if ns == "" {
		return nil, fmt.Errorf("%w: no namespace registered", ErrState)
	}
	items, err := q.backend.LRange(ctx, ns)
	if err != nil {
		return nil, err
	}
	envs := make([]*Envelope, 0, len(items))
	for _, item := range items {
		env, err := decodeEnvelope(item)
		if err != nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Stats returns current statistics about the queue.
func (q *Queue) Stats() *Stats {
	return &Stats{
		Pushed:    atomic.LoadInt64(&q.pushed),
		Succeeded: atomic.LoadInt64(&q.succeeded),
		Retried:   atomic.LoadInt64(&q.retried),
		Dropped:   atomic.LoadInt64(&q.dropped),
	}
}

// Notify publishes an append notification for the bound namespace,
// which triggers a drain cycle. Use it to process jobs left in the list,
// e.g. after a retry was delayed or a previous consumer went away.
func (q *Queue) Notify(ctx context.Context) error {
	ns := q.Namespace()
	if ns == "" {
		return fmt.Errorf("%w: no namespace registered", ErrState)
	}
	return q.bus.Publish(ctx, KeyspaceChannel(q.prefix, ns), OpRPush)
}

// Close detaches the queue from its notifications. Delayed retries that
// have not fired yet are written back to the backend immediately.
// Jobs already stored in the backend stay there.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.unhandle != nil {
		q.unhandle()
	}
	var flush []func()
	for t, fn := range q.timers {
		if t.Stop() {
			flush = append(flush, fn)
		}
	}
	q.timers = make(map[*time.Timer]func())
	q.mu.Unlock()

	for _, fn := range flush {
		fn()
	}
	q.cancel()
	if q.ownsBus {
		return q.bus.Close()
	}
	return nil
}
