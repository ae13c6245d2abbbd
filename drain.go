// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Drain is the default handler. It processes every job that is in the
// list of namespace at the time of the call, once, in list order.
//
// Each job is removed from the head of the list before it is processed.
// If the processor fails and the job has retries left, its budget is
// decremented and it is appended to the tail again; the append triggers
// another drain cycle. Jobs without retries left are discarded.
//
// Drain never returns errors: failures of individual jobs only affect
// the contents of the list. A job that is being processed while the
// process dies is lost, as it was already removed from the list.
func (q *Queue) Drain(ctx context.Context, namespace string) {
	q.testDrainStarted()         // testing hook
	defer q.testDrainCompleted() // testing hook

	if q.processor == nil {
		q.logger.Printf("listqueue: no processor registered for namespace %s", namespace)
		return
	}

	n, err := q.backend.LLen(ctx, namespace)
	if err != nil {
		q.logger.Printf("listqueue: error reading length of %s: %v", namespace, err)
		return
	}
	for i := int64(0); i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		data, err := q.backend.LPop(ctx, namespace)
		if err != nil {
			q.logger.Printf("listqueue: error popping from %s: %v", namespace, err)
			return
		}
		if data == nil {
			// Somebody else drained the list
			return
		}
		q.process(ctx, namespace, data)
	}
}

// process runs a single job and applies the retry policy.
func (q *Queue) process(ctx context.Context, namespace string, data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		q.logger.Printf("listqueue: discarding malformed job in %s: %v", namespace, err)
		atomic.AddInt64(&q.dropped, 1)
		q.testJobFailed() // testing hook
		return
	}

	q.testJobStarted() // testing hook

	err = q.run(ctx, env)
	if err == nil {
		atomic.AddInt64(&q.succeeded, 1)
		q.testJobSucceeded() // testing hook
		return
	}

	perr := &ProcessingError{Namespace: namespace, Envelope: env, Err: err}
	if IsPermanent(err) {
		q.logger.Printf("%v; permanent failure, discarding job", perr)
		atomic.AddInt64(&q.dropped, 1)
		q.testJobFailed() // testing hook
		return
	}
	if env.MaxRetries <= 0 {
		// Failed
		q.logger.Printf("%v; no retries left, discarding job", perr)
		atomic.AddInt64(&q.dropped, 1)
		q.testJobFailed() // testing hook
		return
	}

	// Retry
	q.logger.Printf("%v; %d retries left", perr, env.MaxRetries-1)
	env.MaxRetries--
	env.Attempts++
	q.retry(namespace, env)
}

// run invokes the processor and turns panics into errors.
func (q *Queue) run(ctx context.Context, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.processor(ctx, env.Message)
}

// retry appends env to the tail of the list, either now or after the
// delay returned by the backoff function.
func (q *Queue) retry(namespace string, env *Envelope) {
	data, err := env.encode()
	if err != nil {
		q.logger.Printf("listqueue: unable to encode job %s for retry: %v", env.ID, err)
		atomic.AddInt64(&q.dropped, 1)
		q.testJobFailed() // testing hook
		return
	}
	push := func() {
		if err := q.rpush(context.Background(), namespace, data); err != nil {
			q.logger.Printf("listqueue: job %s lost, unable to re-enqueue: %v", env.ID, err)
			atomic.AddInt64(&q.dropped, 1)
			q.testJobFailed() // testing hook
			return
		}
		atomic.AddInt64(&q.retried, 1)
		q.testJobRetry() // testing hook
	}

	delay := q.backoff(env.Attempts)
	if delay <= 0 {
		push()
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		go push()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		push()
	})
	q.timers[t] = push
}
