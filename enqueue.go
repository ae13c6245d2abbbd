// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"fmt"
)

// Enqueue appends payload as a job to the list at namespace without
// binding a Queue to it. It serves producers running in a different
// process than the consumer: a Queue bound to namespace picks the job up
// as soon as the backend notifies it about the append.
//
// The job gets DefaultMaxRetries unless the Retries option says otherwise.
func Enqueue(ctx context.Context, backend Backend, namespace string, payload interface{}, options ...PushOption) error {
	if backend == nil {
		return fmt.Errorf("%w: backend not provided", ErrConfiguration)
	}
	if namespace == "" {
		return fmt.Errorf("%w: namespace cannot be empty", ErrValidation)
	}
	data, err := buildJob(payload, DefaultMaxRetries, options...)
	if err != nil {
		return err
	}
	if err := backend.RPush(ctx, namespace, data); err != nil {
		return fmt.Errorf("listqueue: push to %s: %w", namespace, err)
	}
	return nil
}

// buildJob validates payload and returns the serialized envelope.
func buildJob(payload interface{}, retries int, options ...PushOption) ([]byte, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	po := pushOptions{retries: retries}
	for _, opt := range options {
		opt(&po)
	}
	if po.retries < 0 {
		return nil, fmt.Errorf("%w: retries must not be negative", ErrValidation)
	}
	return newEnvelope(raw, po.retries).encode()
}
