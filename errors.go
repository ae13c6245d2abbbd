// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when a Queue or Bus is created without
	// a required dependency, e.g. a missing Backend or Subscriber.
	ErrConfiguration = errors.New("listqueue: configuration error")

	// ErrValidation is returned when a caller passes an invalid argument,
	// e.g. an empty namespace or an empty payload.
	ErrValidation = errors.New("listqueue: validation error")

	// ErrState is returned when an operation is not allowed in the current
	// state of the Queue, e.g. registering a second namespace.
	ErrState = errors.New("listqueue: state error")

	// ErrConflict is returned from RegisterNamespace when the backend
	// already holds data under the requested key.
	ErrConflict = errors.New("listqueue: conflict")

	// ErrUnsupported is returned when an operation needs a capability the
	// configured handles do not provide, e.g. publishing without a Publisher.
	ErrUnsupported = errors.New("listqueue: unsupported operation")
)

// ProcessingError describes the failure of a single job in a drain cycle.
// It is never returned from the public API; it only drives the retry or
// drop decision and is passed to the logger.
type ProcessingError struct {
	Namespace string
	Envelope  *Envelope
	Err       error
}

func (e *ProcessingError) Error() string {
	id := ""
	if e.Envelope != nil {
		id = e.Envelope.ID
	}
	return fmt.Sprintf("listqueue: job %s in %s failed: %v", id, e.Namespace, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// permanentError marks a job failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so that a Processor returning it gets its job
// discarded right away, regardless of the retry budget left. Permanent
// returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or an error it wraps, was created by
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
