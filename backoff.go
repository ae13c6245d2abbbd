// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"math"
	"time"
)

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option of the Queue. The BackoffFunc is used to
// delay the re-enqueue of failed jobs. attempts is the number of failed
// attempts so far, starting at 1.
type BackoffFunc func(attempts int) time.Duration

// noBackoff re-enqueues failed jobs immediately. It is the default.
func noBackoff(attempts int) time.Duration {
	return 0
}

// MaxBackoff is the longest delay returned by ExponentialBackoff.
const MaxBackoff = 5 * time.Minute

// ExponentialBackoff performs exponential backoff, starting at 10ms
// after the first failure and capped at MaxBackoff.
func ExponentialBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Duration(0)
	}
	ms := math.Pow(10, float64(attempts))
	if ms >= float64(MaxBackoff/time.Millisecond) {
		return MaxBackoff
	}
	return time.Duration(ms) * time.Millisecond
}
