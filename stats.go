// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

// Stats returns statistics about a queue. Counters are cumulative since
// the queue was created.
type Stats struct {
	Pushed    int64 `json:"pushed"`    // number of jobs pushed via PushMessage
	Succeeded int64 `json:"succeeded"` // number of jobs processed successfully
	Retried   int64 `json:"retried"`   // number of failed attempts that were re-enqueued
	Dropped   int64 `json:"dropped"`   // number of jobs discarded as malformed, permanently failed, or out of retries
}
