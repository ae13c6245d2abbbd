// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"context"
	"encoding/json"
)

// Processor is responsible to process a single job payload. Returning
// an error marks the job as failed and triggers a retry (or a drop once
// the retry budget is exhausted).
type Processor func(ctx context.Context, payload json.RawMessage) error

// Handler is invoked once per "append" notification for the namespace
// registered on a Queue. The default handler is Queue.Drain.
//
// A custom handler must not let errors of individual jobs escape; there
// is nobody to return them to.
type Handler func(ctx context.Context, namespace string)
