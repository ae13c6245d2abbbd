// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package email

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/olivere/listqueue"
)

// NewProcessor returns a listqueue.Processor that decodes each payload
// into a Message and sends it with sender. Messages that cannot be
// decoded or composed are discarded without retries; failed deliveries
// are retried.
func NewProcessor(sender *Sender) listqueue.Processor {
	return func(ctx context.Context, payload json.RawMessage) error {
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return listqueue.Permanent(fmt.Errorf("email: decode message: %w", err))
		}
		msg, err := sender.compose(&m)
		if err != nil {
			return listqueue.Permanent(err)
		}
		return sender.deliver(ctx, msg)
	}
}

// NewQueue creates a queue that delivers e-mails with sender.
// Options are applied after the e-mail processor, so SetProcessor in
// options overrides it.
func NewQueue(sender *Sender, options ...listqueue.Option) (*listqueue.Queue, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: e-mail sender not provided", listqueue.ErrConfiguration)
	}
	opts := append([]listqueue.Option{listqueue.SetProcessor(NewProcessor(sender))}, options...)
	return listqueue.New(opts...)
}
