// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package listqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry budget given to every pushed job unless
// the Queue is configured otherwise via SetMaxRetries or the push uses
// the Retries option.
const DefaultMaxRetries = 4

// Envelope wraps a job payload with its remaining retry budget. It is the
// unit that gets serialized into the backend list.
type Envelope struct {
	ID         string          `json:"id,omitempty"`       // internal identifier, for logging
	Message    json.RawMessage `json:"message"`            // opaque payload passed to the processor
	MaxRetries int             `json:"maxRetries"`         // remaining attempts after a failure
	Attempts   int             `json:"attempts,omitempty"` // number of failed attempts so far
	Created    int64           `json:"created,omitempty"`  // time when the job was pushed (in UnixNano)
}

// newEnvelope creates an envelope for the given payload.
func newEnvelope(payload json.RawMessage, retries int) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		Message:    payload,
		MaxRetries: retries,
		Created:    time.Now().UnixNano(),
	}
}

// encode serializes the envelope for the backend.
func (e *Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

// decodeEnvelope deserializes an envelope read from the backend.
func decodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.MaxRetries < 0 {
		e.MaxRetries = 0
	}
	return &e, nil
}
