// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package email

import (
	"encoding/json"
	"strings"
)

// Message is the payload of an e-mail job.
type Message struct {
	From    string    `json:"from,omitempty"`
	To      Addresses `json:"to"`
	Cc      Addresses `json:"cc,omitempty"`
	Bcc     Addresses `json:"bcc,omitempty"`
	ReplyTo string    `json:"replyTo,omitempty"`
	Subject string    `json:"subject"`
	Text    string    `json:"text,omitempty"`
	HTML    string    `json:"html,omitempty"`
}

// Addresses is a list of e-mail addresses. In JSON, it is either an
// array of strings or a single comma-separated string.
type Addresses []string

// UnmarshalJSON decodes both the array and the comma-separated form.
func (a *Addresses) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*a = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = nil
	for _, addr := range strings.Split(s, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			*a = append(*a, addr)
		}
	}
	return nil
}
