// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "context"

// reply is a message for a single connection.
type reply struct {
	c       *connection
	payload []byte
}

// hub maintains the set of active connections and broadcasts messages to
// the connections.
type hub struct {
	// Registered connections.
	connections map[*connection]bool

	// Inbound messages for all connections.
	broadcast chan []byte

	// Inbound messages for a single connection.
	unicast chan reply

	// Register requests from the connections.
	register chan *connection

	// Unregister requests from connections.
	unregister chan *connection

	// Closed when run returns.
	done chan struct{}
}

func newHub() *hub {
	return &hub{
		broadcast:   make(chan []byte),
		unicast:     make(chan reply),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		connections: make(map[*connection]bool),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				h.deliver(c, m)
			}
		case r := <-h.unicast:
			if _, ok := h.connections[r.c]; ok {
				h.deliver(r.c, r.payload)
			}
		case <-ctx.Done():
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return nil
		}
	}
}

// deliver queues m for c and drops connections that are too slow.
func (h *hub) deliver(c *connection, m []byte) {
	select {
	case c.send <- m:
	default:
		close(c.send)
		delete(h.connections, c)
	}
}

// publish broadcasts m unless the hub has stopped.
func (h *hub) publish(m []byte) {
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}
