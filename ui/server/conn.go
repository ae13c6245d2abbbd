// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olivere/listqueue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Time allowed to answer a request from the peer.
	requestTimeout = 5 * time.Second
)

// Message types exchanged with the peer.
const (
	TypeSetState = "SET_STATE"
	TypePeek     = "PEEK"
	TypeKick     = "KICK"
	TypeError    = "ERROR"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Request is a message from the peer.
type Request struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
}

// Response answers a Request.
type Response struct {
	Type      string                `json:"type"`
	Namespace string                `json:"namespace,omitempty"`
	Message   string                `json:"message,omitempty"`
	Jobs      []*listqueue.Envelope `json:"jobs,omitempty"`
}

// connection is an middleman between the websocket connection and the hub.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	srv  *Server
}

// readPump pumps requests from the websocket connection to the queues.
func (c *connection) readPump() {
	h := c.srv.hub
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var req Request
		err := c.ws.ReadJSON(&req)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
				c.srv.logger.Printf("%v", err)
			}
			break
		}
		payload, _ := json.Marshal(c.srv.handle(&req))
		select {
		case h.unicast <- reply{c: c, payload: payload}:
		case <-h.done:
			return
		}
	}
}

// handle answers a single request of the peer.
func (srv *Server) handle(req *Request) *Response {
	rsp := &Response{Type: req.Type, Namespace: req.Namespace}
	q := srv.lookup(req.Namespace)
	if q == nil {
		rsp.Type = TypeError
		rsp.Message = "Namespace not found"
		return rsp
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	switch req.Type {
	case TypePeek:
		jobs, err := q.Peek(ctx)
		if err != nil {
			rsp.Type = TypeError
			rsp.Message = err.Error()
			return rsp
		}
		rsp.Jobs = jobs
	case TypeKick:
		if err := q.Notify(ctx); err != nil {
			rsp.Type = TypeError
			if errors.Is(err, listqueue.ErrUnsupported) {
				rsp.Message = "Queue cannot publish notifications"
			} else {
				rsp.Message = err.Error()
			}
			return rsp
		}
	default:
		rsp.Type = TypeError
		rsp.Message = "Unknown request type"
	}
	return rsp
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	srv *Server
}

// ServeHTTP handles websocket requests from the peer.
func (ws wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.srv.logger.Printf("%v", err)
		return
	}
	h := ws.srv.hub
	c := &connection{send: make(chan []byte, 256), ws: conn, srv: ws.srv}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump()
}
