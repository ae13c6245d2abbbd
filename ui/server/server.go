// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package server implements a monitor for queues. Connected WebSocket
// clients receive the state of all queues periodically and may peek
// into or kick a queue. Prometheus metrics are served at /metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/listqueue"
	"github.com/olivere/listqueue/metrics"
)

const (
	// DefaultInterval is the default period of state updates.
	DefaultInterval = 1 * time.Second

	shutdownTimeout = 5 * time.Second
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	logger    listqueue.Logger
	interval  time.Duration
	publicDir string
	registry  *prometheus.Registry
	collector *metrics.Collector
	hub       *hub

	mu     sync.Mutex
	queues []*listqueue.Queue
}

// Option is an options provider for Server.
type Option func(*Server)

// SetLogger specifies the logger to use.
func SetLogger(logger listqueue.Logger) Option {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// SetInterval specifies the period of state updates.
func SetInterval(interval time.Duration) Option {
	return func(srv *Server) {
		srv.interval = interval
	}
}

// SetPublicDir specifies a directory with static files served at /.
func SetPublicDir(dir string) Option {
	return func(srv *Server) {
		srv.publicDir = dir
	}
}

// New initializes a new Server for queues.
func New(queues []*listqueue.Queue, options ...Option) (*Server, error) {
	srv := &Server{
		logger:   log.New(os.Stderr, "MONITOR ", log.LstdFlags),
		interval: DefaultInterval,
		registry: prometheus.NewRegistry(),
		hub:      newHub(),
		queues:   queues,
	}
	for _, opt := range options {
		opt(srv)
	}
	if srv.interval <= 0 {
		srv.interval = DefaultInterval
	}
	c, err := metrics.Register(srv.registry, queues...)
	if err != nil {
		return nil, err
	}
	srv.collector = c
	return srv, nil
}

// Add adds a queue to the monitor.
func (srv *Server) Add(q *listqueue.Queue) {
	srv.mu.Lock()
	srv.queues = append(srv.queues, q)
	srv.mu.Unlock()
	srv.collector.Add(q)
}

// Handler returns the HTTP handler of the server.
// WebSocket connections are only served while Run or Serve is running.
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{srv: srv})
	r.Handle("/metrics", promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))
	if srv.publicDir != "" {
		r.Handle("/", http.FileServer(http.Dir(srv.publicDir)))
	}
	return r
}

// Run broadcasts state updates to connected clients until ctx is done.
func (srv *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.hub.run(ctx) }) // run websocket hub
	g.Go(func() error { return srv.watch(ctx) })
	return g.Wait()
}

// Serve starts the web server at the given address and runs it until
// ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		srv.logger.Printf("web server listening on %v", addr)
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// State is the current state of the monitored queues.
type State struct {
	Type   string        `json:"type"`
	Queues []*QueueState `json:"queues"`
}

// QueueState is the current state of a single queue.
type QueueState struct {
	Namespace string           `json:"namespace"`
	Length    int64            `json:"length"`
	Stats     *listqueue.Stats `json:"stats,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// State returns the current state of all bound queues.
func (srv *Server) State(ctx context.Context) *State {
	state := &State{Type: TypeSetState}
	for _, q := range srv.snapshot() {
		ns := q.Namespace()
		if ns == "" {
			continue
		}
		qs := &QueueState{Namespace: ns, Stats: q.Stats()}
		n, err := q.Len(ctx)
		if err != nil {
			qs.Message = err.Error()
		}
		qs.Length = n
		state.Queues = append(state.Queues, qs)
	}
	return state
}

func (srv *Server) snapshot() []*listqueue.Queue {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	queues := make([]*listqueue.Queue, len(srv.queues))
	copy(queues, srv.queues)
	return queues
}

// lookup returns the queue bound to namespace, or nil.
func (srv *Server) lookup(namespace string) *listqueue.Queue {
	for _, q := range srv.snapshot() {
		if namespace != "" && q.Namespace() == namespace {
			return q
		}
	}
	return nil
}

func (srv *Server) watch(ctx context.Context) error {
	t := time.NewTicker(srv.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			payload, err := json.Marshal(srv.State(ctx))
			if err != nil {
				srv.logger.Printf("%v", err)
				continue
			}
			srv.hub.publish(payload)
		case <-ctx.Done():
			return nil
		}
	}
}
