// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command e2e generates load on a set of queues. Jobs are pushed at
// random intervals and fail with a configurable rate, so retries and
// drops can be watched on the monitor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/listqueue"
	"github.com/olivere/listqueue/mongodb"
	"github.com/olivere/listqueue/redis"
	"github.com/olivere/listqueue/sqlstore"
	"github.com/olivere/listqueue/ui/server"
)

// store is what every backend of the load generator provides.
type store interface {
	listqueue.Backend
	listqueue.Publisher
}

func main() {
	var (
		dbtype         = flag.String("dbtype", "memory", "Storage type (memory, redis, sqlite, mysql, or mongodb)")
		dburl          = flag.String("dburl", "", "Connection string of the storage, e.g. redis://localhost:6379/0")
		namespacesList = flag.String("namespaces", "a,b,c", "comma-separated list of namespaces")
		fillTime       = flag.Duration("fill-time", 500*time.Millisecond, "interval in which new jobs get added")
		runTime        = flag.Duration("run-time", 100*time.Millisecond, "maximum run time of a single job")
		logInterval    = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxRetry       = flag.Int("max-retry", 2, "maximum number of retries per job")
		failureRate    = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		withBackoff    = flag.Bool("backoff", false, "delay retries exponentially")
		sharedBus      = flag.Bool("shared-bus", false, "let all queues share a single notification bus")
		addr           = flag.String("addr", "", "HTTP bind address of the monitor, e.g. 127.0.0.1:12345")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	var zl *zap.Logger
	var err error
	if *verbose {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync() //nolint:errcheck
	logger := listqueue.NewZapLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize the store
	st, sub, prefix, err := openStore(ctx, *dbtype, *dburl)
	if err != nil {
		log.Fatal(err)
	}

	options := []listqueue.Option{
		listqueue.SetLogger(logger),
		listqueue.SetBackend(st),
		listqueue.SetKeyspacePrefix(prefix),
		listqueue.SetMaxRetries(*maxRetry),
	}
	if *withBackoff {
		options = append(options, listqueue.SetBackoffFunc(listqueue.ExponentialBackoff))
	}
	if *sharedBus {
		bus, err := listqueue.NewBus(sub(ctx), st, listqueue.SetBusLogger(logger))
		if err != nil {
			log.Fatal(err)
		}
		defer bus.Close()
		options = append(options, listqueue.SetBus(bus))
	}

	// Register a queue per namespace
	namespaces := strings.Split(*namespacesList, ",")
	queues := make([]*listqueue.Queue, 0, len(namespaces))
	for _, ns := range namespaces {
		opts := append([]listqueue.Option{}, options...)
		opts = append(opts, listqueue.SetProcessor(makeProcessor(*failureRate, *runTime)))
		if !*sharedBus {
			opts = append(opts, listqueue.SetSubscriber(sub(ctx)), listqueue.SetPublisher(st))
		}
		q, err := listqueue.New(opts...)
		if err != nil {
			log.Fatal(err)
		}
		defer q.Close()
		if _, err := q.RegisterNamespace(ctx, ns, nil); err != nil {
			log.Fatal(err)
		}
		queues = append(queues, q)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Enqueue jobs
	g.Go(func() error { return enqueuer(ctx, queues, *fillTime) })

	// Print stats
	g.Go(func() error { return statsLogger(ctx, zl, queues, *logInterval) })

	if *addr != "" {
		srv, err := server.New(queues, server.SetLogger(logger))
		if err != nil {
			log.Fatal(err)
		}
		g.Go(func() error { return srv.Serve(ctx, *addr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	zl.Info("exiting")
}

// openStore connects to the given storage. It returns the store, a
// factory for subscribers to its keyspace events, and the prefix of the
// keyspace channels.
func openStore(ctx context.Context, dbtype, dburl string) (store, func(context.Context) listqueue.Subscriber, string, error) {
	switch dbtype {
	case "memory":
		st := listqueue.NewInMemoryStore()
		return st, func(context.Context) listqueue.Subscriber { return st.Subscriber() }, listqueue.DefaultKeyspacePrefix, nil
	case "redis":
		st, err := redis.NewStore(ctx, dburl, redis.SetKeyspaceEvents(true))
		if err != nil {
			return nil, nil, "", err
		}
		return st, st.Subscriber, st.KeyspacePrefix(), nil
	case "sqlite", "mysql":
		st, err := sqlstore.NewStore(dbtype, dburl)
		if err != nil {
			return nil, nil, "", err
		}
		return st, func(context.Context) listqueue.Subscriber { return st.Subscriber() }, listqueue.DefaultKeyspacePrefix, nil
	case "mongodb":
		st, err := mongodb.NewStore(dburl)
		if err != nil {
			return nil, nil, "", err
		}
		return st, func(context.Context) listqueue.Subscriber { return st.Subscriber() }, listqueue.DefaultKeyspacePrefix, nil
	default:
		return nil, nil, "", fmt.Errorf("unsupported dbtype %q", dbtype)
	}
}

func enqueuer(ctx context.Context, queues []*listqueue.Queue, fillTime time.Duration) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond):
		}
		q := queues[rand.Intn(len(queues))]
		cnt++
		if err := q.PushMessage(ctx, fmt.Sprintf("#%05d", cnt)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func statsLogger(ctx context.Context, logger *zap.Logger, queues []*listqueue.Queue, d time.Duration) error {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			for _, q := range queues {
				ss := q.Stats()
				n, _ := q.Len(ctx)
				logger.Info("stats",
					zap.String("namespace", q.Namespace()),
					zap.Int64("waiting", n),
					zap.Int64("pushed", ss.Pushed),
					zap.Int64("succeeded", ss.Succeeded),
					zap.Int64("retried", ss.Retried),
					zap.Int64("dropped", ss.Dropped),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func makeProcessor(failureRate float64, runTime time.Duration) listqueue.Processor {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, payload json.RawMessage) error {
		time.Sleep(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond)
		if rand.Float64() < failureRate {
			return errors.New("processor failed")
		}
		return nil
	}
}
