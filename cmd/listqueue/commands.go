// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olivere/listqueue"
	"github.com/olivere/listqueue/email"
	"github.com/olivere/listqueue/ui/server"
)

// Processors of the work command.
const (
	processorLog   = "log"
	processorEmail = "email"
)

// newLogger returns a development logger if verbose is set and a
// production logger otherwise.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
		return l, nil
	}
	l, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to create production logger: %w", err)
	}
	return l, nil
}

// setup loads the configuration and creates the logger for a command.
func setup(c *cli.Context) (*Config, *zap.Logger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build config: %w", err)
	}
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// parsePayload returns arg as JSON if it is valid JSON, and as a JSON
// string otherwise.
func parsePayload(arg string) interface{} {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

func push(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if err := cfg.shared(); err != nil {
		return err
	}
	if c.NArg() == 0 {
		return errors.New("no payload given")
	}

	ctx := c.Context
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	defer b.Close()

	retries := cfg.MaxRetries
	if c.IsSet("retries") {
		retries = c.Int("retries")
	}
	ns := c.String("namespace")
	for _, arg := range c.Args().Slice() {
		if err := listqueue.Enqueue(ctx, b, ns, parsePayload(arg), listqueue.Retries(retries)); err != nil {
			return err
		}
		logger.Debug("job pushed", zap.String("namespace", ns), zap.String("payload", arg))
	}
	logger.Info("jobs pushed", zap.String("namespace", ns), zap.Int("count", c.NArg()))
	return nil
}

// newProcessor creates the processor named in the work command.
func newProcessor(name string, cfg *Config, logger *zap.Logger) (listqueue.Processor, error) {
	switch name {
	case processorLog:
		return func(ctx context.Context, payload json.RawMessage) error {
			logger.Info("job", zap.ByteString("payload", payload))
			return nil
		}, nil
	case processorEmail:
		client, err := email.NewClient(cfg.SMTP())
		if err != nil {
			return nil, err
		}
		return email.NewProcessor(email.NewSender(client, email.SetFrom(cfg.SMTPFrom))), nil
	default:
		return nil, fmt.Errorf("%w: unknown processor %q", listqueue.ErrConfiguration, name)
	}
}

func work(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if err := cfg.shared(); err != nil {
		return err
	}
	if c.IsSet("backoff") {
		cfg.Backoff = c.Bool("backoff")
	}
	if c.IsSet("poll-interval") {
		cfg.PollInterval = c.Duration("poll-interval")
		if err := cfg.validate(); err != nil {
			return err
		}
	}
	if c.IsSet("monitor-addr") {
		cfg.MonitorAddr = c.String("monitor-addr")
	}

	logger.Info("config",
		zap.String("backend", cfg.Backend),
		zap.Int("maxRetries", cfg.MaxRetries),
		zap.Bool("backoff", cfg.Backoff),
		zap.Duration("pollInterval", cfg.PollInterval),
		zap.String("monitorAddr", cfg.MonitorAddr),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	defer b.Close()

	p, err := newProcessor(c.String("processor"), cfg, logger)
	if err != nil {
		return err
	}

	options := append(b.options(ctx),
		listqueue.SetLogger(listqueue.NewZapLogger(logger)),
		listqueue.SetMaxRetries(cfg.MaxRetries),
		listqueue.SetProcessor(p),
	)
	if cfg.Backoff {
		options = append(options, listqueue.SetBackoffFunc(listqueue.ExponentialBackoff))
	}
	q, err := listqueue.New(options...)
	if err != nil {
		return err
	}
	defer q.Close()

	ns := c.String("namespace")
	if _, err := q.RegisterNamespace(ctx, ns, nil); err != nil {
		return fmt.Errorf("failed to register namespace %s: %w", ns, err)
	}
	logger.Info("worker started", zap.String("namespace", ns))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MonitorAddr != "" {
		srv, err := server.New([]*listqueue.Queue{q},
			server.SetLogger(zapPrintfLogger{logger.Sugar()}),
			server.SetInterval(cfg.MonitorInterval),
		)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(ctx, cfg.MonitorAddr) })
	}
	if cfg.Backend != backendRedis && cfg.PollInterval > 0 {
		// Only redis delivers notifications across processes
		g.Go(func() error { return poll(ctx, q, cfg.PollInterval, logger) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := q.Stats()
	logger.Info("worker stopped",
		zap.String("namespace", ns),
		zap.Int64("pushed", stats.Pushed),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("retried", stats.Retried),
		zap.Int64("dropped", stats.Dropped),
	)
	return nil
}

// poll notifies q every interval until ctx is done, so that jobs
// pushed by other processes get processed.
func poll(ctx context.Context, q *listqueue.Queue, interval time.Duration, logger *zap.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := q.Notify(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("failed to notify worker", zap.String("namespace", q.Namespace()), zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func monitor(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if err := cfg.shared(); err != nil {
		return err
	}
	if c.NArg() == 0 {
		return errors.New("no namespace given")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	defer b.Close()

	report := func() {
		for _, ns := range c.Args().Slice() {
			n, err := b.LLen(ctx, ns)
			if err != nil {
				logger.Warn("failed to read length", zap.String("namespace", ns), zap.Error(err))
				continue
			}
			logger.Info("queue", zap.String("namespace", ns), zap.Int64("length", n))
		}
	}

	t := time.NewTicker(c.Duration("interval"))
	defer t.Stop()
	report()
	for {
		select {
		case <-t.C:
			report()
		case <-ctx.Done():
			return nil
		}
	}
}

func kick(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if cfg.Backend != backendRedis {
		// Other backends notify in-process only
		return fmt.Errorf("%w: kick requires the redis backend", listqueue.ErrUnsupported)
	}

	ctx := c.Context
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	defer b.Close()

	ns := c.String("namespace")
	channel := listqueue.KeyspaceChannel(b.prefix, ns)
	if err := b.publisher.Publish(ctx, channel, listqueue.OpRPush); err != nil {
		return err
	}
	logger.Info("worker notified", zap.String("namespace", ns), zap.String("channel", channel))
	return nil
}

// zapPrintfLogger adapts a sugared zap logger to listqueue.Logger at
// info level.
type zapPrintfLogger struct {
	l *zap.SugaredLogger
}

func (z zapPrintfLogger) Printf(format string, v ...interface{}) {
	z.l.Infof(format, v...)
}
