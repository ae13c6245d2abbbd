// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/urfave/cli/v2"

	"github.com/olivere/listqueue"
	"github.com/olivere/listqueue/email"
)

// Backend types.
const (
	backendMemory  = "memory"
	backendRedis   = "redis"
	backendSQL     = "sql"
	backendMongoDB = "mongodb"
)

// Config holds all configuration of the listqueue binary. Values are read
// from the environment first; command line flags override them.
type Config struct {
	Verbose bool   `env:"LISTQUEUE_VERBOSE" envDefault:"false"`
	Backend string `env:"LISTQUEUE_BACKEND" envDefault:"redis"`

	// Redis
	RedisAddr           string `env:"REDIS_ADDR"            envDefault:"localhost:6379"`
	RedisDB             int    `env:"REDIS_DB"              envDefault:"0"`
	RedisPassword       string `env:"REDIS_PASSWORD"`
	RedisKeyspaceEvents bool   `env:"REDIS_KEYSPACE_EVENTS" envDefault:"true"`

	// SQL
	SQLDriver string `env:"SQL_DRIVER" envDefault:"sqlite"`
	SQLDSN    string `env:"SQL_DSN"    envDefault:"listqueue.db"`
	SQLDebug  bool   `env:"SQL_DEBUG"  envDefault:"false"`

	// MongoDB
	MongoDBURL string `env:"MONGODB_URL" envDefault:"mongodb://localhost/listqueue"`

	// Queue
	MaxRetries   int           `env:"MAX_RETRIES"   envDefault:"4"`
	Backoff      bool          `env:"BACKOFF"       envDefault:"false"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// SMTP for the e-mail processor
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"25"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// Monitor
	MonitorAddr     string        `env:"MONITOR_ADDR"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"1s"`
}

// loadConfig parses the environment and applies the global flags of c.
func loadConfig(c *cli.Context) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if c.IsSet("verbose") {
		cfg.Verbose = c.Bool("verbose")
	}
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}
	if c.IsSet("max-retries") {
		cfg.MaxRetries = c.Int("max-retries")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.Backend {
	case backendMemory, backendRedis, backendSQL, backendMongoDB:
	default:
		return fmt.Errorf("%w: unsupported backend %q; use one of memory, redis, sql, or mongodb", listqueue.ErrConfiguration, cfg.Backend)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", listqueue.ErrConfiguration)
	}
	if cfg.PollInterval < 0 {
		return fmt.Errorf("%w: poll interval must not be negative", listqueue.ErrConfiguration)
	}
	return nil
}

// shared fails for backends whose data lives in this process only.
func (cfg *Config) shared() error {
	if cfg.Backend == backendMemory {
		return fmt.Errorf("%w: the memory backend is local to a single process; use redis, sql, or mongodb", listqueue.ErrConfiguration)
	}
	return nil
}

// SMTP returns the SMTP configuration for the e-mail processor.
func (cfg *Config) SMTP() email.Config {
	return email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}
}
