// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command listqueue pushes jobs to and works off jobs from list-backed
// queues.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	namespaceFlag := &cli.StringFlag{
		Name:     "namespace",
		Aliases:  []string{"n"},
		Usage:    "The namespace (list key) of the queue",
		EnvVars:  []string{"LISTQUEUE_NAMESPACE"},
		Required: true,
	}
	return &cli.App{
		Name:  "listqueue",
		Usage: "Push and process jobs in list-backed queues",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
			&cli.StringFlag{
				Name:    "backend",
				Aliases: []string{"b"},
				Usage:   "Storage backend (memory, redis, sql, or mongodb)",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Default retry budget of pushed jobs",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "push",
				Usage:     "Push jobs; each argument is a JSON value or a plain string",
				ArgsUsage: "payload...",
				Flags: []cli.Flag{
					namespaceFlag,
					&cli.IntFlag{
						Name:    "retries",
						Aliases: []string{"r"},
						Usage:   "Retry budget of the pushed jobs (default: --max-retries)",
					},
				},
				Action: push,
			},
			{
				Name:  "work",
				Usage: "Process jobs of a namespace until interrupted",
				Flags: []cli.Flag{
					namespaceFlag,
					&cli.StringFlag{
						Name:    "processor",
						Aliases: []string{"p"},
						Usage:   "Processor to run for every job (log or email)",
						Value:   processorLog,
					},
					&cli.BoolFlag{
						Name:    "backoff",
						Usage:   "Delay retries of failed jobs exponentially",
						EnvVars: []string{"BACKOFF"},
					},
					&cli.DurationFlag{
						Name:    "poll-interval",
						Usage:   "Check for jobs pushed by other processes this often (sql and mongodb; 0 disables)",
						EnvVars: []string{"POLL_INTERVAL"},
					},
					&cli.StringFlag{
						Name:    "monitor-addr",
						Aliases: []string{"m"},
						Usage:   "Serve the WebSocket monitor and metrics at this address",
						EnvVars: []string{"MONITOR_ADDR"},
					},
				},
				Action: work,
			},
			{
				Name:      "monitor",
				Usage:     "Log the length of namespaces periodically",
				ArgsUsage: "namespace...",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "The period between two reports",
						Value:   5 * time.Second,
					},
				},
				Action: monitor,
			},
			{
				Name:   "kick",
				Usage:  "Notify the worker of a namespace to process leftover jobs",
				Flags:  []cli.Flag{namespaceFlag},
				Action: kick,
			},
		},
	}
}
