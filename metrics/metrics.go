// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package metrics exports queue statistics to Prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/olivere/listqueue"
)

// Namespace is the Prometheus namespace of all metrics.
const Namespace = "listqueue"

// lengthTimeout bounds the backend call for the list length per scrape.
const lengthTimeout = 2 * time.Second

// Collector is a prometheus.Collector for one or more queues.
// Each metric is labeled with the namespace the queue is bound to;
// unbound queues are skipped.
type Collector struct {
	mu     sync.Mutex
	queues []*listqueue.Queue

	pushed    *prometheus.Desc
	succeeded *prometheus.Desc
	retried   *prometheus.Desc
	dropped   *prometheus.Desc
	length    *prometheus.Desc
}

// NewCollector creates a Collector for queues.
func NewCollector(queues ...*listqueue.Queue) *Collector {
	labels := []string{"namespace"}
	return &Collector{
		queues: queues,
		pushed: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "jobs_pushed_total"),
			"Total number of jobs pushed",
			labels, nil,
		),
		succeeded: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "jobs_succeeded_total"),
			"Total number of jobs processed successfully",
			labels, nil,
		),
		retried: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "jobs_retried_total"),
			"Total number of failed jobs re-enqueued for another attempt",
			labels, nil,
		),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "jobs_dropped_total"),
			"Total number of jobs discarded",
			labels, nil,
		),
		length: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "list_length"),
			"Number of jobs waiting in the list",
			labels, nil,
		),
	}
}

// Register creates a Collector for queues and registers it with reg.
func Register(reg prometheus.Registerer, queues ...*listqueue.Queue) (*Collector, error) {
	c := NewCollector(queues...)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Add adds a queue to the collector.
func (c *Collector) Add(q *listqueue.Queue) {
	c.mu.Lock()
	c.queues = append(c.queues, q)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pushed
	ch <- c.succeeded
	ch <- c.retried
	ch <- c.dropped
	ch <- c.length
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	queues := make([]*listqueue.Queue, len(c.queues))
	copy(queues, c.queues)
	c.mu.Unlock()

	for _, q := range queues {
		ns := q.Namespace()
		if ns == "" {
			continue
		}
		stats := q.Stats()
		ch <- prometheus.MustNewConstMetric(c.pushed, prometheus.CounterValue, float64(stats.Pushed), ns)
		ch <- prometheus.MustNewConstMetric(c.succeeded, prometheus.CounterValue, float64(stats.Succeeded), ns)
		ch <- prometheus.MustNewConstMetric(c.retried, prometheus.CounterValue, float64(stats.Retried), ns)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(stats.Dropped), ns)

		ctx, cancel := context.WithTimeout(context.Background(), lengthTimeout)
		n, err := q.Len(ctx)
		cancel()
		if err != nil {
			ch <- prometheus.NewInvalidMetric(c.length, err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.length, prometheus.GaugeValue, float64(n), ns)
	}
}
