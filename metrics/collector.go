// Package metrics exposes dispatch statistics as prometheus metrics.
//
// A nil *Collector is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rpcore"

// Collector holds the metrics of one or more services. It implements
// prometheus.Collector; register it once with a prometheus.Registerer.
type Collector struct {
	connections *prometheus.GaugeVec
	inflight    *prometheus.GaugeVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// New returns a Collector with its metrics initialised.
func New() *Collector {
	return &Collector{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open connections per service and worker.",
		}, []string{"service", "worker"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Calls dispatched but not yet completed.",
		}, []string{"service", "method"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Completed calls by outcome.",
		}, []string{"service", "method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Failures caught at the dispatch boundary, by tier.",
		}, []string{"service", "tier"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_dropped_total",
			Help:      "Completions discarded because the connection had gone.",
		}, []string{"service"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connections.Describe(ch)
	c.inflight.Describe(ch)
	c.requests.Describe(ch)
	c.latency.Describe(ch)
	c.failures.Describe(ch)
	c.dropped.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connections.Collect(ch)
	c.inflight.Collect(ch)
	c.requests.Collect(ch)
	c.latency.Collect(ch)
	c.failures.Collect(ch)
	c.dropped.Collect(ch)
}

func (c *Collector) ConnectionOpened(service string, worker int) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(service, strconv.Itoa(worker)).Inc()
}

func (c *Collector) ConnectionClosed(service string, worker int) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(service, strconv.Itoa(worker)).Dec()
}

func (c *Collector) RequestStarted(service, method string) {
	if c == nil {
		return
	}
	c.inflight.WithLabelValues(service, method).Inc()
}

// RequestDone records a completed call. A nil err counts as "ok".
func (c *Collector) RequestDone(service, method string, err error, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.inflight.WithLabelValues(service, method).Dec()
	c.requests.WithLabelValues(service, method, outcome).Inc()
	c.latency.WithLabelValues(service, method).Observe(d.Seconds())
}

func (c *Collector) DispatchFailure(service, tier string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(service, tier).Inc()
}

func (c *Collector) ReplyDropped(service string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(service).Inc()
}
