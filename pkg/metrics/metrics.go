// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for limitd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauge names reported by the memory sampler.
const (
	GaugeMemoryRSS       = "memory.rss"
	GaugeMemoryHeapTotal = "memory.heapTotal"
	GaugeMemoryHeapUsed  = "memory.heapUsed"
)

// Reporter receives point-in-time gauge values.
type Reporter interface {
	Gauge(name string, value float64)
}

// Metrics holds all Prometheus metrics for limitd.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	TotalConnections   *prometheus.CounterVec
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	FrameSize       *prometheus.HistogramVec

	// Process gauges fed by the memory sampler
	Gauges *prometheus.GaugeVec
}

var _ Reporter = (*Metrics)(nil)

// New registers every collector on reg. A nil reg uses a private registry,
// which keeps several servers in one process from colliding.
func New(namespace, region string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "limitd"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"region": region}, reg)
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open client connections",
			},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of client connections by outcome",
			},
			[]string{"status"},
		),
		ConnectionErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connections closed on error",
			},
			[]string{"error_type"},
		),
		ConnectionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests dispatched",
			},
			[]string{"method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time spent in the limiter per request",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"method"},
		),
		FrameSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_size_bytes",
				Help:      "Frame payload size in bytes",
				Buckets:   []float64{16, 32, 64, 128, 256, 1024, 4096},
			},
			[]string{"direction"},
		),
		Gauges: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "process_gauge",
				Help:      "Process resource gauges sampled by the server",
			},
			[]string{"name"},
		),
	}
}

// Gauge implements Reporter.
func (m *Metrics) Gauge(name string, value float64) {
	m.Gauges.WithLabelValues(name).Set(value)
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(f func() error) error {
	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(status).Inc()

	return err
}

// ObserveRequest tracks one dispatched request. f returns the status label.
func (m *Metrics) ObserveRequest(method string, f func() string) {
	start := time.Now()

	status := f()

	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
