// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the CoAP client.
//
// All recording methods are safe to call on a nil *Metrics, which records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels.
const (
	Outbound = "outbound"
	Inbound  = "inbound"
)

// Metrics holds all Prometheus metrics of the client engine.
type Metrics struct {
	// Exchange metrics
	RequestsTotal    *prometheus.CounterVec
	ResponsesTotal   *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	ActiveExchanges  prometheus.Gauge
	ExchangeDuration *prometheus.HistogramVec

	// Transmission metrics
	Retransmissions prometheus.Counter
	BlocksTotal     *prometheus.CounterVec
	DatagramSize    *prometheus.HistogramVec
	DroppedTotal    *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg creates
// unregistered metrics.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "mcoap"
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of submitted requests",
			},
			[]string{"method", "type"},
		),
		ResponsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "responses_total",
				Help:      "Total number of responses delivered to callbacks",
			},
			[]string{"code"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Total number of exchanges ended by a synthetic failure",
			},
			[]string{"reason"},
		),
		ActiveExchanges: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_exchanges",
				Help:      "Number of exchanges waiting for a response",
			},
		),
		ExchangeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_seconds",
				Help:      "Time from submission to the end of an exchange",
				Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"method"},
		),
		Retransmissions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable retransmissions",
			},
		),
		BlocksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_total",
				Help:      "Total number of block-wise transfer blocks",
			},
			[]string{"direction"},
		),
		DatagramSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "datagram_size_bytes",
				Help:      "Datagram size in bytes",
				Buckets:   []float64{16, 64, 128, 256, 512, 1024, 1280, 4096},
			},
			[]string{"direction"},
		),
		DroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_datagrams_total",
				Help:      "Total number of received datagrams dropped",
			},
			[]string{"reason"},
		),
	}
}

// Request records a submitted request.
func (m *Metrics) Request(method string, confirmable bool) {
	if m == nil {
		return
	}
	typ := "non"
	if confirmable {
		typ = "con"
	}
	m.RequestsTotal.WithLabelValues(method, typ).Inc()
	m.ActiveExchanges.Inc()
}

// Response records a response delivered to a callback.
func (m *Metrics) Response(code string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(code).Inc()
}

// Failure records an exchange ended by a synthetic failure.
func (m *Metrics) Failure(reason string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(reason).Inc()
}

// ExchangeDone records the end of an exchange started at start.
func (m *Metrics) ExchangeDone(method string, start time.Time) {
	if m == nil {
		return
	}
	m.ActiveExchanges.Dec()
	m.ExchangeDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// Retransmit records one retransmission.
func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// Block records one block of a block-wise transfer.
func (m *Metrics) Block(direction string) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(direction).Inc()
}

// Datagram records the size of a sent or received datagram.
func (m *Metrics) Datagram(direction string, size int) {
	if m == nil {
		return
	}
	m.DatagramSize.WithLabelValues(direction).Observe(float64(size))
}

// Dropped records a received datagram that was discarded.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}
