/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the edge gateway.
//
// All metrics are registered with the package Registry, which is served on
// GET /metrics alongside the Go runtime and process collectors.
//
// Metric naming follows Prometheus conventions:
//   - speechless_edge_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gateway collector.
var Registry = prometheus.NewRegistry()

var (
	// ForwardsTotal counts relayed control actions by outcome.
	ForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speechless_edge_forwards_total",
			Help: "Total control actions relayed to the backend by outcome.",
		},
		[]string{"outcome"},
	)

	// ForwardDurationSeconds is a histogram of backend round-trip time.
	ForwardDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "speechless_edge_forward_duration_seconds",
			Help:    "Duration of relayed control actions in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)

	// AuthExchangesTotal counts OAuth code exchanges by outcome.
	AuthExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speechless_edge_auth_exchanges_total",
			Help: "Total OAuth code exchanges by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveTunnels is the number of open now-playing WebSocket tunnels.
	ActiveTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "speechless_edge_active_tunnels",
			Help: "Number of WebSocket tunnels currently open.",
		},
	)

	// TunnelFailuresTotal counts tunnels that could not be established, by stage.
	TunnelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speechless_edge_tunnel_failures_total",
			Help: "Total WebSocket tunnels that failed to establish.",
		},
		[]string{"stage"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ForwardsTotal,
		ForwardDurationSeconds,
		AuthExchangesTotal,
		ActiveTunnels,
		TunnelFailuresTotal,
	)
}

// RecordForward records one relayed action.
func RecordForward(outcome string, duration time.Duration) {
	ForwardsTotal.WithLabelValues(outcome).Inc()
	ForwardDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTunnelFailure records a tunnel that failed at stage ("dial" or "upgrade").
func RecordTunnelFailure(stage string) {
	TunnelFailuresTotal.WithLabelValues(stage).Inc()
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
