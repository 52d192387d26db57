// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/pluginexec/pkg/execerr"
)

// Status constants for invocation metrics.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusPlugin     = "plugin_error"
	StatusTerminated = "terminated"
)

// PluginsLoaded is the gauge of plugins with a live record.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginsLoaded = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "pluginexec_plugins_loaded",
		Help: "Number of plugins currently loaded",
	},
)

// Invocations is the counter for entry point invocations.
var Invocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginexec_invocations_total",
		Help: "Total number of entry point invocations",
	},
	[]string{"entry_point", "status"},
)

// InvocationDuration is the histogram for entry point invocation duration.
var InvocationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pluginexec_invocation_duration_seconds",
		Help:    "Entry point invocation duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"entry_point"},
)

// Teardowns counts idle teardowns.
var Teardowns = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pluginexec_teardowns_total",
		Help: "Total number of idle endowment teardowns",
	},
)

// StaleResults counts asynchronous results dropped after a teardown.
var StaleResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginexec_stale_results_total",
		Help: "Total number of late asynchronous results discarded after teardown",
	},
	[]string{"source"},
)

// Terminations counts plugins forcibly terminated.
var Terminations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pluginexec_terminations_total",
		Help: "Total number of plugin terminations",
	},
)

// Collectors returns every executor collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PluginsLoaded, Invocations, InvocationDuration, Teardowns, StaleResults, Terminations,
	}
}

// RegisterMetrics registers executor metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Collectors()...)
}

// invocationStatus classifies an invocation outcome.
func invocationStatus(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case execerr.Is(err, execerr.KindTerminated):
		return StatusTerminated
	case execerr.Is(err, execerr.KindPluginRuntime):
		return StatusPlugin
	default:
		return StatusError
	}
}

// recordInvocation writes the metrics of one invocation.
func recordInvocation(ep EntryPoint, err error, elapsed time.Duration) {
	Invocations.WithLabelValues(string(ep), invocationStatus(err)).Inc()
	InvocationDuration.WithLabelValues(string(ep)).Observe(elapsed.Seconds())
}
