// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protocol

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/pluginexec/pkg/execerr"
)

// Status constants for command request metrics.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusInvalid  = "invalid"
	StatusNotFound = "not_found"
)

const methodLabelUnknown = "unknown"

// Requests is the counter for command stream requests.
// Use RegisterMetrics to register this with a Prometheus registry.
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginexec_command_requests_total",
		Help: "Total number of command stream requests",
	},
	[]string{"method", "status"},
)

// NotificationsSent counts notifications queued for the command stream.
var NotificationsSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginexec_notifications_total",
		Help: "Total number of notifications queued",
	},
	[]string{"method"},
)

// NotificationsDropped counts notifications dropped because the queue was full.
var NotificationsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginexec_notifications_dropped_total",
		Help: "Total number of notifications dropped on a full queue",
	},
	[]string{"method"},
)

// Collectors returns every protocol collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Requests, NotificationsSent, NotificationsDropped}
}

// RegisterMetrics registers protocol metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Collectors()...)
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case execerr.Is(err, execerr.KindInvalidParams):
		return StatusInvalid
	case execerr.Is(err, execerr.KindMethodNotFound):
		return StatusNotFound
	default:
		return StatusError
	}
}

// recordRequest counts one answered request. Unknown methods share a label
// so the series count stays bounded.
func recordRequest(method, status string) {
	if _, ok := paramOrder[method]; !ok {
		method = methodLabelUnknown
	}
	Requests.WithLabelValues(method, status).Inc()
}
