// SPDX-FileCopyrightText: Copyright 2026 AgentCanvas Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server owns
// its own registry so tests can construct servers independently.
type Metrics struct {
	registry *prometheus.Registry

	callbacks         *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	magicLinkRequests *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	sessionsIssued    *prometheus.CounterVec
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcanvas_auth_callbacks_total",
			Help: "OAuth callback outcomes by reason.",
		}, []string{"result"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcanvas_auth_refreshes_total",
			Help: "Token refresh outcomes.",
		}, []string{"result"}),
		magicLinkRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcanvas_magic_link_requests_total",
			Help: "Magic link request outcomes.",
		}, []string{"outcome"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcanvas_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting, by policy scope.",
		}, []string{"scope"}),
		sessionsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcanvas_sessions_issued_total",
			Help: "Sessions issued, by sign-in flow.",
		}, []string{"flow"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
