// SPDX-FileCopyrightText: Copyright (C) 2025 The Resolution Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the server's prometheus instrumentation.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resolution"

var (
	envelopesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "incoming_envelopes_total",
			Help:      "Number of incoming envelopes",
		},
		[]string{"type"},
	)
	envelopesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_envelopes_total",
			Help:      "Number of dropped envelopes",
		},
	)
	envelopesReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "replayed_envelopes_total",
			Help:      "Number of envelopes dropped by the nonce replay filter",
		},
	)
	envelopesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "relayed_envelopes_total",
			Help:      "Number of envelopes re-wrapped and relayed to clients",
		},
	)
	authorizationDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "authorization_denied_total",
			Help:      "Number of group_modify requests denied for scope",
		},
	)
	federationForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "forwarded_envelopes_total",
			Help:      "Number of envelopes forwarded across server links",
		},
	)
)

func init() {
	prometheus.MustRegister(envelopesIn)
	prometheus.MustRegister(envelopesDropped)
	prometheus.MustRegister(envelopesReplayed)
	prometheus.MustRegister(envelopesRelayed)
	prometheus.MustRegister(authorizationDenied)
	prometheus.MustRegister(federationForwarded)
}

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// Incoming increments the counter for incoming envelopes of a type.
func Incoming(envelopeType string) {
	envelopesIn.WithLabelValues(envelopeType).Inc()
}

// EnvelopesDropped increments the counter for dropped envelopes.
func EnvelopesDropped() {
	envelopesDropped.Inc()
}

// EnvelopesReplayed increments the counter for replayed envelopes.
func EnvelopesReplayed() {
	envelopesReplayed.Inc()
}

// EnvelopesRelayed increments the counter for relayed envelopes.
func EnvelopesRelayed() {
	envelopesRelayed.Inc()
}

// AuthorizationDenied increments the counter for denied group_modify
// requests.
func AuthorizationDenied() {
	authorizationDenied.Inc()
}

// FederationForwarded increments the counter for envelopes forwarded to
// peer servers.
func FederationForwarded() {
	federationForwarded.Inc()
}
