// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors exported by the authorization server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "thv_authserver"

// Rotation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

var (
	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of access tokens issued, labeled by grant type.",
		},
		[]string{"grant_type"},
	)

	TokenErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_errors_total",
			Help:      "Total number of failed token requests, labeled by OAuth error code.",
		},
		[]string{"error"},
	)

	TokenRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_request_duration_seconds",
			Help:      "Latency of token endpoint requests (seconds).",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"grant_type"},
	)

	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Total number of signing key rotation attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	KeysDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_deleted_total",
			Help:      "Total number of key objects removed by the retention sweep.",
		},
	)

	ActiveKeyCreatedTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_key_created_timestamp_seconds",
			Help:      "Creation time of the active signing key as a Unix timestamp.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TokensIssuedTotal,
		TokenErrorsTotal,
		TokenRequestDurationSeconds,
		KeyRotationsTotal,
		KeysDeletedTotal,
		ActiveKeyCreatedTimestamp,
	)
}

// ObserveActiveKey records the creation time of the key currently used for signing.
func ObserveActiveKey(createdAt time.Time) {
	if createdAt.IsZero() {
		return
	}
	ActiveKeyCreatedTimestamp.Set(float64(createdAt.Unix()))
}
