// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package metrics provides Prometheus instrumentation for the invite and
// provisioning pipeline: API traffic, signup lifecycle outcomes, outbound
// media-server calls, and circuit breaker state.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openstream_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"bucket"},
	)

	// Signup lifecycle metrics
	SignupsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "openstream_signups_created_total",
			Help: "Total number of signup invitations created",
		},
	)

	InviteEmails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_invite_emails_total",
			Help: "Invite email delivery outcomes",
		},
		[]string{"outcome"}, // "sent", "failed"
	)

	ProvisioningOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_provisioning_total",
			Help: "Media server account provisioning outcomes",
		},
		[]string{"server_type", "outcome"}, // outcome: "provisioned", "failed"
	)

	ProvisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openstream_provisioning_duration_seconds",
			Help:    "End-to-end duration of account provisioning in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	SeerrImports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_seerr_imports_total",
			Help: "Requests-app user import outcomes",
		},
		[]string{"outcome"}, // "ok", "failed", "skipped"
	)

	// State store metrics
	StateWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_state_writes_total",
			Help: "State document write attempts",
		},
		[]string{"outcome"}, // "ok", "error"
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openstream_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_circuit_breaker_requests_total",
			Help: "Circuit breaker request outcomes",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openstream_circuit_breaker_consecutive_failures",
			Help: "Current consecutive failures tracked by a circuit breaker",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openstream_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordAPIRequest records one served API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate-limit rejection for an action bucket.
func RecordRateLimitHit(bucket string) {
	APIRateLimitHits.WithLabelValues(bucket).Inc()
}

// RecordProvisioning records an account provisioning attempt and its duration.
func RecordProvisioning(serverType string, duration time.Duration, err error) {
	outcome := "provisioned"
	if err != nil {
		outcome = "failed"
	}
	ProvisioningOutcomes.WithLabelValues(serverType, outcome).Inc()
	ProvisioningDuration.Observe(duration.Seconds())
}

// RecordInviteEmail records an invite email delivery outcome.
func RecordInviteEmail(err error) {
	if err != nil {
		InviteEmails.WithLabelValues("failed").Inc()
		return
	}
	InviteEmails.WithLabelValues("sent").Inc()
}

// RecordSeerrImport records a requests-app import outcome.
func RecordSeerrImport(outcome string) {
	SeerrImports.WithLabelValues(outcome).Inc()
}

// RecordStateWrite records a state document write outcome.
func RecordStateWrite(err error) {
	if err != nil {
		StateWrites.WithLabelValues("error").Inc()
		return
	}
	StateWrites.WithLabelValues("ok").Inc()
}
