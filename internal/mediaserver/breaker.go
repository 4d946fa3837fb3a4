// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package mediaserver

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/metrics"
)

// Ensure BreakerClient implements API
var _ API = (*BreakerClient)(nil)

// BreakerClient wraps Client with a circuit breaker. It is used on the admin
// paths (connectivity tests, library sync) that an operator may poll while a
// server is down; the breaker keeps those calls from stacking timeouts.
//
// Provisioning deliberately uses the plain Client: an invitee redeeming a
// token gets one real attempt against the server, never a synthetic
// breaker-open failure.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// NewBreakerClient creates a media server client with circuit breaker
// protection. Circuit breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 2 minute timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewBreakerClient(name, baseURL, apiKey string) *BreakerClient {
	client := NewClient(baseURL, apiKey)

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0) // 0 = closed
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6

			if shouldTrip {
				logging.Warn().Str("server", name).Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening media server circuit")
			}

			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().Str("server", name).Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] Media server state transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()

			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &BreakerClient{
		client: client,
		cb:     cb,
		name:   name,
	}
}

// execute wraps a media server call with circuit breaker protection.
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			logging.Warn().Str("server", b.name).Err(err).Msg("[CIRCUIT BREAKER] Media server request rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
			counts := b.cb.Counts()
			metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(counts.ConsecutiveFailures))
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)

	return result, nil
}

// Ping tests connectivity with circuit breaker protection.
func (b *BreakerClient) Ping(ctx context.Context) error {
	_, err := b.execute(func() (any, error) {
		return nil, b.client.Ping(ctx)
	})
	return err
}

// Provision provisions an account with circuit breaker protection.
func (b *BreakerClient) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.Provision(ctx, req)
	})
	if err != nil {
		return "", err
	}
	userID, ok := result.(string)
	if !ok {
		return "", errors.New("circuit breaker: unexpected result type for Provision")
	}
	return userID, nil
}

// Libraries retrieves library folders with circuit breaker protection.
func (b *BreakerClient) Libraries(ctx context.Context) ([]Library, error) {
	result, err := b.execute(func() (any, error) {
		return b.client.Libraries(ctx)
	})
	if err != nil {
		return nil, err
	}
	libraries, ok := result.([]Library)
	if !ok {
		return nil, errors.New("circuit breaker: unexpected result type for Libraries")
	}
	return libraries, nil
}

// State returns the current circuit breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.cb.State()
}

func stateToString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
