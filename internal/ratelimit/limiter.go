// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package ratelimit implements the per-action fixed-window rate limiter
// gating login, signup, and set-password.
//
// This is deliberately not the coarse per-IP middleware limiter in front of
// the whole API: these buckets key on (action, client) with each action's
// own limit and window, and rejections report a Retry-After hint.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Remaining int

	// RetryAfter is how long the client should wait before retrying.
	// Zero when allowed; at least one second when rejected.
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter holds in-memory fixed-window counters keyed by bucket + client.
// Safe for concurrent use. State is process-local and lost on restart,
// which is acceptable for abuse throttling.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Check records one hit for (bucket, clientKey) and reports whether it is
// within limit for the current window. The first hit in a window starts a
// new window with count 1. Rejected hits still count toward the window; a
// client hammering past the limit does not earn an earlier reset.
func (l *Limiter) Check(clientKey, bucket string, limit int, windowSize time.Duration) Result {
	key := bucket + ":" + clientKey
	t := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || t.Sub(w.start) >= windowSize {
		l.windows[key] = &window{start: t, count: 1}
		return Result{Allowed: true, Remaining: maxInt(0, limit-1)}
	}

	w.count++
	if w.count <= limit {
		return Result{Allowed: true, Remaining: maxInt(0, limit-w.count)}
	}

	remaining := windowSize - t.Sub(w.start)
	retryAfter := time.Duration(math.Ceil(remaining.Seconds())) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
}

// Prune drops windows that started more than maxAge ago, bounding memory in
// a long-running process. Safe to call concurrently with Check; it only
// removes stale windows, never live ones (maxAge should exceed every window
// size in use).
func (l *Limiter) Prune(maxAge time.Duration) {
	t := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		if t.Sub(w.start) > maxAge {
			delete(l.windows, key)
		}
	}
}

// ClientKey derives the rate-limit key for a request: the first hop of
// X-Forwarded-For, else X-Real-IP, else the connection's remote address.
// Requests with no usable address share one "unknown" bucket; behind a
// misconfigured proxy that is a degradation, not a crash.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return addr
	}
	return "unknown"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
