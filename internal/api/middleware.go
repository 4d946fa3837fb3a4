// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openstream/openstream/internal/metrics"
	"github.com/openstream/openstream/internal/session"
)

type contextKey string

const sessionContextKey contextKey = "openstream.session"

// sessionFrom returns the verified session payload stored by the auth
// middleware, or nil on unauthenticated routes.
func sessionFrom(r *http.Request) *session.Payload {
	p, _ := r.Context().Value(sessionContextKey).(*session.Payload)
	return p
}

// requireSession admits any authenticated role.
func (rt *Router) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := rt.sessions.FromRequest(r)
		if p == nil {
			respondError(w, http.StatusUnauthorized, "not signed in")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey, p)))
	})
}

// requireAdmin admits the admin role only.
func (rt *Router) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := rt.sessions.FromRequest(r)
		if p == nil || p.Role != session.RoleAdmin {
			respondError(w, http.StatusUnauthorized, "admin session required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey, p)))
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// prometheusMiddleware records request count and latency per route pattern.
// The chi route pattern (e.g. /api/admin/servers/{id}/test) keeps metric
// cardinality bounded regardless of path parameters.
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sr, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, sr.status, time.Since(start))
	})
}
