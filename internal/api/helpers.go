// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/metrics"
	"github.com/openstream/openstream/internal/ratelimit"
)

// maxBodyBytes bounds request bodies; every payload here is small JSON.
const maxBodyBytes = 64 * 1024

// respondJSON writes v as a JSON response.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondError writes the error envelope. message must already be safe for
// clients: no secrets, no internal paths.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message})
}

// decodeBody parses a JSON request body into dst with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "request body must be valid JSON")
		return false
	}
	return true
}

// gate applies one fixed-window rate limit bucket to the request. On
// rejection it writes the 429 response (with Retry-After and a
// retryAfterSeconds field) and returns false. Rejection happens before any
// state mutation.
func (rt *Router) gate(w http.ResponseWriter, r *http.Request, bucket string, limit int) bool {
	rt.limiter.Prune(limiterMaxAge)

	res := rt.limiter.Check(ratelimit.ClientKey(r), bucket, limit, limitWindow)
	if res.Allowed {
		return true
	}

	metrics.RecordRateLimitHit(bucket)
	seconds := int(res.RetryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	respondJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":             fmt.Sprintf("too many attempts, try again in %d seconds", seconds),
		"retryAfterSeconds": seconds,
	})
	return false
}

// requestOrigin reconstructs scheme://host of the incoming request, the
// last-resort base for invite links.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return ""
	}
	return scheme + "://" + host
}
