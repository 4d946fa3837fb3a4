// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package api provides the HTTP surface using the chi router.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openstream/openstream/internal/config"
	"github.com/openstream/openstream/internal/mailer"
	"github.com/openstream/openstream/internal/mediaserver"
	"github.com/openstream/openstream/internal/ratelimit"
	"github.com/openstream/openstream/internal/session"
	"github.com/openstream/openstream/internal/signup"
	"github.com/openstream/openstream/internal/state"
)

// Per-action rate limits gating the credential-bearing endpoints.
const (
	loginLimit       = 20
	signupLimit      = 10
	setPasswordLimit = 20
	limitWindow      = 15 * time.Minute

	// limiterMaxAge prunes idle rate-limit buckets before each gated action.
	limiterMaxAge = time.Hour
)

// Router holds the HTTP surface's collaborators.
type Router struct {
	cfg          *config.Config
	store        *state.Store
	sessions     *session.Manager
	secretSource session.SecretSource
	limiter      *ratelimit.Limiter
	signups      *signup.Service
	mail         mailer.Sender
	version      string
	instanceID   string

	// adminClient builds the media server client used by the admin
	// test/sync endpoints. Overridable in tests.
	adminClient func(srv state.Server) mediaserver.API

	breakerMu sync.Mutex
	breakers  map[string]*mediaserver.BreakerClient
}

// Deps wires a Router.
type Deps struct {
	Config       *config.Config
	Store        *state.Store
	Sessions     *session.Manager
	SecretSource session.SecretSource
	Limiter      *ratelimit.Limiter
	Signups      *signup.Service
	Mailer       mailer.Sender
	Version      string
}

// NewRouter creates the router and its handler state.
func NewRouter(d Deps) *Router {
	rt := &Router{
		cfg:          d.Config,
		store:        d.Store,
		sessions:     d.Sessions,
		secretSource: d.SecretSource,
		limiter:      d.Limiter,
		signups:      d.Signups,
		mail:         d.Mailer,
		version:      d.Version,
		instanceID:   uuid.New().String(),
		breakers:     make(map[string]*mediaserver.BreakerClient),
	}
	rt.adminClient = rt.breakerFor
	return rt
}

// breakerFor returns the circuit-breaker-wrapped client for a server,
// creating and caching it on first use. The cache key includes the
// connection settings so editing a server gets a fresh breaker.
func (rt *Router) breakerFor(srv state.Server) mediaserver.API {
	key := srv.ID + "|" + srv.BaseURL + "|" + srv.APIKey

	rt.breakerMu.Lock()
	defer rt.breakerMu.Unlock()
	if b, ok := rt.breakers[key]; ok {
		return b
	}
	b := mediaserver.NewBreakerClient(srv.ID, srv.BaseURL, srv.APIKey)
	rt.breakers[key] = b
	return b
}

// Handler assembles the complete route tree.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(rt.cfg.HTTP.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.cfg.HTTP.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if rt.cfg.HTTP.GlobalRateLimit > 0 {
		r.Use(httprate.LimitByIP(rt.cfg.HTTP.GlobalRateLimit, time.Minute))
	}
	r.Use(prometheusMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/setup", rt.handleSetup)
		r.Post("/login", rt.handleLogin)
		r.Post("/logout", rt.handleLogout)
		r.Get("/whoami", rt.handleWhoami)
		r.Post("/set-password", rt.handleSetPassword)
		r.Get("/health", rt.handleHealth)
		r.Get("/version", rt.handleVersion)

		r.Group(func(r chi.Router) {
			r.Use(rt.requireSession)
			r.Post("/signup", rt.handleSignup)
			r.Get("/about", rt.handleAbout)
			r.Get("/servers", rt.handleListServers)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(rt.requireAdmin)
			r.Put("/settings/smtp", rt.handleUpdateSMTP)
			r.Put("/settings/seerr", rt.handleUpdateSeerr)
			r.Put("/settings/about", rt.handleUpdateAbout)
			r.Put("/settings/base-url", rt.handleUpdateBaseURL)
			r.Post("/smtp/test", rt.handleSMTPTest)
			r.Post("/servers", rt.handleUpsertServer)
			r.Post("/servers/{id}/test", rt.handleServerTest)
			r.Post("/servers/{id}/sync-libraries", rt.handleSyncLibraries)
			r.Put("/servers/{id}/offered-libraries", rt.handleOfferedLibraries)
			r.Get("/state", rt.handleAdminState)
			r.Get("/audit", rt.handleAudit)
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
