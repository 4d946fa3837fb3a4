// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package main is the entry point for the OpenStream server.
//
// OpenStream is a self-hosted invite and provisioning service for private
// Jellyfin and Emby servers. A guest who knows the shared password submits a
// username and email; OpenStream emails a single-use invite link, and when
// the invitee picks a password it creates the account on the media server,
// restricts it to the offered libraries, and optionally imports it into a
// Jellyseerr/Overseerr-compatible requests app.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables with the OPENSTREAM_ prefix, an
// optional YAML config file, built-in defaults. Everything an admin edits at
// runtime (SMTP relay, media servers, Seerr, about text) lives in the JSON
// state document next to OPENSTREAM_DATA_PATH, not in the environment.
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: it stops
// accepting new connections and waits up to 10 seconds for in-flight
// requests to drain. State is written synchronously on every mutation, so
// shutdown has nothing to flush.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openstream/openstream/internal/api"
	"github.com/openstream/openstream/internal/config"
	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/mailer"
	"github.com/openstream/openstream/internal/ratelimit"
	"github.com/openstream/openstream/internal/session"
	"github.com/openstream/openstream/internal/signup"
	"github.com/openstream/openstream/internal/state"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().Str("version", version).Msg("Starting OpenStream")

	store := state.NewStore(cfg.Data.Path)
	doc := store.Read()
	logging.Info().
		Str("state_path", cfg.Data.Path).
		Bool("setup_complete", doc.Setup.Complete).
		Int("servers", len(doc.Servers)).
		Msg("State loaded")

	secret, secretSource := session.LoadSecret(cfg.Session.Secret, store.Dir())
	switch secretSource {
	case session.SecretSourceConfig:
		logging.Info().Msg("Session secret loaded from configuration")
	case session.SecretSourceFile:
		logging.Info().Msg("Session secret loaded from data directory")
	case session.SecretSourceVolatile:
		logging.Warn().Msg("Using a volatile session secret; sessions will not survive a restart. Set OPENSTREAM_SESSION_SECRET or make the data directory writable.")
	}
	sessions := session.NewManager(secret)

	mail := mailer.New()
	signups := signup.NewService(signup.Config{
		Store:   store,
		Mailer:  mail,
		BaseURL: cfg.Public.BaseURL,
	})

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Store:        store,
		Sessions:     sessions,
		SecretSource: secretSource,
		Limiter:      ratelimit.NewLimiter(),
		Signups:      signups,
		Mailer:       mail,
		Version:      version,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("HTTP server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Graceful shutdown failed")
	}

	logging.Info().Msg("Application stopped gracefully")
}
