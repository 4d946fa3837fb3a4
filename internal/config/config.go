// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package config loads OpenStream configuration via koanf v2 with layered
// sources (highest priority wins): environment variables, optional YAML
// config file, built-in defaults.
//
// Environment variables use the OPENSTREAM_ prefix with underscores for
// nesting, e.g. OPENSTREAM_SERVER_PORT=8080, OPENSTREAM_DATA_PATH=/data/openstream.json.
package config

import "time"

// Config is the root application configuration.
//
// Runtime settings only: everything the admin edits at runtime (SMTP,
// media servers, Seerr, about text) lives in the persisted state document,
// not here.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Data    DataConfig    `koanf:"data"`
	Session SessionConfig `koanf:"session"`
	Public  PublicConfig  `koanf:"public"`
	Logging LoggingConfig `koanf:"logging"`
	HTTP    HTTPConfig    `koanf:"http"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// DataConfig holds state persistence settings.
type DataConfig struct {
	// Path is the primary JSON state document. Rotating backups
	// (.bak1 .. .bak5) and the session-secret file live beside it.
	Path string `koanf:"path"`
}

// SessionConfig holds session cookie settings.
type SessionConfig struct {
	// Secret is the HMAC secret for session cookies. When empty, a
	// generated secret is persisted beside the state file; sessions then
	// survive restarts but not a wiped data directory.
	Secret string `koanf:"secret"`
}

// PublicConfig holds externally visible URL settings.
type PublicConfig struct {
	// BaseURL overrides the host used in invite links. The state
	// document's publicBaseUrl, when set by an admin, wins over this.
	BaseURL string `koanf:"base_url"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// HTTPConfig holds middleware tunables.
type HTTPConfig struct {
	// CORSAllowedOrigins is empty by default; same-origin browser flows
	// need no CORS at all.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// GlobalRateLimit caps requests per client IP per minute across the
	// whole API, in front of the per-action limits.
	GlobalRateLimit int `koanf:"global_rate_limit"`
}

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Data: DataConfig{
			Path: "data/openstream.json",
		},
		Session: SessionConfig{
			Secret: "",
		},
		Public: PublicConfig{
			BaseURL: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			CORSAllowedOrigins: []string{},
			GlobalRateLimit:    300,
		},
	}
}
