// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package session implements OpenStream's signed session cookie.
//
// There is no server-side session table: the cookie value is
// base64url(JSON{role, iat}) + "." + base64url(HMAC-SHA256(payload)),
// verified with a constant-time signature compare. Sessions carry no
// expiry; they persist until logout.
package session

import (
	"crypto/hmac"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/openstream/openstream/internal/crypto"
)

// Roles. There are exactly two; anything else in a cookie is rejected.
const (
	RoleAdmin = "admin"
	RoleGuest = "guest"
)

// CookieName is the current session cookie.
const CookieName = "openstream_session_v2"

// legacyCookieName was used by older builds and is cleared on login/logout
// to avoid redirect loops from stale path-scoped cookies.
const legacyCookieName = "openstream_session"

// legacyCookiePaths are the path scopings older builds may have used.
var legacyCookiePaths = []string{"/", "/login", "/api"}

// Payload is the signed cookie content.
type Payload struct {
	Role     string `json:"role"`
	IssuedAt int64  `json:"iat"`
}

// Manager signs and verifies session cookies with a process-wide secret.
type Manager struct {
	secret []byte
}

// NewManager creates a manager around an already-sourced secret.
// Use LoadSecret to source one.
func NewManager(secret []byte) *Manager {
	return &Manager{secret: secret}
}

// CreateToken builds a signed cookie value for the given role.
func (m *Manager) CreateToken(role string) (string, error) {
	raw, err := json.Marshal(Payload{Role: role, IssuedAt: nowMillis()})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	sig := m.sign(payload)
	return payload + "." + sig, nil
}

// Verify checks a raw cookie value and returns its payload, or nil for any
// tampered, malformed, or unknown-role token. Verification is constant-time
// on the signature.
func (m *Manager) Verify(raw string) *Payload {
	payloadB64, sigB64, ok := strings.Cut(raw, ".")
	if !ok || payloadB64 == "" || sigB64 == "" {
		return nil
	}

	expected := m.sign(payloadB64)
	if len(sigB64) != len(expected) {
		return nil
	}
	if !hmac.Equal([]byte(sigB64), []byte(expected)) {
		return nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil
	}
	var payload Payload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil
	}
	if payload.Role != RoleAdmin && payload.Role != RoleGuest {
		return nil
	}
	return &payload
}

// sign computes the base64url HMAC-SHA256 signature of the encoded payload.
func (m *Manager) sign(payloadB64 string) string {
	return base64.RawURLEncoding.EncodeToString(crypto.HMACSHA256(m.secret, []byte(payloadB64)))
}

// FromRequest extracts and verifies the session from the request's cookie.
// Returns nil when absent or invalid.
func (m *Manager) FromRequest(r *http.Request) *Payload {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return nil
	}
	return m.Verify(c.Value)
}

// SetCookie issues the session cookie for the given role, clearing any
// stale legacy or path-scoped cookies first. Secure is set when the request
// arrived over https (x-forwarded-proto aware).
func (m *Manager) SetCookie(w http.ResponseWriter, r *http.Request, role string) error {
	value, err := m.CreateToken(role)
	if err != nil {
		return err
	}
	secure := requestIsHTTPS(r)

	clearCookie(w, CookieName, []string{"/login", "/api"}, secure)
	clearCookie(w, legacyCookieName, legacyCookiePaths, secure)

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return nil
}

// ClearCookies removes the session cookie plus any legacy variants.
func (m *Manager) ClearCookies(w http.ResponseWriter, r *http.Request) {
	secure := requestIsHTTPS(r)
	clearCookie(w, CookieName, legacyCookiePaths, secure)
	clearCookie(w, legacyCookieName, legacyCookiePaths, secure)
}

func clearCookie(w http.ResponseWriter, name string, paths []string, secure bool) {
	for _, p := range paths {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     p,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   secure,
			MaxAge:   -1,
		})
	}
}

// requestIsHTTPS reports whether the client connection used TLS, looking
// through a reverse proxy's x-forwarded-proto header.
func requestIsHTTPS(r *http.Request) bool {
	if proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		return proto == "https"
	}
	return r.TLS != nil
}
