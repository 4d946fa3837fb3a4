// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package session

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openstream/openstream/internal/logging"
)

// SecretFileName is created beside the state document when no secret is
// configured.
const SecretFileName = "openstream.session_secret"

// SecretSource records where the session secret came from, for the health
// endpoint's diagnostics.
type SecretSource string

const (
	// SecretSourceConfig means the secret came from config/env. Sessions
	// survive restarts and redeploys.
	SecretSourceConfig SecretSource = "config"

	// SecretSourceFile means a generated secret persisted beside the state
	// file. Sessions survive restarts but not a wiped data directory.
	SecretSourceFile SecretSource = "file"

	// SecretSourceVolatile means an in-memory secret for this process only.
	// Every session dies with the process.
	SecretSourceVolatile SecretSource = "volatile"
)

// LoadSecret sources the HMAC secret, in priority order: the configured
// secret, a secret persisted in dataDir (generated once with an exclusive
// create; losing the create race falls back to reading the winner's file),
// and finally a volatile in-memory secret. The volatile fallback is an
// operational problem and is logged loudly, not swallowed.
func LoadSecret(configured, dataDir string) ([]byte, SecretSource) {
	if s := strings.TrimSpace(configured); s != "" {
		return []byte(s), SecretSourceConfig
	}

	path := filepath.Join(dataDir, SecretFileName)

	if raw, err := os.ReadFile(path); err == nil {
		if s := strings.TrimSpace(string(raw)); s != "" {
			return []byte(s), SecretSourceFile
		}
	}

	generated := newSecretValue()
	if err := os.MkdirAll(dataDir, 0o755); err == nil {
		// O_EXCL makes concurrent first boots race safely: exactly one
		// writer wins, everyone else reads the winner's secret.
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.WriteString(generated)
			cerr := f.Close()
			if werr == nil && cerr == nil {
				logging.Info().Str("path", path).Msg("Generated session secret; set session.secret for stable sessions across redeploys")
				return []byte(generated), SecretSourceFile
			}
		} else if os.IsExist(err) {
			if raw, rerr := os.ReadFile(path); rerr == nil {
				if s := strings.TrimSpace(string(raw)); s != "" {
					return []byte(s), SecretSourceFile
				}
			}
		}
	}

	logging.Warn().Msg("Session secret could not be persisted; using a volatile in-memory secret. Sessions will not survive a restart.")
	return []byte(newSecretValue()), SecretSourceVolatile
}

// newSecretValue returns 32 random bytes, base64url-encoded.
func newSecretValue() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// Same stance as internal/crypto: a broken platform RNG is fatal.
		panic("session: rand.Read failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// nowMillis returns the current time as epoch milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
