// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package crypto provides salted password hashing and random token
// generation for OpenStream.
//
// Passwords are hashed with PBKDF2-SHA256 and stored in a self-describing
// encoded form, so iteration counts can be raised later without breaking
// existing hashes:
//
//	pbkdf2$sha256$150000$<salt base64>$<derived key base64>
//
// Invite tokens are plain hex-encoded random bytes; only their SHA-256
// digest is ever persisted.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 150000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 16

	// minIterations rejects stored hashes with implausibly weak parameters.
	minIterations = 10000
)

// HashPassword derives a salted PBKDF2-SHA256 hash and returns it in the
// encoded storage form.
func HashPassword(password string) string {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failure means the platform RNG is broken; nothing
		// sensible can continue from here.
		panic(fmt.Sprintf("crypto: rand.Read failed: %v", err))
	}

	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s",
		pbkdf2Iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(derived),
	)
}

// VerifyPassword reports whether password matches the stored encoded hash.
// Malformed or implausibly weak stored values verify as false, never panic.
func VerifyPassword(password, stored string) bool {
	parts := strings.Split(strings.TrimSpace(stored), "$")
	if len(parts) != 5 {
		return false
	}
	kind, digest, itersRaw, saltB64, hashB64 := parts[0], parts[1], parts[2], parts[3], parts[4]
	if kind != "pbkdf2" || digest != "sha256" {
		return false
	}

	iters, err := strconv.Atoi(itersRaw)
	if err != nil || iters < minIterations {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil || len(salt) == 0 {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil || len(expected) == 0 {
		return false
	}

	derived := pbkdf2.Key([]byte(password), salt, iters, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RandomToken returns n random bytes hex-encoded (2n characters).
func RandomToken(n int) string {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto: rand.Read failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// HMACSHA256 computes the HMAC-SHA256 of message under key.
func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}
