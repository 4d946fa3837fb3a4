// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package crypto

import (
	"strings"
	"testing"
)

func TestHashPasswordFormat(t *testing.T) {
	hash := HashPassword("correct horse battery staple")

	parts := strings.Split(hash, "$")
	if len(parts) != 5 {
		t.Fatalf("expected 5 $-separated parts, got %d: %q", len(parts), hash)
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		t.Errorf("unexpected kind/digest: %q/%q", parts[0], parts[1])
	}
	if parts[2] != "150000" {
		t.Errorf("expected 150000 iterations, got %q", parts[2])
	}
}

func TestVerifyPasswordRoundTrip(t *testing.T) {
	hash := HashPassword("longenough1")

	if !VerifyPassword("longenough1", hash) {
		t.Error("correct password should verify")
	}
	if VerifyPassword("wrongpassword", hash) {
		t.Error("wrong password should not verify")
	}
	if VerifyPassword("", hash) {
		t.Error("empty password should not verify")
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	a := HashPassword("same password")
	b := HashPassword("same password")
	if a == b {
		t.Error("two hashes of the same password should differ by salt")
	}
	if !VerifyPassword("same password", a) || !VerifyPassword("same password", b) {
		t.Error("both hashes should verify")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	tests := []struct {
		name   string
		stored string
	}{
		{"empty", ""},
		{"not a hash", "hunter2"},
		{"wrong part count", "pbkdf2$sha256$150000$onlyfour"},
		{"wrong kind", "bcrypt$sha256$150000$c2FsdA==$aGFzaA=="},
		{"wrong digest", "pbkdf2$md5$150000$c2FsdA==$aGFzaA=="},
		{"non-numeric iterations", "pbkdf2$sha256$lots$c2FsdA==$aGFzaA=="},
		{"iterations below floor", "pbkdf2$sha256$500$c2FsdA==$aGFzaA=="},
		{"bad salt base64", "pbkdf2$sha256$150000$!!!$aGFzaA=="},
		{"bad hash base64", "pbkdf2$sha256$150000$c2FsdA==$!!!"},
		{"empty salt", "pbkdf2$sha256$150000$$aGFzaA=="},
		{"empty hash", "pbkdf2$sha256$150000$c2FsdA==$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyPassword("anything", tt.stored) {
				t.Errorf("malformed stored value %q should not verify", tt.stored)
			}
		})
	}
}

func TestSHA256Hex(t *testing.T) {
	// Known vector for the empty string.
	got := SHA256Hex("")
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("SHA256Hex(\"\") = %q, want %q", got, want)
	}

	if SHA256Hex("a") == SHA256Hex("b") {
		t.Error("different inputs should hash differently")
	}
}

func TestRandomToken(t *testing.T) {
	tok := RandomToken(24)
	if len(tok) != 48 {
		t.Errorf("24 random bytes should hex-encode to 48 chars, got %d", len(tok))
	}
	if tok == RandomToken(24) {
		t.Error("two tokens should not collide")
	}

	// Non-positive sizes fall back to 32 bytes.
	if len(RandomToken(0)) != 64 {
		t.Error("zero size should fall back to 32 bytes")
	}
}
