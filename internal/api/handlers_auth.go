// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package api

import (
	"net/http"

	"github.com/openstream/openstream/internal/crypto"
	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/session"
	"github.com/openstream/openstream/internal/state"
)

type setupRequest struct {
	AdminPassword string `json:"adminPassword"`
	GuestPassword string `json:"guestPassword"`
}

// handleSetup performs one-time initialization: it stores the admin and
// guest password hashes. Once complete, setup is immutable; changing
// passwords later means editing the state file deliberately, not replaying
// this endpoint.
func (rt *Router) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.AdminPassword) < 8 || len(req.GuestPassword) < 8 {
		respondError(w, http.StatusBadRequest, "both passwords must be at least 8 characters")
		return
	}

	adminHash := crypto.HashPassword(req.AdminPassword)
	guestHash := crypto.HashPassword(req.GuestPassword)

	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		if doc.Setup.Complete {
			return errSetupComplete
		}
		doc.Setup.Complete = true
		doc.Setup.AdminPasswordHash = adminHash
		doc.Setup.GuestPasswordHash = guestHash
		state.AddAuditEvent(doc, state.Event{
			Type:    "setup_completed",
			Actor:   state.ActorAdmin,
			Message: "Initial setup completed",
		})
		return nil
	})
	if err != nil {
		if err == errSetupComplete {
			respondError(w, http.StatusBadRequest, "setup has already been completed")
			return
		}
		logging.Error().Err(err).Msg("Setup failed")
		respondError(w, http.StatusInternalServerError, "failed to save setup")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin verifies the shared password against the admin hash first,
// then the guest hash, and issues the signed session cookie. There are no
// usernames: possession of a password is the role.
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !rt.gate(w, r, "login", loginLimit) {
		return
	}

	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Password == "" {
		respondError(w, http.StatusBadRequest, "password is required")
		return
	}

	doc := rt.store.Read()
	if !doc.Setup.Complete {
		respondError(w, http.StatusBadRequest, "setup has not been completed yet")
		return
	}

	role := ""
	switch {
	case crypto.VerifyPassword(req.Password, doc.Setup.AdminPasswordHash):
		role = session.RoleAdmin
	case crypto.VerifyPassword(req.Password, doc.Setup.GuestPasswordHash):
		role = session.RoleGuest
	default:
		respondError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	if err := rt.sessions.SetCookie(w, r, role); err != nil {
		logging.Error().Err(err).Msg("Failed to issue session cookie")
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"role": role})
}

func (rt *Router) handleLogout(w http.ResponseWriter, r *http.Request) {
	rt.sessions.ClearCookies(w, r)
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (rt *Router) handleWhoami(w http.ResponseWriter, r *http.Request) {
	p := rt.sessions.FromRequest(r)
	if p == nil {
		respondError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"role": p.Role})
}
