// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package api

import (
	"errors"
	"net/http"

	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/session"
	"github.com/openstream/openstream/internal/signup"
	"github.com/openstream/openstream/internal/state"
	"github.com/openstream/openstream/internal/validation"
)

type signupRequest struct {
	Username   string   `json:"username"`
	Email      string   `json:"email"`
	ServerID   string   `json:"serverId"`
	ServerType string   `json:"serverType"`
	LibraryIDs []string `json:"libraryIds"`
}

// handleSignup creates an invite. Any authenticated role may invite; the
// guest password is itself an invitation to bring people in.
func (rt *Router) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !rt.gate(w, r, "signup", signupLimit) {
		return
	}

	var req signupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	actor := state.ActorGuest
	if p := sessionFrom(r); p != nil && p.Role == session.RoleAdmin {
		actor = state.ActorAdmin
	}

	res, err := rt.signups.Create(r.Context(), signup.CreateRequest{
		Username:            req.Username,
		Email:               req.Email,
		ServerID:            req.ServerID,
		ServerType:          req.ServerType,
		RequestedLibraryIDs: req.LibraryIDs,
		Origin:              requestOrigin(r),
		Actor:               actor,
	})
	if err != nil {
		var verr *validation.RequestError
		switch {
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, signup.ErrSMTPNotConfigured),
			errors.Is(err, signup.ErrServerNotAvailable):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, signup.ErrEmailSendFailed):
			// The signup record survives; surface the delivery problem.
			respondError(w, http.StatusInternalServerError, err.Error())
		default:
			logging.Error().Err(err).Msg("Signup creation failed")
			respondError(w, http.StatusInternalServerError, "failed to create signup")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"signupId": res.SignupID,
		"status":   res.Status,
		"email":    res.Email,
	})
}

type setPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// handleSetPassword redeems an invite token. Public: the token in the
// emailed link is the credential.
func (rt *Router) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	if !rt.gate(w, r, "set-password", setPasswordLimit) {
		return
	}

	var req setPasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := rt.signups.Redeem(r.Context(), req.Token, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, signup.ErrPasswordTooShort),
			errors.Is(err, signup.ErrInvalidToken),
			errors.Is(err, signup.ErrTokenUsed),
			errors.Is(err, signup.ErrTokenExpired):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, signup.ErrProvisioningInProgress):
			respondError(w, http.StatusConflict, "account setup is already in progress, retry shortly")
		default:
			// Provisioning failure: the reason the media server gave is
			// part of the message and safe to show the invitee.
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	body := map[string]any{
		"ok":         true,
		"username":   res.Username,
		"serverName": res.ServerName,
		"serverType": res.ServerType,
	}
	if res.SeerrNote != "" {
		body["warning"] = "your account was created, but the requests app could not be set up: " + res.SeerrNote
	}
	respondJSON(w, http.StatusOK, body)
}
