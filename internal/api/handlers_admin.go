// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/openstream/openstream/internal/crypto"
	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/seerr"
	"github.com/openstream/openstream/internal/state"
)

type smtpSettingsRequest struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
	User   string `json:"user"`
	Pass   string `json:"pass"`
	From   string `json:"from"`
}

// handleUpdateSMTP stores mail relay settings. A blank pass keeps the stored
// one, so the admin UI never needs to echo the secret back.
func (rt *Router) handleUpdateSMTP(w http.ResponseWriter, r *http.Request) {
	var req smtpSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		respondError(w, http.StatusBadRequest, "port must be between 0 and 65535")
		return
	}

	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		pass := req.Pass
		if pass == "" {
			pass = doc.SMTP.Pass
		}
		port := req.Port
		if port == 0 {
			port = 587
		}
		doc.SMTP = state.SMTP{
			Host:   strings.TrimSpace(req.Host),
			Port:   port,
			Secure: req.Secure,
			User:   strings.TrimSpace(req.User),
			Pass:   pass,
			From:   strings.TrimSpace(req.From),
		}
		state.AddAuditEvent(doc, state.Event{
			Type:    "settings_updated",
			Actor:   state.ActorAdmin,
			Message: "SMTP settings updated",
			Meta:    map[string]string{"section": "smtp"},
		})
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to update SMTP settings")
		respondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type seerrSettingsRequest struct {
	URL              string `json:"url"`
	APIKey           string `json:"apiKey"`
	SetLocalPassword *bool  `json:"setLocalPassword"`
}

func (rt *Router) handleUpdateSeerr(w http.ResponseWriter, r *http.Request) {
	var req seerrSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		apiKey := req.APIKey
		if apiKey == "" {
			apiKey = doc.Seerr.APIKey
		}
		setLocal := doc.Seerr.SetLocalPassword
		if req.SetLocalPassword != nil {
			setLocal = *req.SetLocalPassword
		}
		doc.Seerr = state.Seerr{
			URL:              seerr.NormalizeBaseURL(req.URL),
			APIKey:           apiKey,
			SetLocalPassword: setLocal,
		}
		state.AddAuditEvent(doc, state.Event{
			Type:    "settings_updated",
			Actor:   state.ActorAdmin,
			Message: "Requests app settings updated",
			Meta:    map[string]string{"section": "seerr"},
		})
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to update seerr settings")
		respondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type aboutSettingsRequest struct {
	Text string `json:"text"`
}

func (rt *Router) handleUpdateAbout(w http.ResponseWriter, r *http.Request) {
	var req aboutSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		doc.About.Text = req.Text
		state.AddAuditEvent(doc, state.Event{
			Type:    "settings_updated",
			Actor:   state.ActorAdmin,
			Message: "About text updated",
			Meta:    map[string]string{"section": "about"},
		})
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to update about text")
		respondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type baseURLSettingsRequest struct {
	PublicBaseURL string `json:"publicBaseUrl"`
}

func (rt *Router) handleUpdateBaseURL(w http.ResponseWriter, r *http.Request) {
	var req baseURLSettingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	base := strings.TrimRight(strings.TrimSpace(req.PublicBaseURL), "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		respondError(w, http.StatusBadRequest, "publicBaseUrl must start with http:// or https://")
		return
	}

	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		doc.PublicBaseURL = base
		state.AddAuditEvent(doc, state.Event{
			Type:    "settings_updated",
			Actor:   state.ActorAdmin,
			Message: "Public base URL updated",
			Meta:    map[string]string{"section": "base-url"},
		})
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to update base URL")
		respondError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type smtpTestRequest struct {
	To string `json:"to"`
}

// handleSMTPTest sends a test message through the stored relay settings so
// the admin learns about auth or TLS problems before a real invite needs
// to go out.
func (rt *Router) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
	var req smtpTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !strings.Contains(req.To, "@") {
		respondError(w, http.StatusBadRequest, "to must be an email address")
		return
	}

	doc := rt.store.Read()
	if !doc.SMTP.Configured() {
		respondError(w, http.StatusBadRequest, "smtp is not configured")
		return
	}

	if err := rt.mail.SendTest(r.Context(), doc.SMTP, req.To); err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("test message failed: %s", err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type upsertServerRequest struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	BaseURL       string `json:"baseUrl"`
	ConnectionURL string `json:"connectionUrl"`
	APIKey        string `json:"apiKey"`
	Enabled       bool   `json:"enabled"`
}

// handleUpsertServer creates or updates a media server entry. On update a
// blank apiKey preserves the stored key; libraries and the offered subset
// survive the edit.
func (rt *Router) handleUpsertServer(w http.ResponseWriter, r *http.Request) {
	var req upsertServerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !state.ValidServerType(req.Type) {
		respondError(w, http.StatusBadRequest, "type must be jellyfin or emby")
		return
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		respondError(w, http.StatusBadRequest, "baseUrl is required")
		return
	}

	var saved state.Server
	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		baseURL := strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = strings.ToUpper(req.Type[:1]) + req.Type[1:]
		}

		if req.ID != "" {
			srv := doc.FindServer(req.ID)
			if srv == nil {
				return errServerNotFound
			}
			apiKey := req.APIKey
			if apiKey == "" {
				apiKey = srv.APIKey
			}
			srv.Type = req.Type
			srv.Name = name
			srv.BaseURL = baseURL
			srv.ConnectionURL = strings.TrimSpace(req.ConnectionURL)
			srv.APIKey = apiKey
			srv.Enabled = req.Enabled
			saved = *srv
		} else {
			srv := state.Server{
				ID:            "srv_" + crypto.RandomToken(6),
				Type:          req.Type,
				Name:          name,
				BaseURL:       baseURL,
				ConnectionURL: strings.TrimSpace(req.ConnectionURL),
				APIKey:        req.APIKey,
				Enabled:       req.Enabled,
				Libraries:     []state.Library{},
			}
			doc.Servers = append(doc.Servers, srv)
			saved = srv
		}

		state.AddAuditEvent(doc, state.Event{
			Type:    "server_saved",
			Actor:   state.ActorAdmin,
			Message: fmt.Sprintf("Server %s saved", saved.Name),
			Meta:    map[string]string{"serverId": saved.ID, "type": saved.Type},
		})
		return nil
	})
	if err != nil {
		if err == errServerNotFound {
			respondError(w, http.StatusNotFound, "server not found")
			return
		}
		logging.Error().Err(err).Msg("Failed to save server")
		respondError(w, http.StatusInternalServerError, "failed to save server")
		return
	}

	respondJSON(w, http.StatusOK, redactServer(saved))
}

// handleServerTest checks connectivity and API key validity for one server.
func (rt *Router) handleServerTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc := rt.store.Read()
	srv := doc.FindServer(id)
	if srv == nil {
		respondError(w, http.StatusNotFound, "server not found")
		return
	}
	if !srv.Configured() {
		respondError(w, http.StatusBadRequest, "server is missing baseUrl or apiKey")
		return
	}

	if err := rt.adminClient(*srv).Ping(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSyncLibraries refreshes the server's library list from the media
// server itself.
func (rt *Router) handleSyncLibraries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc := rt.store.Read()
	srv := doc.FindServer(id)
	if srv == nil {
		respondError(w, http.StatusNotFound, "server not found")
		return
	}
	if !srv.Configured() {
		respondError(w, http.StatusBadRequest, "server is missing baseUrl or apiKey")
		return
	}

	libs, err := rt.adminClient(*srv).Libraries(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	stored := make([]state.Library, len(libs))
	for i, l := range libs {
		stored[i] = state.Library{ID: l.ID, Name: l.Name}
	}

	_, uerr := rt.store.LockedUpdate(func(doc *state.Document) error {
		srv := doc.FindServer(id)
		if srv == nil {
			return errServerNotFound
		}
		srv.Libraries = stored
		state.AddAuditEvent(doc, state.Event{
			Type:    "libraries_synced",
			Actor:   state.ActorAdmin,
			Message: fmt.Sprintf("Synced %d libraries for %s", len(stored), srv.Name),
			Meta:    map[string]string{"serverId": srv.ID},
		})
		return nil
	})
	if uerr != nil {
		logging.Error().Err(uerr).Msg("Failed to store synced libraries")
		respondError(w, http.StatusInternalServerError, "failed to save libraries")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"libraries": stored})
}

type offeredLibrariesRequest struct {
	// LibraryIDs null means "offer everything"; an empty list offers none.
	LibraryIDs *[]string `json:"libraryIds"`
}

// handleOfferedLibraries sets the admin-curated subset of libraries guests
// may request. Unknown ids are dropped.
func (rt *Router) handleOfferedLibraries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req offeredLibrariesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var saved []string
	_, err := rt.store.LockedUpdate(func(doc *state.Document) error {
		srv := doc.FindServer(id)
		if srv == nil {
			return errServerNotFound
		}

		if req.LibraryIDs == nil {
			srv.OfferedLibraryIDs = nil
		} else {
			known := make(map[string]struct{}, len(srv.Libraries))
			for _, l := range srv.Libraries {
				known[l.ID] = struct{}{}
			}
			filtered := make([]string, 0, len(*req.LibraryIDs))
			for _, libID := range *req.LibraryIDs {
				if _, ok := known[libID]; ok {
					filtered = append(filtered, libID)
				}
			}
			srv.OfferedLibraryIDs = filtered
		}
		saved = srv.OfferedIDs()

		state.AddAuditEvent(doc, state.Event{
			Type:    "offered_libraries_updated",
			Actor:   state.ActorAdmin,
			Message: fmt.Sprintf("Offered libraries updated for %s", srv.Name),
			Meta:    map[string]string{"serverId": srv.ID},
		})
		return nil
	})
	if err != nil {
		if err == errServerNotFound {
			respondError(w, http.StatusNotFound, "server not found")
			return
		}
		logging.Error().Err(err).Msg("Failed to update offered libraries")
		respondError(w, http.StatusInternalServerError, "failed to save offered libraries")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"offeredLibraryIds": saved})
}

// handleAdminState returns the full state document with secrets redacted:
// password hashes, the SMTP password, and API keys never leave the server.
func (rt *Router) handleAdminState(w http.ResponseWriter, r *http.Request) {
	doc := rt.store.Read()

	servers := make([]map[string]any, len(doc.Servers))
	for i, srv := range doc.Servers {
		servers[i] = redactServer(srv)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"setup": map[string]any{
			"complete": doc.Setup.Complete,
		},
		"publicBaseUrl": doc.PublicBaseURL,
		"smtp": map[string]any{
			"host":    doc.SMTP.Host,
			"port":    doc.SMTP.Port,
			"secure":  doc.SMTP.Secure,
			"user":    doc.SMTP.User,
			"hasPass": doc.SMTP.Pass != "",
			"from":    doc.SMTP.From,
		},
		"servers": servers,
		"seerr": map[string]any{
			"url":              doc.Seerr.URL,
			"hasApiKey":        doc.Seerr.APIKey != "",
			"setLocalPassword": doc.Seerr.SetLocalPassword,
		},
		"about":   doc.About,
		"signups": redactSignups(doc.Signups),
	})
}

// handleAudit returns the audit events, newest first.
func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	doc := rt.store.Read()
	events := make([]state.Event, len(doc.Events))
	for i, ev := range doc.Events {
		events[len(doc.Events)-1-i] = ev
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// redactServer strips the API key, reporting only whether one is stored.
func redactServer(srv state.Server) map[string]any {
	return map[string]any{
		"id":                srv.ID,
		"type":              srv.Type,
		"name":              srv.Name,
		"baseUrl":           srv.BaseURL,
		"connectionUrl":     srv.ConnectionURL,
		"hasApiKey":         srv.APIKey != "",
		"enabled":           srv.Enabled,
		"libraries":         srv.Libraries,
		"offeredLibraryIds": srv.OfferedLibraryIDs,
	}
}

// redactSignups strips token hashes; even the digest has no business in an
// API response.
func redactSignups(signups []state.Signup) []map[string]any {
	out := make([]map[string]any, len(signups))
	for i, su := range signups {
		out[i] = map[string]any{
			"id":                  su.ID,
			"createdAt":           su.CreatedAt,
			"serverId":            su.ServerID,
			"serverType":          su.ServerType,
			"serverName":          su.ServerName,
			"username":            su.Username,
			"email":               su.Email,
			"requestedLibraryIds": su.RequestedLibraryIDs,
			"status":              su.Status,
			"tokenExpiresAt":      su.TokenExpiresAt,
			"tokenUsedAt":         su.TokenUsedAt,
			"passwordSetAt":       su.PasswordSetAt,
			"provisionedAt":       su.ProvisionedAt,
			"error":               su.Error,
			"seerrImport":         su.SeerrImport,
		}
	}
	return out
}
