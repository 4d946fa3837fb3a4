// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package api

import (
	"net/http"
	"time"

	"github.com/openstream/openstream/internal/session"
	"github.com/openstream/openstream/internal/state"
)

// handleHealth reports configuration status for operators and the setup
// wizard. Unauthenticated, so it only ever carries booleans and counts,
// never secrets or addresses.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := rt.store.Read()

	baseSource := "origin"
	if doc.StatePublicBaseURL() != "" {
		baseSource = "state"
	} else if rt.cfg.Public.BaseURL != "" {
		baseSource = "env"
	}

	enabled := 0
	enabledConfigured := 0
	for _, srv := range doc.Servers {
		if !srv.Enabled {
			continue
		}
		enabled++
		if srv.Configured() {
			enabledConfigured++
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"ok":                       true,
		"setupComplete":            doc.Setup.Complete,
		"publicBaseUrlSource":      baseSource,
		"smtpConfigured":           doc.SMTP.Configured(),
		"enabledServers":           enabled,
		"enabledServersConfigured": enabledConfigured,
		"seerrConfigured":          doc.Seerr.Configured(),
		"seerrHasApiKey":           doc.Seerr.APIKey != "",
		"sessionSecretFromEnv":     rt.secretSource == session.SecretSourceConfig,
		"instanceId":               rt.instanceID,
		"time":                     time.Now().UTC().Format(time.RFC3339),
	})
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"version": rt.version})
}

func (rt *Router) handleAbout(w http.ResponseWriter, r *http.Request) {
	doc := rt.store.Read()
	respondJSON(w, http.StatusOK, map[string]any{"text": doc.About.Text})
}

// handleListServers returns the servers a signed-in guest may choose from:
// enabled servers with their offered libraries. No connection details.
func (rt *Router) handleListServers(w http.ResponseWriter, r *http.Request) {
	doc := rt.store.Read()

	out := make([]map[string]any, 0, len(doc.Servers))
	for _, srv := range doc.Servers {
		if !srv.Enabled {
			continue
		}
		offered := srv.OfferedIDs()
		offeredSet := make(map[string]struct{}, len(offered))
		for _, id := range offered {
			offeredSet[id] = struct{}{}
		}
		libs := make([]state.Library, 0, len(offered))
		for _, l := range srv.Libraries {
			if _, ok := offeredSet[l.ID]; ok {
				libs = append(libs, l)
			}
		}
		out = append(out, map[string]any{
			"id":        srv.ID,
			"type":      srv.Type,
			"name":      srv.Name,
			"libraries": libs,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{"servers": out})
}
