// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

/*
client.go - Jellyseerr/Overseerr API Client

This file implements the client that mirrors a freshly provisioned media
server account into a Jellyseerr/Overseerr ("seerr") instance, so invitees
can request content without a second onboarding step.

Seerr deployments vary: the jellyfin import endpoint exists on Jellyseerr
only, and the local-user create endpoint has changed its password field name
across releases. ImportUser works through those variants in order rather
than pinning one API generation.
*/

package seerr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrPasswordNotAccepted reports that the seerr user was created, but every
// create variant carrying a password was rejected, so the account has no
// local password and cannot sign in locally.
var ErrPasswordNotAccepted = errors.New("seerr user created but the password was not accepted")

// ImportRequest identifies the account to mirror into seerr.
type ImportRequest struct {
	// ExternalUserID is the media server user id (from provisioning).
	ExternalUserID string
	Email          string
	Username       string

	// Password, when non-empty, is set as the seerr local password.
	Password string
}

// Client talks to one Jellyseerr/Overseerr instance.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a seerr API client. The base URL is normalized: trailing
// slashes and a pasted "/api/v1" or "/api" suffix are stripped, since admins
// routinely copy the URL out of the seerr settings screen.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NormalizeBaseURL canonicalizes an admin-entered seerr URL.
func NormalizeBaseURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	u = strings.TrimSuffix(u, "/api/v1")
	u = strings.TrimSuffix(u, "/api")
	return strings.TrimRight(u, "/")
}

// ImportUser mirrors the account into seerr:
//
//  1. POST /api/v1/user/import-from-jellyfin with the media server user id;
//     a 2xx finishes the import.
//  2. When that fails and email+username are known, fall back to creating a
//     local user via POST /api/v1/user, trying the password field spellings
//     used across seerr releases, then a password-less create.
//  3. A password-less create succeeding after password variants failed
//     returns ErrPasswordNotAccepted: the user exists but cannot log in
//     locally, which the caller records rather than hides.
func (c *Client) ImportUser(ctx context.Context, req ImportRequest) error {
	importErr := c.importFromJellyfin(ctx, req.ExternalUserID)
	if importErr == nil {
		return nil
	}

	if req.Email == "" || req.Username == "" {
		return importErr
	}

	base := map[string]any{
		"email":       req.Email,
		"username":    req.Username,
		"jellyfinId":  req.ExternalUserID,
		"permissions": 0,
	}

	variants := []map[string]any{
		{"password": req.Password, "passwordConfirm": req.Password},
		{"password": req.Password, "confirmPassword": req.Password},
		{"password": req.Password},
		{},
	}
	if req.Password == "" {
		variants = variants[3:]
	}

	var firstCreateErr error
	for _, extra := range variants {
		body := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			body[k] = v
		}
		for k, v := range extra {
			body[k] = v
		}

		err := c.createUser(ctx, body)
		if err == nil {
			if req.Password != "" && len(extra) == 0 {
				return ErrPasswordNotAccepted
			}
			return nil
		}
		if firstCreateErr == nil {
			firstCreateErr = err
		}
	}

	return fmt.Errorf("seerr import failed (%v); user create also failed: %w", importErr, firstCreateErr)
}

// Ping verifies connectivity and API key validity for the admin screen.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/settings/main", nil)
	if err != nil {
		return fmt.Errorf("seerr ping failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return requestError(resp, "/api/v1/settings/main")
	}
	return nil
}

func (c *Client) importFromJellyfin(ctx context.Context, externalUserID string) error {
	endpoint := "/api/v1/user/import-from-jellyfin"
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, map[string]any{
		"jellyfinUserIds": []string{externalUserID},
	})
	if err != nil {
		return fmt.Errorf("seerr import request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return requestError(resp, endpoint)
	}
	return nil
}

func (c *Client) createUser(ctx context.Context, body map[string]any) error {
	endpoint := "/api/v1/user"
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("seerr create request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return requestError(resp, endpoint)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// requestError formats a failed seerr response, surfacing the message field
// of a JSON error body when present.
func requestError(resp *http.Response, endpoint string) error {
	statusLine := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("seerr request failed (%s) at %s", statusLine, endpoint)
	}

	detail := strings.TrimSpace(string(body))
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, key := range []string{"message", "Message", "error", "Error"} {
			if s, ok := parsed[key].(string); ok && s != "" {
				detail = s
				break
			}
		}
	}
	return fmt.Errorf("seerr request failed (%s) at %s: %s", statusLine, endpoint, detail)
}
