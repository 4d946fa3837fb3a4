// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

/*
client.go - Jellyfin/Emby REST API Client

This file implements the REST client used to provision user accounts on a
Jellyfin or Emby server. Both servers expose the same Emby-lineage API
surface, so one client serves both; only response field casing differs,
which the tolerant decoding below absorbs.

API Reference: https://api.jellyfin.org/
*/

package mediaserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// API defines the media server operations the rest of the application uses.
// Both Client and BreakerClient implement this interface.
type API interface {
	Ping(ctx context.Context) error
	Provision(ctx context.Context, req ProvisionRequest) (string, error)
	Libraries(ctx context.Context) ([]Library, error)
}

// Ensure Client implements API
var _ API = (*Client)(nil)

// ProvisionRequest describes the account to create or update.
type ProvisionRequest struct {
	ServerType string // "jellyfin" or "emby", informational
	Username   string
	Password   string

	// LibraryIDs restricts the account to these library folders. nil means
	// leave the server's default access untouched; an empty non-nil slice
	// grants access to no libraries.
	LibraryIDs []string
}

// Library is one library folder on the media server.
type Library struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client provides access to the Jellyfin/Emby REST API of one configured
// server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a media server API client.
//
// Parameters:
//   - baseURL: server URL (e.g., http://localhost:8096)
//   - apiKey: API key from the server's admin dashboard
func NewClient(baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping tests connectivity and API key validity.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/System/Info", nil)
	if err != nil {
		return fmt.Errorf("media server ping failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("media server ping failed: %s", responseDetail(resp))
	}
	return nil
}

// Provision creates (or reuses) the named user and sets its password. When
// req.LibraryIDs is non-nil it also restricts the account to those library
// folders. Returns the media server user id.
//
// The sequence mirrors what the server's own admin UI does:
//  1. look the user up by name, creating it via /Users/New when absent;
//  2. force the password via /Users/{id}/Password;
//  3. overlay the access policy via /Users/{id}/Policy.
//
// Password and policy failures are fatal: a half-provisioned account the
// invitee cannot log into must surface as an error, not a success.
func (c *Client) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	userID, err := c.findUser(ctx, req.Username)
	if err != nil {
		return "", err
	}

	if userID == "" {
		userID, err = c.createUser(ctx, req.Username)
		if err != nil {
			return "", err
		}
	}

	if userID == "" {
		return "", fmt.Errorf("media server did not return an id for user %q", req.Username)
	}

	if err := c.setPassword(ctx, userID, req.Password); err != nil {
		return "", err
	}

	if req.LibraryIDs != nil {
		if err := c.restrictLibraries(ctx, userID, req.LibraryIDs); err != nil {
			return "", err
		}
	}

	return userID, nil
}

// findUser returns the id of the user with the given name, or "" when no
// such user exists. The match is case-insensitive because Jellyfin treats
// user names case-insensitively on login.
func (c *Client) findUser(ctx context.Context, username string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/Users", nil)
	if err != nil {
		return "", fmt.Errorf("media server user lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("media server user lookup failed: %s", responseDetail(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read media server user list: %w", err)
	}

	for _, user := range decodeItemList(body) {
		name := pickString(user, "Name", "name")
		if strings.EqualFold(name, username) {
			return pickString(user, "Id", "id"), nil
		}
	}
	return "", nil
}

// createUser creates the user via /Users/New. When the create call fails it
// retries the lookup once: another admin action (or a previous interrupted
// provisioning run) may have created the account in the meantime.
func (c *Client) createUser(ctx context.Context, username string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/Users/New", map[string]any{"Name": username})
	if err != nil {
		return "", fmt.Errorf("media server create user failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := responseDetail(resp)
		userID, lookupErr := c.findUser(ctx, username)
		if lookupErr == nil && userID != "" {
			return userID, nil
		}
		return "", fmt.Errorf("media server create user failed: %s", detail)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read media server create response: %w", err)
	}

	var created map[string]any
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to decode media server create response: %w", err)
	}
	return pickString(created, "Id", "id"), nil
}

func (c *Client) setPassword(ctx context.Context, userID, password string) error {
	endpoint := fmt.Sprintf("/Users/%s/Password", userID)
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, map[string]any{
		"CurrentPw": "",
		"NewPw":     password,
	})
	if err != nil {
		return fmt.Errorf("media server set password failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("media server set password failed: %s", responseDetail(resp))
	}
	return nil
}

// restrictLibraries fetches the user's current policy, overlays the folder
// restriction, and writes it back. The whole policy is round-tripped so
// unrelated policy fields the admin has set survive the update.
func (c *Client) restrictLibraries(ctx context.Context, userID string, libraryIDs []string) error {
	endpoint := "/Users/" + userID
	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("media server policy lookup failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("media server policy lookup failed: %s", responseDetail(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read media server user: %w", err)
	}

	var user map[string]any
	if err := json.Unmarshal(body, &user); err != nil {
		return fmt.Errorf("failed to decode media server user: %w", err)
	}

	policy, _ := pickValue(user, "Policy", "policy").(map[string]any)
	if policy == nil {
		policy = make(map[string]any)
	}
	policy["EnableAllFolders"] = false
	policy["EnabledFolders"] = libraryIDs

	resp2, err := c.doRequest(ctx, http.MethodPost, endpoint+"/Policy", policy)
	if err != nil {
		return fmt.Errorf("media server policy update failed: %w", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	if resp2.StatusCode < 200 || resp2.StatusCode > 299 {
		return fmt.Errorf("media server policy update failed: %s", responseDetail(resp2))
	}
	return nil
}

// Libraries retrieves the server's library folders for the admin screen.
func (c *Client) Libraries(ctx context.Context) ([]Library, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/Library/VirtualFolders", nil)
	if err != nil {
		return nil, fmt.Errorf("media server library list failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("media server library list failed: %s", responseDetail(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read media server library list: %w", err)
	}

	items := decodeItemList(body)
	libraries := make([]Library, 0, len(items))
	for _, item := range items {
		lib := Library{
			ID:   pickString(item, "ItemId", "Id", "id"),
			Name: pickString(item, "Name", "name"),
		}
		if lib.ID == "" || lib.Name == "" {
			continue
		}
		libraries = append(libraries, lib)
	}
	return libraries, nil
}

// doRequest performs an HTTP request against the media server API with the
// standard auth and content headers. body is JSON-encoded when non-nil.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	fullURL := c.baseURL + endpoint

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Emby-Token", c.apiKey)
	req.Header.Set("X-Emby-Client", "OpenStream")
	req.Header.Set("X-Emby-Device-Name", "OpenStream")
	req.Header.Set("X-Emby-Device-Id", "openstream")
	req.Header.Set("X-Emby-Client-Version", "1.0.0")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// decodeItemList parses a response that is either a bare JSON array of
// objects or an object wrapping the array under "Items". Jellyfin returns
// the former, Emby sometimes the latter.
func decodeItemList(body []byte) []map[string]any {
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err == nil {
		return items
	}

	var wrapper struct {
		Items []map[string]any `json:"Items"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		return wrapper.Items
	}
	return nil
}

// pickValue returns the first present key's value.
func pickValue(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

// pickString returns the first present key whose value is a non-empty string.
func pickString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// responseDetail extracts a human-readable error from an API response:
// the conventional message field of a JSON error body when present, else the
// body text, else the bare status line. The body is capped so a giant HTML
// error page does not flood logs or state.
func responseDetail(resp *http.Response) string {
	statusLine := fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return statusLine
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if msg := pickString(parsed, "Message", "message", "error", "Error", "Details"); msg != "" {
			return statusLine + ": " + msg
		}
	}
	return statusLine + ": " + strings.TrimSpace(string(body))
}
