// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package state owns the persisted OpenStream state document: one JSON file
// on disk, read with backup fallback, written atomically with rotating
// backups, and mutated only through the store's serialized LockedUpdate.
package state

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Server types supported for provisioning.
const (
	ServerTypeJellyfin = "jellyfin"
	ServerTypeEmby     = "emby"
)

// ValidServerType reports whether t names a supported media server type.
func ValidServerType(t string) bool {
	return t == ServerTypeJellyfin || t == ServerTypeEmby
}

// Signup statuses. Transitions are monotonic except for the one back-edge
// provisioning -> provision_failed, which also clears tokenUsedAt so the
// invite link stays redeemable.
const (
	StatusPendingEmail    = "pending_email"
	StatusInviteSent      = "invite_sent"
	StatusEmailFailed     = "email_failed"
	StatusProvisioning    = "provisioning"
	StatusProvisioned     = "provisioned"
	StatusProvisionFailed = "provision_failed"
)

// Document is the root persisted object, the unit of persistence.
type Document struct {
	Setup         Setup    `json:"setup"`
	PublicBaseURL string   `json:"publicBaseUrl"`
	SMTP          SMTP     `json:"smtp"`
	Servers       []Server `json:"servers"`
	Seerr         Seerr    `json:"seerr"`
	About         About    `json:"about"`
	Events        []Event  `json:"events"`
	Signups       []Signup `json:"signups"`
}

// Setup holds the one-time initialization result. Immutable once Complete.
type Setup struct {
	Complete          bool   `json:"complete"`
	AdminPasswordHash string `json:"adminPasswordHash"`
	GuestPasswordHash string `json:"guestPasswordHash"`
}

// SMTP holds mail relay settings. Pass is preserved across partial updates
// when the incoming value is blank.
type SMTP struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secure bool   `json:"secure"`
	User   string `json:"user"`
	Pass   string `json:"pass"`
	From   string `json:"from"`
}

// EffectiveFrom returns the sender address: From, or a User that looks like
// an email address.
func (s SMTP) EffectiveFrom() string {
	if from := strings.TrimSpace(s.From); from != "" {
		return from
	}
	if user := strings.TrimSpace(s.User); strings.Contains(user, "@") {
		return user
	}
	return ""
}

// Configured reports whether the relay can plausibly send mail.
func (s SMTP) Configured() bool {
	return strings.TrimSpace(s.Host) != "" && s.EffectiveFrom() != ""
}

// Library is one media library as reported by the server.
type Library struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Server is one configured Jellyfin/Emby server.
type Server struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Name          string    `json:"name"`
	BaseURL       string    `json:"baseUrl"`
	ConnectionURL string    `json:"connectionUrl"`
	APIKey        string    `json:"apiKey"`
	Enabled       bool      `json:"enabled"`
	Libraries     []Library `json:"libraries"`

	// OfferedLibraryIDs is the admin-curated subset guests may request.
	// nil means "everything in Libraries is offered".
	OfferedLibraryIDs []string `json:"offeredLibraryIds"`
}

// Configured reports whether the server has the connection essentials.
func (s Server) Configured() bool {
	return strings.TrimSpace(s.BaseURL) != "" && strings.TrimSpace(s.APIKey) != ""
}

// OfferedIDs resolves the offered library ids: the explicit subset when set,
// else every known library id.
func (s Server) OfferedIDs() []string {
	if s.OfferedLibraryIDs != nil {
		out := make([]string, 0, len(s.OfferedLibraryIDs))
		for _, id := range s.OfferedLibraryIDs {
			if id != "" {
				out = append(out, id)
			}
		}
		return out
	}
	out := make([]string, 0, len(s.Libraries))
	for _, l := range s.Libraries {
		if l.ID != "" {
			out = append(out, l.ID)
		}
	}
	return out
}

// Seerr holds the optional requests-app integration settings.
type Seerr struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey"`

	// SetLocalPassword passes the guest's password to Seerr at import time
	// so the same credentials work there. Defaults to true.
	SetLocalPassword bool `json:"setLocalPassword"`
}

// Configured reports whether Seerr import should be attempted at all.
func (s Seerr) Configured() bool {
	return strings.TrimSpace(s.URL) != "" && strings.TrimSpace(s.APIKey) != ""
}

// About is free-form admin-edited text shown to guests.
type About struct {
	Text string `json:"text"`
}

// Event is one audit record. Events are append-only: never mutated, only
// appended and trimmed.
type Event struct {
	ID      string            `json:"id"`
	At      int64             `json:"at"`
	Type    string            `json:"type"`
	Actor   string            `json:"actor"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// SeerrImport records the outcome of the best-effort Seerr import for one
// signup. Never fatal to provisioning.
type SeerrImport struct {
	Attempted     bool   `json:"attempted"`
	OK            bool   `json:"ok"`
	SkippedReason string `json:"skippedReason"`
	Error         string `json:"error"`
	At            int64  `json:"at"`
}

// Signup is one guest's in-progress or completed account request.
type Signup struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`

	ServerID   string `json:"serverId"`
	ServerType string `json:"serverType"`
	ServerName string `json:"serverName"`

	Username            string   `json:"username"`
	Email               string   `json:"email"`
	RequestedLibraryIDs []string `json:"requestedLibraryIds"`

	Status string `json:"status"`

	// TokenHash is the SHA-256 hex digest of the single-use invite secret.
	// The plaintext token is never persisted.
	TokenHash      string `json:"tokenHash"`
	TokenExpiresAt int64  `json:"tokenExpiresAt"`
	TokenUsedAt    *int64 `json:"tokenUsedAt"`

	ProvisioningStartedAt int64  `json:"provisioningStartedAt,omitempty"`
	PasswordSetAt         *int64 `json:"passwordSetAt"`
	ProvisionedAt         *int64 `json:"provisionedAt"`

	Error       string       `json:"error"`
	SeerrImport *SeerrImport `json:"seerrImport,omitempty"`
}

// FindSignupByID returns the signup with the given id, or nil.
func (d *Document) FindSignupByID(id string) *Signup {
	for i := range d.Signups {
		if d.Signups[i].ID == id {
			return &d.Signups[i]
		}
	}
	return nil
}

// FindSignupByTokenHash returns the signup whose token digest matches, or nil.
func (d *Document) FindSignupByTokenHash(hash string) *Signup {
	for i := range d.Signups {
		if d.Signups[i].TokenHash == hash {
			return &d.Signups[i]
		}
	}
	return nil
}

// FindServer returns the server with the given id, or nil.
func (d *Document) FindServer(id string) *Server {
	for i := range d.Servers {
		if d.Servers[i].ID == id {
			return &d.Servers[i]
		}
	}
	return nil
}

// FirstEnabledServer returns the first enabled server of the given type,
// or nil.
func (d *Document) FirstEnabledServer(serverType string) *Server {
	for i := range d.Servers {
		if d.Servers[i].Enabled && d.Servers[i].Type == serverType {
			return &d.Servers[i]
		}
	}
	return nil
}

// StatePublicBaseURL returns the admin-set base URL override with trailing
// slashes removed, or "".
func (d *Document) StatePublicBaseURL() string {
	return strings.TrimRight(strings.TrimSpace(d.PublicBaseURL), "/")
}

// DefaultDocument returns a structurally complete empty document.
func DefaultDocument() *Document {
	return &Document{
		Setup: Setup{},
		SMTP: SMTP{
			Port: 587,
		},
		Servers: []Server{},
		Seerr: Seerr{
			SetLocalPassword: true,
		},
		Events:  []Event{},
		Signups: []Signup{},
	}
}

// nowMillis returns the current time as epoch milliseconds, the unit every
// timestamp in the document uses.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// normalize repairs structural gaps after decoding: nil collections become
// empty slices so callers never branch on nil, and a zero SMTP port gets the
// default submission port.
func (d *Document) normalize() {
	if d.Servers == nil {
		d.Servers = []Server{}
	}
	if d.Events == nil {
		d.Events = []Event{}
	}
	if d.Signups == nil {
		d.Signups = []Signup{}
	}
	if d.SMTP.Port == 0 {
		d.SMTP.Port = 587
	}
	for i := range d.Servers {
		if d.Servers[i].Libraries == nil {
			d.Servers[i].Libraries = []Library{}
		}
	}
	for i := range d.Signups {
		if d.Signups[i].RequestedLibraryIDs == nil {
			d.Signups[i].RequestedLibraryIDs = []string{}
		}
	}
}

// legacyServers is the pre-multi-server shape: a fixed object with one slot
// per server type.
type legacyServers struct {
	Jellyfin legacyServer `json:"jellyfin"`
	Emby     legacyServer `json:"emby"`
}

type legacyServer struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

// decodeDocument parses raw state JSON, migrating legacy shapes
// deterministically. The legacy single-object servers form becomes list
// entries with derived ids; empty legacy slots are dropped.
func decodeDocument(raw []byte) (*Document, error) {
	// The outer Servers field shadows the document's own so the legacy
	// object shape can be probed before list decoding.
	doc := DefaultDocument()
	shadow := struct {
		*Document
		Servers json.RawMessage `json:"servers"`
	}{Document: doc}
	if err := json.Unmarshal(raw, &shadow); err != nil {
		return nil, err
	}

	doc.Servers = nil
	if len(shadow.Servers) > 0 {
		var list []Server
		if err := json.Unmarshal(shadow.Servers, &list); err == nil {
			doc.Servers = list
		} else {
			var legacy legacyServers
			if err := json.Unmarshal(shadow.Servers, &legacy); err != nil {
				return nil, err
			}
			doc.Servers = migrateLegacyServers(legacy)
		}
	}

	doc.normalize()
	return doc, nil
}

// migrateLegacyServers converts the fixed two-slot object into list entries.
// Ids are derived, not random, so repeated reads of an old file agree.
func migrateLegacyServers(legacy legacyServers) []Server {
	servers := []Server{}
	add := func(serverType string, ls legacyServer) {
		if strings.TrimSpace(ls.BaseURL) == "" && strings.TrimSpace(ls.APIKey) == "" {
			return
		}
		servers = append(servers, Server{
			ID:        "srv_legacy_" + serverType,
			Type:      serverType,
			Name:      strings.ToUpper(serverType[:1]) + serverType[1:],
			BaseURL:   strings.TrimRight(ls.BaseURL, "/"),
			APIKey:    ls.APIKey,
			Enabled:   true,
			Libraries: []Library{},
		})
	}
	add(ServerTypeJellyfin, legacy.Jellyfin)
	add(ServerTypeEmby, legacy.Emby)
	return servers
}
