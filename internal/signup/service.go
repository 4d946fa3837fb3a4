// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

// Package signup owns the invite lifecycle: creating signups, delivering
// invite emails, and redeeming invite tokens into provisioned media server
// accounts.
package signup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openstream/openstream/internal/crypto"
	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/mailer"
	"github.com/openstream/openstream/internal/mediaserver"
	"github.com/openstream/openstream/internal/metrics"
	"github.com/openstream/openstream/internal/seerr"
	"github.com/openstream/openstream/internal/state"
	"github.com/openstream/openstream/internal/validation"
)

// Token lifetime and the in-progress redemption guard window.
const (
	tokenTTL        = 24 * time.Hour
	inProgressGuard = 2 * time.Minute

	// tokenBytes of randomness, hex-encoded into the invite link.
	tokenBytes = 24

	// maxErrorLen caps upstream error text stored on a signup record.
	maxErrorLen = 500
)

// Audit event types emitted by this package.
const (
	EventSignupCreated      = "signup_created"
	EventInviteSent         = "invite_sent"
	EventInviteEmailFailed  = "invite_email_failed"
	EventProvisioningStart  = "provisioning_started"
	EventProvisioned        = "provisioned"
	EventProvisioningFailed = "provisioning_failed"
	EventSeerrImportOK      = "seerr_import_succeeded"
	EventSeerrImportFailed  = "seerr_import_failed"
)

// Errors callers map to HTTP responses.
var (
	ErrSMTPNotConfigured      = errors.New("email delivery is not configured")
	ErrServerNotAvailable     = errors.New("no media server is available for signup")
	ErrPasswordTooShort       = errors.New("password must be at least 8 characters")
	ErrInvalidToken           = errors.New("invite link is invalid")
	ErrTokenUsed              = errors.New("invite link has already been used")
	ErrTokenExpired           = errors.New("invite link has expired")
	ErrProvisioningInProgress = errors.New("account setup is already in progress")
	ErrEmailSendFailed        = errors.New("invite email could not be sent")
)

// Importer mirrors a provisioned account into the requests app.
type Importer interface {
	ImportUser(ctx context.Context, req seerr.ImportRequest) error
}

// Config wires the service's collaborators. MediaClient and SeerrClient
// default to the real HTTP clients; tests substitute fakes.
type Config struct {
	Store  *state.Store
	Mailer mailer.Sender

	// BaseURL is the configured public base URL fallback; may be empty.
	BaseURL string

	MediaClient func(srv state.Server) mediaserver.API
	SeerrClient func(baseURL, apiKey string) Importer
}

// Service orchestrates the signup lifecycle against the state store.
type Service struct {
	store   *state.Store
	mail    mailer.Sender
	baseURL string
	media   func(srv state.Server) mediaserver.API
	seerr   func(baseURL, apiKey string) Importer
	log     zerolog.Logger
}

// NewService creates the signup service.
func NewService(cfg Config) *Service {
	media := cfg.MediaClient
	if media == nil {
		media = func(srv state.Server) mediaserver.API {
			return mediaserver.NewClient(srv.BaseURL, srv.APIKey)
		}
	}
	seerrFactory := cfg.SeerrClient
	if seerrFactory == nil {
		seerrFactory = func(baseURL, apiKey string) Importer {
			return seerr.NewClient(baseURL, apiKey)
		}
	}
	return &Service{
		store:   cfg.Store,
		mail:    cfg.Mailer,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		media:   media,
		seerr:   seerrFactory,
		log:     logging.With().Str("component", "signup").Logger(),
	}
}

// CreateRequest describes a new invite.
type CreateRequest struct {
	Username string `validate:"required,min=1,max=64"`
	Email    string `validate:"required,email,max=256"`

	// ServerID pins a specific server; when empty the first enabled server
	// of ServerType is used.
	ServerID   string
	ServerType string `validate:"omitempty,oneof=jellyfin emby"`

	RequestedLibraryIDs []string

	// Origin is the scheme://host of the incoming request, the last-resort
	// base for the invite link.
	Origin string

	// Actor is recorded on audit events ("admin" or "guest").
	Actor string
}

// CreateResult reports the created signup and where the invite went.
type CreateResult struct {
	SignupID  string
	Status    string
	Email     string
	InviteURL string
}

// Create validates the request, persists a pending signup with a hashed
// single-use token, and emails the invite link. The email is sent outside
// the state lock; a delivery failure is recorded on the signup (status
// email_failed) and returned as an error wrapping ErrEmailSendFailed, but
// the signup itself survives for retry or inspection.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.ServerType == "" {
		req.ServerType = state.ServerTypeJellyfin
	}
	if verr := validation.Struct(&req); verr != nil {
		return CreateResult{}, verr
	}

	token := crypto.RandomToken(tokenBytes)
	tokenHash := crypto.SHA256Hex(token)

	var (
		signupID  = ""
		inviteURL = ""
		smtpCfg   state.SMTP
		toEmail   = req.Email
	)

	_, err := s.store.LockedUpdate(func(doc *state.Document) error {
		if !doc.SMTP.Configured() {
			return ErrSMTPNotConfigured
		}

		server, serr := resolveServer(doc, req.ServerID, req.ServerType)
		if serr != nil {
			return serr
		}

		libraryIDs := filterLibraries(req.RequestedLibraryIDs, server.OfferedIDs())

		now := time.Now()
		record := state.Signup{
			ID:                  newSignupID(),
			CreatedAt:           now.UnixMilli(),
			ServerID:            server.ID,
			ServerType:          server.Type,
			ServerName:          server.Name,
			Username:            req.Username,
			Email:               req.Email,
			RequestedLibraryIDs: libraryIDs,
			Status:              state.StatusPendingEmail,
			TokenHash:           tokenHash,
			TokenExpiresAt:      now.Add(tokenTTL).UnixMilli(),
		}
		doc.Signups = append(doc.Signups, record)

		state.AddAuditEvent(doc, state.Event{
			Type:    EventSignupCreated,
			Actor:   req.Actor,
			Message: fmt.Sprintf("Signup created for %s on %s", req.Username, server.Name),
			Meta: map[string]string{
				"signupId": record.ID,
				"serverId": server.ID,
				"username": req.Username,
			},
		})

		signupID = record.ID
		inviteURL = inviteLink(doc.StatePublicBaseURL(), s.baseURL, req.Origin, token)
		smtpCfg = doc.SMTP
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	metrics.SignupsCreated.Inc()

	sendErr := s.mail.SendInvite(ctx, smtpCfg, toEmail, inviteURL)
	metrics.RecordInviteEmail(sendErr)

	status := state.StatusInviteSent
	if sendErr != nil {
		status = state.StatusEmailFailed
		s.log.Error().Str("signup_id", signupID).Err(sendErr).Msg("Invite email delivery failed")
	}

	_, uerr := s.store.LockedUpdate(func(doc *state.Document) error {
		record := doc.FindSignupByID(signupID)
		if record == nil {
			return fmt.Errorf("signup %s disappeared", signupID)
		}
		record.Status = status
		if sendErr != nil {
			record.Error = capText(sendErr.Error())
			state.AddAuditEvent(doc, state.Event{
				Type:    EventInviteEmailFailed,
				Actor:   state.ActorSystem,
				Message: fmt.Sprintf("Invite email to %s failed: %s", toEmail, capText(sendErr.Error())),
				Meta:    map[string]string{"signupId": signupID},
			})
		} else {
			state.AddAuditEvent(doc, state.Event{
				Type:    EventInviteSent,
				Actor:   state.ActorSystem,
				Message: fmt.Sprintf("Invite email sent to %s", toEmail),
				Meta:    map[string]string{"signupId": signupID},
			})
		}
		return nil
	})
	result := CreateResult{SignupID: signupID, Status: status, Email: toEmail, InviteURL: inviteURL}
	if uerr != nil {
		// The persisted record still says pending_email; report that state,
		// not the one we failed to write.
		s.log.Error().Str("signup_id", signupID).Err(uerr).Msg("Failed to record invite email outcome")
		result.Status = state.StatusPendingEmail
	}
	if sendErr != nil {
		return result, fmt.Errorf("%w: %s", ErrEmailSendFailed, capText(sendErr.Error()))
	}
	if uerr != nil {
		return result, fmt.Errorf("invite email sent but recording the outcome failed: %w", uerr)
	}
	return result, nil
}

// RedeemResult reports the provisioned account.
type RedeemResult struct {
	SignupID   string
	Username   string
	ServerName string
	ServerType string

	// SeerrNote carries a non-fatal requests-app problem, e.g. the import
	// failing while the media account itself was provisioned.
	SeerrNote string
}

// Redeem exchanges an invite token and chosen password for a provisioned
// media server account.
//
// The token is marked in-flight (status provisioning) in one locked update;
// the slow media server calls happen outside the lock; a final locked update
// records the outcome. A concurrent redemption of the same token hits the
// in-progress guard and gets ErrProvisioningInProgress. Provisioning failure
// clears tokenUsedAt so the invite link stays redeemable.
func (s *Service) Redeem(ctx context.Context, token, password string) (RedeemResult, error) {
	if len(password) < 8 {
		return RedeemResult{}, ErrPasswordTooShort
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return RedeemResult{}, ErrInvalidToken
	}
	tokenHash := crypto.SHA256Hex(token)

	var (
		signup state.Signup
		server state.Server
		seerrs state.Seerr
	)

	_, err := s.store.LockedUpdate(func(doc *state.Document) error {
		record := doc.FindSignupByTokenHash(tokenHash)
		if record == nil {
			return ErrInvalidToken
		}
		now := time.Now()
		if record.TokenUsedAt != nil {
			return ErrTokenUsed
		}
		if record.TokenExpiresAt > 0 && now.UnixMilli() > record.TokenExpiresAt {
			return ErrTokenExpired
		}
		if record.Status == state.StatusProvisioning && record.ProvisioningStartedAt > 0 &&
			now.UnixMilli()-record.ProvisioningStartedAt < inProgressGuard.Milliseconds() {
			return ErrProvisioningInProgress
		}

		srv := doc.FindServer(record.ServerID)
		if srv == nil || !srv.Enabled || !srv.Configured() {
			return ErrServerNotAvailable
		}

		record.Status = state.StatusProvisioning
		record.ProvisioningStartedAt = now.UnixMilli()
		record.Error = ""
		state.AddAuditEvent(doc, state.Event{
			Type:    EventProvisioningStart,
			Actor:   state.ActorInvite,
			Message: fmt.Sprintf("Provisioning %s on %s", record.Username, srv.Name),
			Meta:    map[string]string{"signupId": record.ID, "serverId": srv.ID},
		})

		signup = *record
		server = *srv
		seerrs = doc.Seerr
		return nil
	})
	if err != nil {
		return RedeemResult{}, err
	}

	started := time.Now()
	userID, provErr := s.media(server).Provision(ctx, mediaserver.ProvisionRequest{
		ServerType: server.Type,
		Username:   signup.Username,
		Password:   password,
		LibraryIDs: signup.RequestedLibraryIDs,
	})
	metrics.RecordProvisioning(server.Type, time.Since(started), provErr)

	if provErr != nil {
		s.recordProvisionFailure(signup.ID, provErr)
		return RedeemResult{}, fmt.Errorf("provisioning failed: %w", provErr)
	}

	importOutcome := s.runSeerrImport(ctx, seerrs, server, signup, userID, password)

	result := RedeemResult{
		SignupID:   signup.ID,
		Username:   signup.Username,
		ServerName: server.Name,
		ServerType: server.Type,
	}
	if importOutcome != nil && importOutcome.Attempted && !importOutcome.OK {
		result.SeerrNote = importOutcome.Error
	}

	now := time.Now().UnixMilli()
	_, uerr := s.store.LockedUpdate(func(doc *state.Document) error {
		record := doc.FindSignupByID(signup.ID)
		if record == nil {
			return fmt.Errorf("signup %s disappeared", signup.ID)
		}
		record.Status = state.StatusProvisioned
		record.TokenUsedAt = &now
		record.PasswordSetAt = &now
		record.ProvisionedAt = &now
		record.ProvisioningStartedAt = 0
		record.SeerrImport = importOutcome
		if result.SeerrNote != "" {
			record.Error = capText("requests app import failed: " + result.SeerrNote)
		}

		state.AddAuditEvent(doc, state.Event{
			Type:    EventProvisioned,
			Actor:   state.ActorInvite,
			Message: fmt.Sprintf("Provisioned %s on %s", record.Username, record.ServerName),
			Meta:    map[string]string{"signupId": record.ID, "serverId": record.ServerID},
		})
		if importOutcome != nil && importOutcome.Attempted {
			if importOutcome.OK {
				state.AddAuditEvent(doc, state.Event{
					Type:    EventSeerrImportOK,
					Actor:   state.ActorSystem,
					Message: fmt.Sprintf("Requests app import succeeded for %s", record.Username),
					Meta:    map[string]string{"signupId": record.ID},
				})
			} else {
				state.AddAuditEvent(doc, state.Event{
					Type:    EventSeerrImportFailed,
					Actor:   state.ActorSystem,
					Message: fmt.Sprintf("Requests app import failed for %s: %s", record.Username, capText(importOutcome.Error)),
					Meta:    map[string]string{"signupId": record.ID},
				})
			}
		}
		return nil
	})
	if uerr != nil {
		s.log.Error().Str("signup_id", signup.ID).Err(uerr).Msg("Failed to record provisioning success")
	}

	return result, nil
}

// recordProvisionFailure moves the signup to provision_failed and makes the
// token redeemable again.
func (s *Service) recordProvisionFailure(signupID string, provErr error) {
	_, uerr := s.store.LockedUpdate(func(doc *state.Document) error {
		record := doc.FindSignupByID(signupID)
		if record == nil {
			return fmt.Errorf("signup %s disappeared", signupID)
		}
		record.Status = state.StatusProvisionFailed
		record.Error = capText(provErr.Error())
		record.ProvisioningStartedAt = 0
		record.TokenUsedAt = nil

		state.AddAuditEvent(doc, state.Event{
			Type:    EventProvisioningFailed,
			Actor:   state.ActorSystem,
			Message: fmt.Sprintf("Provisioning failed for %s: %s", record.Username, capText(provErr.Error())),
			Meta:    map[string]string{"signupId": record.ID, "serverId": record.ServerID},
		})
		return nil
	})
	if uerr != nil {
		s.log.Error().Str("signup_id", signupID).Err(uerr).Msg("Failed to record provisioning failure")
	}
}

// runSeerrImport mirrors the new account into the requests app. Best effort:
// the outcome is recorded on the signup but never fails the redemption. The
// import only applies to jellyfin servers; other types record a skip.
func (s *Service) runSeerrImport(ctx context.Context, cfg state.Seerr, server state.Server, signup state.Signup, userID, password string) *state.SeerrImport {
	if !cfg.Configured() {
		return nil
	}

	outcome := &state.SeerrImport{At: time.Now().UnixMilli()}
	if server.Type != state.ServerTypeJellyfin {
		outcome.SkippedReason = fmt.Sprintf("requests app import is only supported for jellyfin servers, not %s", server.Type)
		metrics.RecordSeerrImport("skipped")
		return outcome
	}

	outcome.Attempted = true
	importPassword := ""
	if cfg.SetLocalPassword {
		importPassword = password
	}

	err := s.seerr(cfg.URL, cfg.APIKey).ImportUser(ctx, seerr.ImportRequest{
		ExternalUserID: userID,
		Email:          signup.Email,
		Username:       signup.Username,
		Password:       importPassword,
	})
	if err != nil {
		outcome.Error = capText(err.Error())
		metrics.RecordSeerrImport("failed")
		s.log.Warn().Str("signup_id", signup.ID).Err(err).Msg("Requests app import failed")
		return outcome
	}

	outcome.OK = true
	metrics.RecordSeerrImport("ok")
	return outcome
}

// resolveServer finds the target server: by id when given, else the first
// enabled server of the requested type. The server must be enabled and have
// connection credentials.
func resolveServer(doc *state.Document, serverID, serverType string) (*state.Server, error) {
	var srv *state.Server
	if serverID != "" {
		srv = doc.FindServer(serverID)
	} else {
		srv = doc.FirstEnabledServer(serverType)
	}
	if srv == nil || !srv.Enabled || !srv.Configured() {
		return nil, ErrServerNotAvailable
	}
	return srv, nil
}

// filterLibraries intersects the requested ids with the offered set,
// preserving request order. An empty intersection (or no request) grants the
// full offered set, so a stale or tampered request can never select
// libraries the admin does not offer.
func filterLibraries(requested, offered []string) []string {
	offeredSet := make(map[string]struct{}, len(offered))
	for _, id := range offered {
		offeredSet[id] = struct{}{}
	}

	filtered := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := offeredSet[id]; ok {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return append([]string{}, offered...)
	}
	return filtered
}

// inviteLink builds the set-password URL from the first configured base:
// state override, then config, then the request origin.
func inviteLink(stateBase, configBase, origin, token string) string {
	base := stateBase
	if base == "" {
		base = configBase
	}
	if base == "" {
		base = strings.TrimRight(strings.TrimSpace(origin), "/")
	}
	return base + "/set-password?token=" + token
}

// newSignupID returns a random, URL-safe signup id.
func newSignupID() string {
	return "su_" + crypto.RandomToken(8)
}

func capText(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
