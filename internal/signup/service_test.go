// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package signup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openstream/openstream/internal/crypto"
	"github.com/openstream/openstream/internal/mediaserver"
	"github.com/openstream/openstream/internal/seerr"
	"github.com/openstream/openstream/internal/state"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeMailer struct {
	sent    []string // invite URLs
	sendErr error

	// onSend runs after a successful delivery, before control returns to
	// the service.
	onSend func()
}

func (m *fakeMailer) SendInvite(_ context.Context, _ state.SMTP, _ string, inviteURL string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, inviteURL)
	if m.onSend != nil {
		m.onSend()
	}
	return nil
}

func (m *fakeMailer) SendTest(_ context.Context, _ state.SMTP, _ string) error {
	return m.sendErr
}

type fakeMedia struct {
	userID   string
	err      error
	requests []mediaserver.ProvisionRequest
}

func (f *fakeMedia) Ping(context.Context) error { return f.err }

func (f *fakeMedia) Provision(_ context.Context, req mediaserver.ProvisionRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.userID, nil
}

func (f *fakeMedia) Libraries(context.Context) ([]mediaserver.Library, error) { return nil, f.err }

type fakeSeerr struct {
	err      error
	requests []seerr.ImportRequest
}

func (f *fakeSeerr) ImportUser(_ context.Context, req seerr.ImportRequest) error {
	f.requests = append(f.requests, req)
	return f.err
}

type fixture struct {
	store  *state.Store
	mail   *fakeMailer
	media  *fakeMedia
	seerr  *fakeSeerr
	svc    *Service
	server state.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store: state.NewStore(filepath.Join(t.TempDir(), "openstream.json")),
		mail:  &fakeMailer{},
		media: &fakeMedia{userID: "mu-1"},
		seerr: &fakeSeerr{},
	}
	f.server = state.Server{
		ID:      "srv-1",
		Type:    state.ServerTypeJellyfin,
		Name:    "Main Jellyfin",
		BaseURL: "http://jellyfin:8096",
		APIKey:  "jf-key",
		Enabled: true,
		Libraries: []state.Library{
			{ID: "lib-movies", Name: "Movies"},
			{ID: "lib-shows", Name: "Shows"},
			{ID: "lib-private", Name: "Private"},
		},
		OfferedLibraryIDs: []string{"lib-movies", "lib-shows"},
	}

	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.SMTP = state.SMTP{Host: "mail.example.com", Port: 587, From: "no-reply@example.com"}
		doc.Servers = []state.Server{f.server}
		doc.Seerr = state.Seerr{SetLocalPassword: true}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed state: %v", err)
	}

	f.svc = NewService(Config{
		Store:       f.store,
		Mailer:      f.mail,
		BaseURL:     "https://media.example.com",
		MediaClient: func(state.Server) mediaserver.API { return f.media },
		SeerrClient: func(string, string) Importer { return f.seerr },
	})
	return f
}

func (f *fixture) create(t *testing.T, req CreateRequest) CreateResult {
	t.Helper()
	if req.Username == "" {
		req.Username = "alice"
	}
	if req.Email == "" {
		req.Email = "alice@example.com"
	}
	res, err := f.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return res
}

// tokenFromURL extracts the plaintext token out of a captured invite URL.
func tokenFromURL(t *testing.T, inviteURL string) string {
	t.Helper()
	_, token, ok := strings.Cut(inviteURL, "token=")
	if !ok {
		t.Fatalf("no token in invite URL %q", inviteURL)
	}
	return token
}

func (f *fixture) signup(t *testing.T, id string) state.Signup {
	t.Helper()
	record := f.store.Read().FindSignupByID(id)
	if record == nil {
		t.Fatalf("signup %s not found", id)
	}
	return *record
}

func hasEvent(doc *state.Document, eventType string) bool {
	for _, ev := range doc.Events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// ============================================================================
// Create
// ============================================================================

func TestCreatePersistsPendingSignup(t *testing.T) {
	f := newFixture(t)

	res := f.create(t, CreateRequest{Actor: state.ActorAdmin})

	if res.Status != state.StatusInviteSent {
		t.Errorf("status = %s, want invite_sent", res.Status)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(f.mail.sent))
	}
	if !strings.HasPrefix(f.mail.sent[0], "https://media.example.com/set-password?token=") {
		t.Errorf("invite URL = %q", f.mail.sent[0])
	}

	record := f.signup(t, res.SignupID)
	token := tokenFromURL(t, f.mail.sent[0])
	if record.TokenHash != crypto.SHA256Hex(token) {
		t.Error("stored hash does not match the mailed token")
	}
	if record.TokenHash == token {
		t.Error("plaintext token was persisted")
	}
	if len(token) != 48 { // 24 random bytes hex-encoded
		t.Errorf("token length = %d, want 48", len(token))
	}
	wantExpiry := time.Now().Add(24 * time.Hour).UnixMilli()
	if diff := record.TokenExpiresAt - wantExpiry; diff < -5000 || diff > 5000 {
		t.Errorf("token expiry %d not ~24h out", record.TokenExpiresAt)
	}

	doc := f.store.Read()
	if !hasEvent(doc, EventSignupCreated) || !hasEvent(doc, EventInviteSent) {
		t.Error("audit events missing")
	}
}

func TestCreateStateBaseURLOverridesConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.PublicBaseURL = "https://override.example.com/"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	f.create(t, CreateRequest{})
	if !strings.HasPrefix(f.mail.sent[0], "https://override.example.com/set-password?") {
		t.Errorf("invite URL = %q, want state override base", f.mail.sent[0])
	}
}

func TestCreateFiltersRequestedLibraries(t *testing.T) {
	f := newFixture(t)

	res := f.create(t, CreateRequest{
		RequestedLibraryIDs: []string{"lib-shows", "lib-private", "lib-nonexistent"},
	})

	record := f.signup(t, res.SignupID)
	if len(record.RequestedLibraryIDs) != 1 || record.RequestedLibraryIDs[0] != "lib-shows" {
		t.Errorf("requested libraries = %v, want [lib-shows]", record.RequestedLibraryIDs)
	}
}

func TestCreateEmptyFilterFallsBackToOfferedSet(t *testing.T) {
	f := newFixture(t)

	res := f.create(t, CreateRequest{RequestedLibraryIDs: []string{"lib-private"}})

	record := f.signup(t, res.SignupID)
	want := []string{"lib-movies", "lib-shows"}
	if fmt.Sprint(record.RequestedLibraryIDs) != fmt.Sprint(want) {
		t.Errorf("requested libraries = %v, want %v", record.RequestedLibraryIDs, want)
	}
}

func TestCreateRequiresSMTP(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.SMTP = state.SMTP{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, cerr := f.svc.Create(context.Background(), CreateRequest{Username: "alice", Email: "a@example.com"})
	if !errors.Is(cerr, ErrSMTPNotConfigured) {
		t.Fatalf("err = %v, want ErrSMTPNotConfigured", cerr)
	}
	if len(f.store.Read().Signups) != 0 {
		t.Error("signup persisted despite missing SMTP config")
	}
}

func TestCreateRejectsDisabledServer(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.Servers[0].Enabled = false
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, cerr := f.svc.Create(context.Background(), CreateRequest{Username: "alice", Email: "a@example.com"})
	if !errors.Is(cerr, ErrServerNotAvailable) {
		t.Fatalf("err = %v, want ErrServerNotAvailable", cerr)
	}
}

func TestCreateEmailFailureKeepsSignup(t *testing.T) {
	f := newFixture(t)
	f.mail.sendErr = errors.New("relay refused: 550")

	res, err := f.svc.Create(context.Background(), CreateRequest{Username: "alice", Email: "a@example.com"})
	if !errors.Is(err, ErrEmailSendFailed) {
		t.Fatalf("err = %v, want ErrEmailSendFailed", err)
	}

	record := f.signup(t, res.SignupID)
	if record.Status != state.StatusEmailFailed {
		t.Errorf("status = %s, want email_failed", record.Status)
	}
	if !strings.Contains(record.Error, "relay refused") {
		t.Errorf("record error = %q", record.Error)
	}
	if !hasEvent(f.store.Read(), EventInviteEmailFailed) {
		t.Error("invite_email_failed audit event missing")
	}
}

func TestCreateSurfacesOutcomeRecordingFailure(t *testing.T) {
	f := newFixture(t)
	// Destroy the primary state file between the send and the outcome
	// update; the store falls back to a backup that predates the signup.
	f.mail.onSend = func() {
		if err := os.Remove(f.store.Path()); err != nil {
			t.Errorf("remove state file: %v", err)
		}
	}

	res, err := f.svc.Create(context.Background(), CreateRequest{Username: "alice", Email: "a@example.com"})
	if err == nil {
		t.Fatal("expected an error when the outcome cannot be recorded")
	}
	if !strings.Contains(err.Error(), "recording the outcome failed") {
		t.Errorf("err = %v, should name the recording failure", err)
	}
	if len(f.mail.sent) != 1 {
		t.Fatalf("sent %d invites, want 1", len(f.mail.sent))
	}
	if res.SignupID == "" {
		t.Error("result should still carry the signup id")
	}
	// The persisted record (if any survives) never advanced past
	// pending_email, and the result must not claim otherwise.
	if res.Status != state.StatusPendingEmail {
		t.Errorf("status = %q, want pending_email", res.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty username", CreateRequest{Email: "a@example.com"}},
		{"no at sign", CreateRequest{Username: "alice", Email: "nope"}},
		{"username too long", CreateRequest{Username: strings.Repeat("x", 65), Email: "a@example.com"}},
		{"bad server type", CreateRequest{Username: "alice", Email: "a@example.com", ServerType: "plex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// ============================================================================
// Redeem
// ============================================================================

func TestRedeemHappyPath(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, CreateRequest{RequestedLibraryIDs: []string{"lib-movies"}})
	token := tokenFromURL(t, f.mail.sent[0])

	rres, err := f.svc.Redeem(context.Background(), token, "chosen-password")
	if err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if rres.Username != "alice" || rres.ServerName != "Main Jellyfin" {
		t.Errorf("result = %+v", rres)
	}

	if len(f.media.requests) != 1 {
		t.Fatalf("got %d provision calls, want 1", len(f.media.requests))
	}
	preq := f.media.requests[0]
	if preq.Username != "alice" || preq.Password != "chosen-password" {
		t.Errorf("provision request = %+v", preq)
	}
	if fmt.Sprint(preq.LibraryIDs) != "[lib-movies]" {
		t.Errorf("library ids = %v", preq.LibraryIDs)
	}

	record := f.signup(t, res.SignupID)
	if record.Status != state.StatusProvisioned {
		t.Errorf("status = %s, want provisioned", record.Status)
	}
	if record.TokenUsedAt == nil || record.PasswordSetAt == nil || record.ProvisionedAt == nil {
		t.Error("completion timestamps not set")
	}
	if record.ProvisioningStartedAt != 0 {
		t.Error("provisioningStartedAt not reset")
	}
	if !hasEvent(f.store.Read(), EventProvisioned) {
		t.Error("provisioned audit event missing")
	}
}

func TestRedeemTokenSingleUse(t *testing.T) {
	f := newFixture(t)
	f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])

	if _, err := f.svc.Redeem(context.Background(), token, "chosen-password"); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	_, err := f.svc.Redeem(context.Background(), token, "chosen-password")
	if !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("second redeem err = %v, want ErrTokenUsed", err)
	}
	if len(f.media.requests) != 1 {
		t.Errorf("provisioned %d times, want 1", len(f.media.requests))
	}
}

func TestRedeemExpiredToken(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])

	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.FindSignupByID(res.SignupID).TokenExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, rerr := f.svc.Redeem(context.Background(), token, "chosen-password")
	if !errors.Is(rerr, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", rerr)
	}
	if len(f.media.requests) != 0 {
		t.Error("provisioned with expired token")
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Redeem(context.Background(), "deadbeef", "chosen-password")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestRedeemShortPassword(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Redeem(context.Background(), "whatever", "short")
	if !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("err = %v, want ErrPasswordTooShort", err)
	}
}

func TestRedeemInProgressGuard(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])

	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		record := doc.FindSignupByID(res.SignupID)
		record.Status = state.StatusProvisioning
		record.ProvisioningStartedAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, rerr := f.svc.Redeem(context.Background(), token, "chosen-password")
	if !errors.Is(rerr, ErrProvisioningInProgress) {
		t.Fatalf("err = %v, want ErrProvisioningInProgress", rerr)
	}
}

func TestRedeemStaleInProgressRecovers(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])

	// A crash mid-provisioning leaves the record in-flight; the guard
	// expires after two minutes and the token works again.
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		record := doc.FindSignupByID(res.SignupID)
		record.Status = state.StatusProvisioning
		record.ProvisioningStartedAt = time.Now().Add(-3 * time.Minute).UnixMilli()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, rerr := f.svc.Redeem(context.Background(), token, "chosen-password"); rerr != nil {
		t.Fatalf("Redeem after stale guard failed: %v", rerr)
	}
}

func TestRedeemProvisionFailureClearsTokenUsedAt(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])

	f.media.err = errors.New("media server exploded")
	if _, err := f.svc.Redeem(context.Background(), token, "chosen-password"); err == nil {
		t.Fatal("expected provisioning error")
	}

	record := f.signup(t, res.SignupID)
	if record.Status != state.StatusProvisionFailed {
		t.Errorf("status = %s, want provision_failed", record.Status)
	}
	if record.TokenUsedAt != nil {
		t.Error("tokenUsedAt set on failure; token would be burned")
	}
	if record.ProvisioningStartedAt != 0 {
		t.Error("provisioningStartedAt not reset")
	}
	if !strings.Contains(record.Error, "media server exploded") {
		t.Errorf("record error = %q", record.Error)
	}

	// The link is redeemable again once the server recovers.
	f.media.err = nil
	if _, err := f.svc.Redeem(context.Background(), token, "chosen-password"); err != nil {
		t.Fatalf("retry after failure did not work: %v", err)
	}
}

// ============================================================================
// Seerr import
// ============================================================================

func TestRedeemRunsSeerrImport(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.Seerr = state.Seerr{URL: "http://seerr:5055", APIKey: "sk", SetLocalPassword: true}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])
	if _, err := f.svc.Redeem(context.Background(), token, "chosen-password"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}

	if len(f.seerr.requests) != 1 {
		t.Fatalf("got %d seerr imports, want 1", len(f.seerr.requests))
	}
	sreq := f.seerr.requests[0]
	if sreq.ExternalUserID != "mu-1" || sreq.Username != "alice" || sreq.Password != "chosen-password" {
		t.Errorf("seerr request = %+v", sreq)
	}

	record := f.signup(t, res.SignupID)
	if record.SeerrImport == nil || !record.SeerrImport.Attempted || !record.SeerrImport.OK {
		t.Errorf("seerrImport = %+v", record.SeerrImport)
	}
	if !hasEvent(f.store.Read(), EventSeerrImportOK) {
		t.Error("seerr success audit event missing")
	}
}

func TestRedeemSeerrPasswordWithheldWhenDisabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.Seerr = state.Seerr{URL: "http://seerr:5055", APIKey: "sk", SetLocalPassword: false}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])
	if _, err := f.svc.Redeem(context.Background(), token, "chosen-password"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}
	if f.seerr.requests[0].Password != "" {
		t.Error("password forwarded to seerr despite setLocalPassword=false")
	}
}

func TestRedeemSeerrFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.Seerr = state.Seerr{URL: "http://seerr:5055", APIKey: "sk", SetLocalPassword: true}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	f.seerr.err = errors.New("seerr is down")

	res := f.create(t, CreateRequest{})
	token := tokenFromURL(t, f.mail.sent[0])

	rres, rerr := f.svc.Redeem(context.Background(), token, "chosen-password")
	if rerr != nil {
		t.Fatalf("Redeem failed despite seerr being best-effort: %v", rerr)
	}
	if !strings.Contains(rres.SeerrNote, "seerr is down") {
		t.Errorf("SeerrNote = %q", rres.SeerrNote)
	}

	record := f.signup(t, res.SignupID)
	if record.Status != state.StatusProvisioned {
		t.Errorf("status = %s, want provisioned", record.Status)
	}
	if record.SeerrImport == nil || record.SeerrImport.OK || !record.SeerrImport.Attempted {
		t.Errorf("seerrImport = %+v", record.SeerrImport)
	}
	if !hasEvent(f.store.Read(), EventSeerrImportFailed) {
		t.Error("seerr failure audit event missing")
	}
}

func TestRedeemSeerrSkippedForEmby(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.LockedUpdate(func(doc *state.Document) error {
		doc.Servers[0].Type = state.ServerTypeEmby
		doc.Seerr = state.Seerr{URL: "http://seerr:5055", APIKey: "sk", SetLocalPassword: true}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := f.create(t, CreateRequest{ServerType: state.ServerTypeEmby})
	token := tokenFromURL(t, f.mail.sent[0])
	if _, err := f.svc.Redeem(context.Background(), token, "chosen-password"); err != nil {
		t.Fatalf("Redeem failed: %v", err)
	}

	if len(f.seerr.requests) != 0 {
		t.Error("seerr import attempted for emby server")
	}
	record := f.signup(t, res.SignupID)
	if record.SeerrImport == nil || record.SeerrImport.Attempted || record.SeerrImport.SkippedReason == "" {
		t.Errorf("seerrImport = %+v", record.SeerrImport)
	}
}
