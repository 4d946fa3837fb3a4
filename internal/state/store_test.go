// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package state

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "openstream.json"))
}

// ============================================================================
// Read Defaulting
// ============================================================================

func TestReadMissingFileReturnsDefault(t *testing.T) {
	store := newTestStore(t)

	doc := store.Read()
	if doc == nil {
		t.Fatal("Read should never return nil")
	}
	if doc.Setup.Complete {
		t.Error("default document should have setup.complete=false")
	}
	if doc.Servers == nil || doc.Events == nil || doc.Signups == nil {
		t.Error("default document collections should be empty, not nil")
	}
	if len(doc.Servers)+len(doc.Events)+len(doc.Signups) != 0 {
		t.Error("default document collections should be empty")
	}
	if !doc.Seerr.SetLocalPassword {
		t.Error("seerr.setLocalPassword should default to true")
	}
	if doc.SMTP.Port != 587 {
		t.Errorf("smtp.port should default to 587, got %d", doc.SMTP.Port)
	}
}

func TestReadCorruptFileReturnsDefault(t *testing.T) {
	store := newTestStore(t)
	mustWriteFile(t, store.Path(), "{not json at all")

	doc := store.Read()
	if doc == nil || doc.Setup.Complete {
		t.Fatal("corrupt file should yield the default document")
	}
}

func TestReadFallsBackToBackup(t *testing.T) {
	store := newTestStore(t)

	good := DefaultDocument()
	good.PublicBaseURL = "https://invite.example.com"
	if err := store.Write(good); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Second write moves the first document into .bak1.
	good.About.Text = "welcome"
	if err := store.Write(good); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Corrupt the primary; the .bak1 copy should win.
	mustWriteFile(t, store.Path(), "garbage")

	doc := store.Read()
	if doc.PublicBaseURL != "https://invite.example.com" {
		t.Errorf("expected recovery from backup, got publicBaseUrl=%q", doc.PublicBaseURL)
	}
}

// ============================================================================
// Write / Round-Trip
// ============================================================================

func TestWriteReadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	used := int64(1700000000000)
	doc := DefaultDocument()
	doc.Setup = Setup{Complete: true, AdminPasswordHash: "pbkdf2$sha256$150000$a$b", GuestPasswordHash: "pbkdf2$sha256$150000$c$d"}
	doc.PublicBaseURL = "https://media.example.com"
	doc.SMTP = SMTP{Host: "smtp.example.com", Port: 465, Secure: true, User: "mailer", Pass: "secret", From: "OpenStream <no-reply@example.com>"}
	doc.Servers = []Server{{
		ID: "srv_abc123", Type: ServerTypeJellyfin, Name: "Main", BaseURL: "http://jf:8096",
		APIKey: "key", Enabled: true,
		Libraries:         []Library{{ID: "L1", Name: "Movies"}, {ID: "L2", Name: "Shows"}},
		OfferedLibraryIDs: []string{"L1"},
	}}
	doc.Seerr = Seerr{URL: "http://seerr:5055", APIKey: "sk", SetLocalPassword: true}
	doc.About = About{Text: "house rules"}
	doc.Signups = []Signup{{
		ID: "s1", CreatedAt: 1, ServerID: "srv_abc123", ServerType: ServerTypeJellyfin,
		ServerName: "Main", Username: "alice", Email: "alice@example.com",
		RequestedLibraryIDs: []string{"L1"}, Status: StatusProvisioned,
		TokenHash: "deadbeef", TokenExpiresAt: 2, TokenUsedAt: &used,
		PasswordSetAt: &used, ProvisionedAt: &used,
	}}

	if err := store.Write(doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := store.Read()
	if !reflect.DeepEqual(got, doc) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, doc)
	}
}

func TestReadHandWrittenModernFile(t *testing.T) {
	// A file not produced by Write must decode field for field, including
	// the list-shaped servers key.
	store := newTestStore(t)
	mustWriteFile(t, store.Path(), `{
		"setup": {"complete": true, "adminPasswordHash": "ah", "guestPasswordHash": "gh"},
		"publicBaseUrl": "https://media.example.com",
		"smtp": {"host": "smtp.example.com", "port": 465, "secure": true, "from": "no-reply@example.com"},
		"servers": [
			{"id": "srv_1", "type": "jellyfin", "name": "Main", "baseUrl": "http://jf:8096",
			 "apiKey": "key", "enabled": true,
			 "libraries": [{"id": "L1", "name": "Movies"}], "offeredLibraryIds": ["L1"]}
		],
		"about": {"text": "house rules"}
	}`)

	doc := store.Read()
	if !doc.Setup.Complete || doc.Setup.AdminPasswordHash != "ah" {
		t.Errorf("setup not decoded: %+v", doc.Setup)
	}
	if doc.PublicBaseURL != "https://media.example.com" {
		t.Errorf("publicBaseUrl = %q", doc.PublicBaseURL)
	}
	if doc.SMTP.Host != "smtp.example.com" || doc.SMTP.Port != 465 || !doc.SMTP.Secure {
		t.Errorf("smtp not decoded: %+v", doc.SMTP)
	}
	if len(doc.Servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(doc.Servers))
	}
	srv := doc.Servers[0]
	if srv.ID != "srv_1" || srv.APIKey != "key" || len(srv.Libraries) != 1 {
		t.Errorf("server not decoded: %+v", srv)
	}
	if doc.About.Text != "house rules" {
		t.Errorf("about = %q", doc.About.Text)
	}
}

func TestWriteRotatesBackups(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < backupCount+2; i++ {
		doc := DefaultDocument()
		doc.About.Text = strconv.Itoa(i)
		if err := store.Write(doc); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	// Newest backup holds the previous generation.
	for i := 1; i <= backupCount; i++ {
		raw, err := os.ReadFile(store.backupPath(i))
		if err != nil {
			t.Fatalf("backup %d missing: %v", i, err)
		}
		d, err := decodeDocument(raw)
		if err != nil {
			t.Fatalf("backup %d corrupt: %v", i, err)
		}
		want := strconv.Itoa(backupCount + 1 - i)
		if d.About.Text != want {
			t.Errorf("backup %d holds generation %q, want %q", i, d.About.Text, want)
		}
	}

	// No sixth backup.
	if _, err := os.Stat(store.backupPath(backupCount + 1)); err == nil {
		t.Error("backup rotation should drop the oldest slot")
	}
}

func TestWriteFailurePreservesPrimary(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "nested", "openstream.json"))

	doc := DefaultDocument()
	doc.About.Text = "committed"
	if err := store.Write(doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Make the state directory unwritable so the temp-file create fails.
	if err := os.Chmod(filepath.Dir(store.Path()), 0o555); err != nil {
		t.Skipf("chmod not supported: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Dir(store.Path()), 0o755) })

	doc.About.Text = "never lands"
	if err := store.Write(doc); err == nil {
		t.Skip("running as privileged user, chmod has no effect")
	}

	if got := store.Read().About.Text; got != "committed" {
		t.Errorf("failed write must not corrupt the primary file, got about=%q", got)
	}
}

// ============================================================================
// LockedUpdate
// ============================================================================

func TestLockedUpdateNoLostUpdates(t *testing.T) {
	store := newTestStore(t)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.LockedUpdate(func(doc *Document) error {
				doc.Signups = append(doc.Signups, Signup{ID: strconv.Itoa(len(doc.Signups))})
				return nil
			})
			if err != nil {
				t.Errorf("LockedUpdate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(store.Read().Signups); got != n {
		t.Errorf("expected %d signups after %d concurrent updates, got %d", n, n, got)
	}
}

func TestLockedUpdateErrorAbortsWrite(t *testing.T) {
	store := newTestStore(t)

	doc := DefaultDocument()
	doc.About.Text = "before"
	if err := store.Write(doc); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, err := store.LockedUpdate(func(d *Document) error {
		d.About.Text = "after"
		return fmt.Errorf("validation said no")
	})
	if err == nil {
		t.Fatal("expected the mutator error to propagate")
	}

	if got := store.Read().About.Text; got != "before" {
		t.Errorf("aborted update must not persist, got about=%q", got)
	}
}

// ============================================================================
// Legacy Migration
// ============================================================================

func TestReadMigratesLegacyServersObject(t *testing.T) {
	store := newTestStore(t)
	mustWriteFile(t, store.Path(), `{
		"setup": {"complete": true, "adminPasswordHash": "x", "guestPasswordHash": "y"},
		"servers": {
			"jellyfin": {"baseUrl": "http://jf:8096/", "apiKey": "jfkey"},
			"emby": {"baseUrl": "", "apiKey": ""}
		}
	}`)

	doc := store.Read()
	if len(doc.Servers) != 1 {
		t.Fatalf("expected 1 migrated server (empty emby slot dropped), got %d", len(doc.Servers))
	}
	srv := doc.Servers[0]
	if srv.ID != "srv_legacy_jellyfin" {
		t.Errorf("migrated id should be deterministic, got %q", srv.ID)
	}
	if srv.Type != ServerTypeJellyfin || srv.BaseURL != "http://jf:8096" || srv.APIKey != "jfkey" {
		t.Errorf("migrated server fields wrong: %+v", srv)
	}
	if !srv.Enabled {
		t.Error("migrated server should be enabled")
	}

	// Migration is deterministic across reads.
	again := store.Read()
	if !reflect.DeepEqual(doc.Servers, again.Servers) {
		t.Error("repeated reads of a legacy file should agree")
	}
}

func TestReadMigratesBothLegacySlots(t *testing.T) {
	store := newTestStore(t)
	mustWriteFile(t, store.Path(), `{"servers": {
		"jellyfin": {"baseUrl": "http://jf:8096", "apiKey": "a"},
		"emby": {"baseUrl": "http://emby:8097", "apiKey": "b"}
	}}`)

	doc := store.Read()
	if len(doc.Servers) != 2 {
		t.Fatalf("expected 2 migrated servers, got %d", len(doc.Servers))
	}
	if doc.Servers[0].Type != ServerTypeJellyfin || doc.Servers[1].Type != ServerTypeEmby {
		t.Errorf("migration order should be jellyfin then emby: %+v", doc.Servers)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}
