// OpenStream - Invite and Provisioning for Private Media Servers
// Copyright 2026 OpenStream Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/openstream/openstream

package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openstream/openstream/internal/logging"
	"github.com/openstream/openstream/internal/metrics"
)

// backupCount is the number of rotating backups kept beside the primary
// file (.bak1 is the newest, .bak5 the oldest).
const backupCount = 5

// Store reads and writes the state document at a fixed path.
//
// All mutation must go through LockedUpdate, which serializes
// read-modify-write sequences within this process. The lock is process-local:
// running multiple replicas against one state file is not supported.
type Store struct {
	path string
	log  zerolog.Logger

	// mu serializes LockedUpdate callers. Waiters are admitted in lock
	// acquisition order; serialization, not strict FIFO fairness, is the
	// contract.
	mu sync.Mutex
}

// NewStore creates a store for the given state file path.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		log:  logging.With().Str("component", "state").Logger(),
	}
}

// Path returns the primary state file path.
func (s *Store) Path() string {
	return s.path
}

// Dir returns the directory holding the state file, backups, and the
// session-secret file.
func (s *Store) Dir() string {
	return filepath.Dir(s.path)
}

// backupPath returns the path of the n-th rotating backup (1-based).
func (s *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.bak%d", s.path, n)
}

// Read loads the current document. On a missing, unreadable, or corrupt
// primary file it falls through the rotating backups in order, and finally
// returns a structurally complete default document. Read never fails.
func (s *Store) Read() *Document {
	candidates := make([]string, 0, backupCount+1)
	candidates = append(candidates, s.path)
	for i := 1; i <= backupCount; i++ {
		candidates = append(candidates, s.backupPath(i))
	}

	for i, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			s.log.Warn().Str("path", path).Err(err).Msg("State file is corrupt, trying next candidate")
			continue
		}
		if i > 0 {
			s.log.Warn().Str("path", path).Msg("Recovered state from backup")
		}
		return doc
	}

	return DefaultDocument()
}

// Write persists the document: serialize to pretty JSON, write to a temp
// file in the same directory, fsync, rotate backups down one slot, and
// rename the temp file into place. Rename is the only operation that changes
// the visible file identity, so an interrupted write never corrupts the
// previous primary file.
func (s *Store) Write(doc *Document) (err error) {
	defer func() { metrics.RecordStateWrite(err) }()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	s.rotateBackups()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// rotateBackups shifts .bak4 -> .bak5 ... .bak1 -> .bak2, dropping the
// oldest, then moves the current primary to .bak1. Best effort: a failed
// rotation must not block the write itself.
func (s *Store) rotateBackups() {
	for i := backupCount - 1; i >= 1; i-- {
		from := s.backupPath(i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, s.backupPath(i+1)); err != nil {
			s.log.Warn().Str("path", from).Err(err).Msg("Backup rotation failed")
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.backupPath(1)); err != nil {
			s.log.Warn().Str("path", s.path).Err(err).Msg("Failed to move primary to backup slot")
		}
	}
}

// LockedUpdate runs fn against a fresh read of the state and persists the
// result, serialized against every other LockedUpdate in this process so
// read-modify-write sequences never interleave. fn returning an error aborts
// the update without writing. The (written) document is returned.
func (s *Store) LockedUpdate(fn func(doc *Document) error) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.Read()
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.Write(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
