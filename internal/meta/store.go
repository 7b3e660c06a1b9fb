// Package meta implements the MetaStore: persistent storage of
// currentTerm, votedFor, and the latest committed cluster Configuration
// (spec.md §4.2). Writes are synchronous; callers order them before any
// RPC response that logically depends on them (e.g. a vote grant).
package meta

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/raftcore/raftd/internal/cluster"
)

const fileName = "meta.dat"

// record is the on-disk shape: {currentTerm, votedFor, configurationIndex}
// followed by the latest committed Configuration, per spec.md §6's
// persisted-state layout. Encoded whole with encoding/gob and rewritten
// atomically via temp-file-plus-rename, the way the teacher's wal.go
// writes its snapshot file.
type record struct {
	CurrentTerm        uint64
	VotedFor           string
	ConfigurationIndex uint64
	Configuration      cluster.Configuration
}

// Store is the MetaStore.
type Store struct {
	mu   sync.Mutex
	dir  string
	path string
	rec  record
}

// Open loads (or initializes) the MetaStore rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("meta: mkdir %s: %w", dir, err)
	}
	s := &Store{dir: dir, path: filepath.Join(dir, fileName)}

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("meta: read %s: %w", s.path, err)
	}
	if len(b) == 0 {
		return s, nil
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("meta: decode %s: %w", s.path, err)
	}
	s.rec = rec
	return s, nil
}

// CurrentTerm returns the persisted current term.
func (s *Store) CurrentTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.CurrentTerm
}

// VotedFor returns the persisted vote for the current term ("" if unset).
func (s *Store) VotedFor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.VotedFor
}

// SaveTermAndVote persists (term, votedFor) synchronously. Used both when
// observing a higher term (votedFor cleared) and when granting a vote.
func (s *Store) SaveTermAndVote(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.CurrentTerm = term
	s.rec.VotedFor = votedFor
	return s.writeLocked()
}

// Configuration returns the last persisted committed configuration.
func (s *Store) Configuration() cluster.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Configuration.Clone()
}

// SaveConfiguration persists cfg as the latest committed configuration.
// Satisfies cluster.MetaPersister.
func (s *Store) SaveConfiguration(cfg cluster.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Configuration = cfg.Clone()
	s.rec.ConfigurationIndex = cfg.Index
	return s.writeLocked()
}

// writeLocked rewrites the whole record atomically via temp-file-plus-rename.
func (s *Store) writeLocked() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.rec); err != nil {
		return fmt.Errorf("meta: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("meta: open temp: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("meta: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("meta: fsync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("meta: close temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("meta: rename: %w", err)
	}
	return nil
}
