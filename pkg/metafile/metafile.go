// Package metafile owns the snapshot metadata store: the per-destination
// record of every path the backup chain has ever tracked, its last
// observed state, and the evidence (fingerprint or size) that backs it.
// The store is what turns a pile of archives into an incremental chain:
// change detection compares against it and restore consults its
// tombstones.
package metafile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-snapshot/pkg/util"
)

// MetaFileName is the name of the snapshot metadata file kept next to the
// archives in the backup base directory.
const MetaFileName = ".pgl-snapshot.meta.json"

// metaVersion is stamped into the file on every save.
const metaVersion = "1.0.0"

// storeContent is the serialized shape of the store.
type storeContent struct {
	Version    string           `json:"version"`
	UpdatedUTC time.Time        `json:"updatedUTC"`
	Paths      map[string]Entry `json:"paths"`
}

// Store is the in-memory copy of one destination's snapshot metadata.
// A run loads it once, hands it by exclusive reference to the single
// archive writer, and persists it once at the end. It is not safe for
// concurrent mutation; concurrent runs against the same destination are
// prevented by the run lock, not by the store.
type Store struct {
	path    string
	entries map[string]Entry
}

// Load reads the metadata store scoped to the given base directory.
// A missing file yields an empty store (a first run), not an error.
func Load(baseDir string) (*Store, error) {
	metaFilePath := filepath.Join(baseDir, MetaFileName)
	s := &Store{path: metaFilePath, entries: make(map[string]Entry)}

	data, err := os.ReadFile(metaFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("could not read metafile %s: %w", metaFilePath, err)
	}

	var content storeContent
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}
	for key, entry := range content.Paths {
		s.entries[util.NormalizePath(key)] = entry
	}
	return s, nil
}

// Save atomically persists the store next to the archives. The write goes
// through a temp file and rename so an interrupted save never truncates
// the previous version.
func (s *Store) Save() error {
	content := storeContent{
		Version:    metaVersion,
		UpdatedUTC: time.Now().UTC(),
		Paths:      s.entries,
	}
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal snapshot metadata: %w", err)
	}

	// Group-writable like the archives themselves: the metadata is part of
	// the backup data, unlike the user-only config and lock files.
	if err := util.WriteFileAtomic(s.path, jsonData, util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", s.path, err)
	}
	return nil
}

// Get returns the entry for a relative path key.
func (s *Store) Get(key string) (Entry, bool) {
	e, ok := s.entries[util.NormalizePath(key)]
	return e, ok
}

// SetPresent records a fresh Present observation for the key.
func (s *Store) SetPresent(key string, mtime int64, basis Basis) {
	e := Entry{Status: StatusPresent, Mtime: mtime}
	switch b := basis.(type) {
	case ThoroughBasis:
		e.Fingerprint = b.Fingerprint
	case FastBasis:
		size := b.Size
		e.Size = &size
	}
	s.entries[util.NormalizePath(key)] = e
}

// SetDeleted replaces the key's entry with a tombstone carrying the run
// timestamp. Restore compares that timestamp against member timestamps to
// decide whether the tombstone outranks an archived copy.
func (s *Store) SetDeleted(key string, mtime int64) {
	s.entries[util.NormalizePath(key)] = Entry{Status: StatusDeleted, Mtime: mtime}
}

// Len returns the number of tracked paths, tombstones included.
func (s *Store) Len() int {
	return len(s.entries)
}

// Range calls f for every tracked path until f returns false. Iteration
// order is unspecified; the store must not be mutated from inside f.
func (s *Store) Range(f func(key string, e Entry) bool) {
	for k, e := range s.entries {
		if !f(k, e) {
			return
		}
	}
}

// Path returns the absolute location of the backing file.
func (s *Store) Path() string {
	return s.path
}
