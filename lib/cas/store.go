// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/realm-foundation/realm/lib/clock"
	"github.com/realm-foundation/realm/lib/layout"
)

// ErrNotFound is returned when a digest is not in the store.
var ErrNotFound = errors.New("blob not found")

// ErrDigestMismatch is returned when bytes do not hash to the digest
// they were presented under.
var ErrDigestMismatch = errors.New("digest mismatch")

// Entry is one blob's metadata.
type Entry struct {
	Digest       string    `json:"digest"`
	Size         uint64    `json:"size"`
	Pinned       bool      `json:"pinned"`
	LastAccessed time.Time `json:"last_accessed"`
}

// indexFile is the on-disk index format.
type indexFile struct {
	Entries map[string]indexEntry `json:"entries"`
}

type indexEntry struct {
	Size             uint64 `json:"size"`
	Pinned           bool   `json:"pinned,omitempty"`
	LastAccessedUnix int64  `json:"last_accessed_unix"`
}

// Store is the content-addressed blob store. The agent owns one
// Store; a single mutex serializes all operations, so concurrent
// callers (supervisor launches, job pre-staging, the command loop)
// always observe a consistent index.
type Store struct {
	blobDir   string
	indexPath string
	clock     clock.Clock

	mu      sync.Mutex
	entries map[string]*Entry
}

// Open loads the store rooted at the given layout, reconciling the
// index against the blob directory: files on disk that the index does
// not know are re-indexed; index entries whose file is gone are
// purged. Safe to call after any crash.
func Open(l layout.Layout, clk clock.Clock) (*Store, error) {
	store := &Store{
		blobDir:   l.BlobDir(),
		indexPath: l.IndexPath(),
		clock:     clk,
		entries:   make(map[string]*Entry),
	}
	if err := os.MkdirAll(store.blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	var index indexFile
	if data, err := os.ReadFile(store.indexPath); err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			// A corrupt index is recoverable: rebuild from disk.
			index.Entries = nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading CAS index: %w", err)
	}

	for digest, entry := range index.Entries {
		if layout.ValidateDigest(digest) != nil {
			continue
		}
		if _, err := os.Stat(store.blobPath(digest)); err != nil {
			continue // phantom: indexed but missing on disk
		}
		store.entries[digest] = &Entry{
			Digest:       digest,
			Size:         entry.Size,
			Pinned:       entry.Pinned,
			LastAccessed: time.Unix(entry.LastAccessedUnix, 0).UTC(),
		}
	}

	// Re-index orphans: blob files present on disk but absent from
	// the index (e.g. the index write was lost in a crash).
	err := filepath.WalkDir(store.blobDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		digest := d.Name()
		if layout.ValidateDigest(digest) != nil {
			return nil
		}
		if _, known := store.entries[digest]; known {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		store.entries[digest] = &Entry{
			Digest:       digest,
			Size:         uint64(info.Size()),
			LastAccessed: clk.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning blob directory: %w", err)
	}

	if err := store.saveIndex(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.blobDir, digest[0:2], digest[2:4], digest)
}

// Put writes bytes atomically and returns their digest. Idempotent:
// re-putting existing content refreshes its access time only.
func (s *Store) Put(data []byte) (string, error) {
	return s.PutReader(bytes.NewReader(data))
}

// PutReader streams content into the store: the digest is computed
// while writing to a temp file, then the file is renamed into its
// fanout location. Any failure leaves the store unchanged.
func (s *Store) PutReader(reader io.Reader) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.blobDir, ".ingest-*")
	if err != nil {
		return "", fmt.Errorf("creating ingest temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), reader)
	if err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing blob: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	finalPath := s.blobPath(digest)

	if _, exists := s.entries[digest]; exists {
		os.Remove(tmpPath)
		success = true
		s.touch(digest)
		return digest, s.saveIndex()
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", fmt.Errorf("creating fanout directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("committing blob %s: %w", digest, err)
	}
	success = true

	s.entries[digest] = &Entry{
		Digest:       digest,
		Size:         uint64(size),
		LastAccessed: s.clock.Now().UTC(),
	}
	return digest, s.saveIndex()
}

// PutVerified is Put with an expected digest: the write is discarded
// and ErrDigestMismatch returned if the content hashes differently.
// Used for bytes received from the mesh, where the digest is the
// claim being checked.
func (s *Store) PutVerified(data []byte, expected string) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != expected {
		return fmt.Errorf("content for %s: %w", expected, ErrDigestMismatch)
	}
	_, err := s.Put(data)
	return err
}

// Get returns the blob bytes for digest, refreshing its access time.
func (s *Store) Get(digest string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := layout.ValidateDigest(digest); err != nil {
		return nil, err
	}
	if _, ok := s.entries[digest]; !ok {
		return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	data, err := os.ReadFile(s.blobPath(digest))
	if os.IsNotExist(err) {
		// Disk and index disagree; heal the index.
		delete(s.entries, digest)
		s.saveIndex()
		return nil, fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", digest, err)
	}
	s.touch(digest)
	if err := s.saveIndex(); err != nil {
		return nil, err
	}
	return data, nil
}

// Path returns the on-disk path of a stored blob, for callers that
// stream it (package extraction, native executables). The access time
// is refreshed.
func (s *Store) Path(digest string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := layout.ValidateDigest(digest); err != nil {
		return "", err
	}
	if _, ok := s.entries[digest]; !ok {
		return "", fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	s.touch(digest)
	if err := s.saveIndex(); err != nil {
		return "", err
	}
	return s.blobPath(digest), nil
}

// Has reports whether the store holds digest.
func (s *Store) Has(digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[digest]
	return ok
}

// Pin sets or clears the pinned flag. Pinned blobs are never GC'd.
func (s *Store) Pin(digest string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[digest]
	if !ok {
		return fmt.Errorf("%s: %w", digest, ErrNotFound)
	}
	entry.Pinned = pinned
	return s.saveIndex()
}

// List returns all entries, sorted by digest for stable output.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		list = append(list, *entry)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Digest < list[j].Digest })
	return list
}

// TotalSize returns the sum of all blob sizes.
func (s *Store) TotalSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSizeLocked()
}

func (s *Store) totalSizeLocked() uint64 {
	var total uint64
	for _, entry := range s.entries {
		total += entry.Size
	}
	return total
}

// GC evicts unpinned blobs in least-recently-accessed order until the
// total size is at or below targetBytes. Pinned blobs are never
// evicted, so the target may be unreachable; GC then stops having
// removed everything it legally could. Interrupting a GC pass leaves
// the store consistent — each eviction is an independent delete plus
// index save.
func (s *Store) GC(targetBytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.Pinned {
			candidates = append(candidates, entry)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
	})

	total := s.totalSizeLocked()
	for _, entry := range candidates {
		if total <= targetBytes {
			break
		}
		if err := os.Remove(s.blobPath(entry.Digest)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("evicting %s: %w", entry.Digest, err)
		}
		delete(s.entries, entry.Digest)
		total -= entry.Size
		if err := s.saveIndex(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) touch(digest string) {
	if entry, ok := s.entries[digest]; ok {
		entry.LastAccessed = s.clock.Now().UTC()
	}
}

// saveIndex rewrites the index atomically.
func (s *Store) saveIndex() error {
	index := indexFile{Entries: make(map[string]indexEntry, len(s.entries))}
	for digest, entry := range s.entries {
		index.Entries[digest] = indexEntry{
			Size:             entry.Size,
			Pinned:           entry.Pinned,
			LastAccessedUnix: entry.LastAccessed.Unix(),
		}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding CAS index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.indexPath), ".index-*")
	if err != nil {
		return fmt.Errorf("writing CAS index: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing CAS index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing CAS index: %w", err)
	}
	if err := os.Rename(tmpPath, s.indexPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing CAS index: %w", err)
	}
	return nil
}

// DigestOf returns the hex SHA-256 of data. The one digest function
// the whole module uses.
func DigestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
