// Package statestore provides small named JSON state documents with
// atomic replacement. It exists so components take an explicit store
// instead of reaching for home-directory files, and so tests can use
// the in-memory double.
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store persists named JSON documents. Save must be atomic: readers
// never observe a partially written document.
type Store interface {
	// Load unmarshals the named document into v. Returns false when
	// the document is absent. Corrupted documents are treated as
	// absent, never as an error.
	Load(name string, v interface{}) (bool, error)
	// Save marshals v and atomically replaces the named document.
	Save(name string, v interface{}) error
}

// FileStore keeps each document as <dir>/<name>.json, written via a
// temp file and rename so concurrent scheduled runs cannot observe a
// torn write.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named document. Malformed JSON is logged and reported
// as absent so callers fall back to first-run behavior.
func (s *FileStore) Load(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state %q: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("Corrupted state document, treating as absent",
			"name", name, "error", err)
		return false, nil
	}
	return true, nil
}

// Save writes the document to a temp file in the same directory and
// renames it into place.
func (s *FileStore) Save(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state %q: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state %q: %w", name, err)
	}

	if err := os.Rename(tmpName, s.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state %q: %w", name, err)
	}
	return nil
}

// MemStore is the in-memory test double.
type MemStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemStore) Load(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.docs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}

// Save implements Store.
func (s *MemStore) Save(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.docs[name] = data
	return nil
}

// Corrupt overwrites a document with invalid JSON. Test helper for the
// corrupted-state-is-absent policy.
func (s *MemStore) Corrupt(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = []byte("{not json")
}
