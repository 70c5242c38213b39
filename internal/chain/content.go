package chain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ContentStore holds the note bodies that entry hashes commit to.
type ContentStore interface {
	// Read returns ErrNotFound when no content exists for the entry.
	Read(logbook, name string) ([]byte, error)
	Write(logbook, name string, content []byte) error
	Exists(logbook, name string) (bool, error)
}

// FileContentStore keeps notes at <root>/<logbook>/notes/<name>.md.
type FileContentStore struct {
	root string
}

// NewFileContentStore creates a FileContentStore rooted at dir.
func NewFileContentStore(dir string) *FileContentStore {
	return &FileContentStore{root: dir}
}

// Path returns the file backing an entry's content.
func (s *FileContentStore) Path(logbook, name string) string {
	return filepath.Join(s.root, logbook, "notes", name+".md")
}

// Read implements ContentStore.
func (s *FileContentStore) Read(logbook, name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(logbook, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read content %s/%s: %w", logbook, name, err)
	}
	return data, nil
}

// Write implements ContentStore.
func (s *FileContentStore) Write(logbook, name string, content []byte) error {
	path := s.Path(logbook, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	return writeFileAtomic(path, content, 0o600)
}

// Exists implements ContentStore.
func (s *FileContentStore) Exists(logbook, name string) (bool, error) {
	_, err := os.Stat(s.Path(logbook, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MemoryContentStore is an in-memory ContentStore for tests and dry runs.
type MemoryContentStore struct {
	mu    sync.RWMutex
	notes map[string][]byte
}

// NewMemoryContentStore creates an empty MemoryContentStore.
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{notes: make(map[string][]byte)}
}

func contentKey(logbook, name string) string { return logbook + "/" + name }

// Read implements ContentStore.
func (s *MemoryContentStore) Read(logbook, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.notes[contentKey(logbook, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Write implements ContentStore.
func (s *MemoryContentStore) Write(logbook, name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[contentKey(logbook, name)] = append([]byte(nil), content...)
	return nil
}

// Exists implements ContentStore.
func (s *MemoryContentStore) Exists(logbook, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.notes[contentKey(logbook, name)]
	return ok, nil
}
