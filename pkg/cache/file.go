package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileVersion is the current version of the cache file format.
const FileVersion = 1

// fileState is the on-disk layout: one JSON document holding every
// entry, rewritten on each change. Cache contents are small (device
// metadata, network info), so whole-file rewrites stay cheap.
type fileState struct {
	Version int                  `json:"version"`
	SavedAt time.Time            `json:"saved_at"`
	Entries map[string]fileEntry `json:"entries,omitempty"`
}

type fileEntry struct {
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// FileStore persists cache entries to a single JSON file. Safe for
// concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the file at path. The file is
// created on first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the stored bytes for key.
func (s *FileStore) Get(key string) ([]byte, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil || state == nil {
		return nil, time.Time{}, false
	}
	e, ok := state.Entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.Value, e.FetchedAt, true
}

// Set stores value under key and rewrites the file.
func (s *FileStore) Set(key string, value []byte, fetchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if state == nil {
		state = &fileState{Entries: make(map[string]fileEntry)}
	}
	if state.Entries == nil {
		state.Entries = make(map[string]fileEntry)
	}
	state.Entries[key] = fileEntry{Value: json.RawMessage(value), FetchedAt: fetchedAt}
	return s.save(state)
}

// Invalidate removes the entry for key. Removing an absent key is a
// no-op.
func (s *FileStore) Invalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil || state == nil {
		return err
	}
	if _, ok := state.Entries[key]; !ok {
		return nil
	}
	delete(state.Entries, key)
	return s.save(state)
}

// Clear removes the cache file entirely.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// load reads the state file. Returns nil, nil if it doesn't exist.
func (s *FileStore) load() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &fileState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *FileStore) save(state *fileState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = FileVersion
	state.SavedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// Compile-time interface satisfaction check.
var _ Store = (*FileStore)(nil)
