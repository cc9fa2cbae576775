package visitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// State is the visitor identity persisted between runs. It plays the role a
// browser widget gives to localStorage: just enough to resume a session.
type State struct {
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name"`
}

// StateStore persists visitor state between runs.
type StateStore interface {
	Load() (State, error)
	Save(State) error
	Clear() error
}

// FileStore keeps state in a JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed state store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state file. A missing file is an empty state, not an error.
func (f *FileStore) Load() (State, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt file is treated like no state at all.
		return State{}, nil
	}
	return st, nil
}

// Save writes the state file, creating parent directories as needed.
func (f *FileStore) Save(st State) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Clear removes the state file.
func (f *FileStore) Clear() error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryStore keeps state in memory, for tests and throwaway sessions.
type MemoryStore struct {
	mu sync.Mutex
	st State
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

func (m *MemoryStore) Save(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = State{}
	return nil
}
