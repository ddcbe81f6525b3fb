// Package kbstate persists the active knowledge-base handle between
// sessions as a small JSON file. The engine treats it as an opaque
// key/value collaborator.
package kbstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store reads and writes the active knowledge-base record.
type Store struct {
	path string
}

// New creates a store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// state is the on-disk layout.
type state struct {
	ActiveKB json.RawMessage `json:"active_kb,omitempty"`
}

// Save persists v as the active knowledge base. The write is atomic
// (temp file then rename).
func (s *Store) Save(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal active kb: %w", err)
	}
	data, err := json.Marshal(state{ActiveKB: raw})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Load reads the active knowledge base into v. The second return value is
// false when no record is stored.
func (s *Store) Load(v any) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return false, fmt.Errorf("parse state file: %w", err)
	}
	if len(st.ActiveKB) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(st.ActiveKB, v); err != nil {
		return false, fmt.Errorf("parse active kb: %w", err)
	}
	return true, nil
}

// Clear removes the stored record.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
