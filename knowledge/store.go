package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store persists knowledge items as one JSON file. Appends rewrite the
// file atomically via temp file and rename. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	path  string
	items []Item
}

type fileShape struct {
	Items []Item `json:"items"`
}

// OpenStore loads the knowledge file at path, creating an empty store
// when the file does not exist. A corrupt file is an error rather than a
// silent reset.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}

	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read knowledge base: %w", err)
	}

	var parsed fileShape
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	s.items = parsed.Items
	return s, nil
}

// Items returns a snapshot of all stored items.
func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Append stores one item and persists the whole file.
func (s *Store) Append(item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, item)
	if err := s.saveLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return err
	}
	return nil
}

func (s *Store) saveLocked() error {
	blob, err := json.MarshalIndent(fileShape{Items: s.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode knowledge base: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".kb-*")
	if err != nil {
		return fmt.Errorf("save knowledge base: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(blob, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save knowledge base: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save knowledge base: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save knowledge base: %w", err)
	}
	return nil
}
