// Package storage keeps downloaded recordings on local disk and remembers
// which recordings have already been processed.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pirorin215/fastrec-sub000/util"
)

// Store writes recordings into a single directory
type Store struct {
	dir string
}

// NewStore creates dir if needed
func NewStore(dir string) (*Store, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the recordings directory
func (s *Store) Dir() string { return s.dir }

// SaveFile writes data atomically and returns the saved path as its locator.
// An existing file with the same name is replaced.
func (s *Store) SaveFile(name string, data []byte) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, clean)

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write recording temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("failed to rename recording file: %w", err)
	}
	return path, nil
}

// Exists reports whether a recording with this name has been saved
func (s *Store) Exists(name string) bool {
	clean, err := cleanName(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.dir, clean))
	return err == nil
}

// Device file names are flat; anything that could escape the directory is rejected
func cleanName(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid recording name %q", name)
	}
	return name, nil
}
