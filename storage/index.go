package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Index is the persisted set of recordings already downloaded and handed
// downstream. A processed file still present on the device only needs deleting.
type Index struct {
	mu        sync.RWMutex
	processed map[string]time.Time
	statePath string
}

// indexState is the JSON structure for persistence
type indexState struct {
	Processed []processedEntry `json:"processed"`
}

type processedEntry struct {
	Name        string    `json:"name"`
	ProcessedAt time.Time `json:"processed_at"`
}

// OpenIndex loads <dir>/processed.json, starting empty if it does not exist
func OpenIndex(dir string) (*Index, error) {
	idx := &Index{
		processed: make(map[string]time.Time),
		statePath: filepath.Join(dir, "processed.json"),
	}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// IsProcessed reports whether name was already processed
func (idx *Index) IsProcessed(name string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.processed[name]
	return ok
}

// MarkProcessed records name and persists the index
func (idx *Index) MarkProcessed(name string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.processed[name]; ok {
		return nil
	}
	idx.processed[name] = time.Now()
	return idx.saveLocked()
}

// Forget removes name from the index
func (idx *Index) Forget(name string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.processed[name]; !ok {
		return nil
	}
	delete(idx.processed, name)
	return idx.saveLocked()
}

// Names returns the processed names, sorted
func (idx *Index) Names() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	names := make([]string, 0, len(idx.processed))
	for n := range idx.processed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (idx *Index) load() error {
	data, err := os.ReadFile(idx.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No saved state, not an error
		}
		return fmt.Errorf("failed to read processed index: %w", err)
	}

	var state indexState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal processed index: %w", err)
	}
	for _, e := range state.Processed {
		idx.processed[e.Name] = e.ProcessedAt
	}
	return nil
}

// Must be called with lock held
func (idx *Index) saveLocked() error {
	state := indexState{Processed: make([]processedEntry, 0, len(idx.processed))}
	for name, at := range idx.processed {
		state.Processed = append(state.Processed, processedEntry{Name: name, ProcessedAt: at})
	}
	sort.Slice(state.Processed, func(i, j int) bool { return state.Processed[i].Name < state.Processed[j].Name })

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal processed index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(idx.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := idx.statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write processed index temp file: %w", err)
	}
	if err := os.Rename(tempPath, idx.statePath); err != nil {
		return fmt.Errorf("failed to rename processed index file: %w", err)
	}
	return nil
}
