package protocol

import (
	"encoding/json"
	"fmt"
)

// FileEntry is one recording stored on the device
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// UnmarshalJSON accepts either {"name":..,"size":..} or a bare file name
func (f *FileEntry) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*f = FileEntry{Name: name}
		return nil
	}
	type plain FileEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = FileEntry(p)
	return nil
}

// ParseFileList decodes a GET:ls JSON array
func ParseFileList(payload string) ([]FileEntry, error) {
	var entries []FileEntry
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, &ParseError{What: "file list", Raw: payload, Err: err}
	}
	for i, e := range entries {
		if e.Name == "" {
			return nil, &ParseError{What: "file list", Raw: payload, Err: fmt.Errorf("entry %d has no name", i)}
		}
	}
	if entries == nil {
		entries = []FileEntry{}
	}
	return entries, nil
}

// WithoutFile returns a copy of entries minus name. The input is never modified.
func WithoutFile(entries []FileEntry, name string) []FileEntry {
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return out
}
