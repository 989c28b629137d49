package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Setting is one key=value line of the device configuration. Section is
// the [header] the line appeared under, empty for root keys.
type Setting struct {
	Section string
	Key     string
	Value   string
}

// Name is the key as addressed by Get and Set: "section.key", or the bare
// key at the root
func (e Setting) Name() string {
	if e.Section == "" {
		return e.Key
	}
	return e.Section + "." + e.Key
}

// DeviceSettings is the ordered key/value block exchanged as an INI blob
type DeviceSettings struct {
	Entries []Setting
}

// ParseSettings decodes the INI blob returned by GET:setting_ini. Blank
// lines and ';'/'#' comments are ignored.
func ParseSettings(blob string) (DeviceSettings, error) {
	var s DeviceSettings
	section := ""

	lines := strings.Split(strings.ReplaceAll(blob, "\r\n", "\n"), "\n")
	for lineNo, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") || len(line) < 3 {
				return DeviceSettings{}, &ParseError{What: "settings", Raw: blob, Err: fmt.Errorf("line %d: bad section header %q", lineNo+1, line)}
			}
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return DeviceSettings{}, &ParseError{What: "settings", Raw: blob, Err: fmt.Errorf("line %d: missing '=' in %q", lineNo+1, line)}
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return DeviceSettings{}, &ParseError{What: "settings", Raw: blob, Err: fmt.Errorf("line %d: empty key", lineNo+1)}
		}
		s.SetIn(section, key, strings.TrimSpace(value))
	}
	return s, nil
}

// Format serializes the settings back to the INI blob format. Root keys come
// first, then each section in order of first appearance, so a parsed blob
// is written back with the layout the device sent.
func (s DeviceSettings) Format() string {
	var b strings.Builder
	var sections []string
	grouped := make(map[string][]Setting)
	for _, e := range s.Entries {
		if _, seen := grouped[e.Section]; !seen && e.Section != "" {
			sections = append(sections, e.Section)
		}
		grouped[e.Section] = append(grouped[e.Section], e)
	}

	for _, e := range grouped[""] {
		fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
	}
	for _, sec := range sections {
		fmt.Fprintf(&b, "[%s]\n", sec)
		for _, e := range grouped[sec] {
			fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
		}
	}
	return b.String()
}

// Get returns the value for key
func (s DeviceSettings) Get(key string) (string, bool) {
	for _, e := range s.Entries {
		if e.Name() == key {
			return e.Value, true
		}
	}
	return "", false
}

// Int returns the value for key parsed as an integer
func (s DeviceSettings) Int(key string) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, fmt.Errorf("setting %q not present", key)
	}
	return strconv.Atoi(v)
}

// Set replaces the value of the key named "section.key" or "key". A new key
// goes into the existing section its prefix names, otherwise to the root.
func (s *DeviceSettings) Set(name, value string) {
	for i := range s.Entries {
		if s.Entries[i].Name() == name {
			s.Entries[i].Value = value
			return
		}
	}
	for _, e := range s.Entries {
		if e.Section != "" && strings.HasPrefix(name, e.Section+".") {
			s.Entries = append(s.Entries, Setting{Section: e.Section, Key: name[len(e.Section)+1:], Value: value})
			return
		}
	}
	s.Entries = append(s.Entries, Setting{Key: name, Value: value})
}

// SetIn replaces the value of key under section, appending it when absent
func (s *DeviceSettings) SetIn(section, key, value string) {
	for i := range s.Entries {
		if s.Entries[i].Section == section && s.Entries[i].Key == key {
			s.Entries[i].Value = value
			return
		}
	}
	s.Entries = append(s.Entries, Setting{Section: section, Key: key, Value: value})
}

// Equal reports whether both records hold the same keys with the same values.
// Order is not significant.
func (s DeviceSettings) Equal(other DeviceSettings) bool {
	if len(s.Entries) != len(other.Entries) {
		return false
	}
	for _, e := range s.Entries {
		v, ok := other.Get(e.Name())
		if !ok || v != e.Value {
			return false
		}
	}
	return true
}
