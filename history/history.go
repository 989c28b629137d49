// Package history persists device telemetry and location samples as an
// append-only log of length-prefixed protobuf wire records.
package history

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/util"
)

// Record field numbers
const (
	fieldTimestamp      protowire.Number = 1 // unix nanoseconds, varint
	fieldLocation       protowire.Number = 2 // nested message
	fieldBatteryLevel   protowire.Number = 3 // double
	fieldBatteryVoltage protowire.Number = 4 // double

	fieldLatitude  protowire.Number = 1
	fieldLongitude protowire.Number = 2
)

// Location is a sampled position
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Entry is one history record; absent readings are nil
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	Location       *Location `json:"location,omitempty"`
	BatteryLevel   *float64  `json:"battery_level,omitempty"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
}

// Store appends entries to <dir>/history.bin
type Store struct {
	mu   sync.Mutex
	path string
}

// Open creates dir if needed and returns a store writing history.bin inside it
func Open(dir string) (*Store, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "history.bin")}, nil
}

// AddEntry appends one record
func (s *Store) AddEntry(ts time.Time, loc *Location, batteryLevel, batteryVoltage *float64) error {
	record := encodeEntry(Entry{
		Timestamp:      ts,
		Location:       loc,
		BatteryLevel:   batteryLevel,
		BatteryVoltage: batteryVoltage,
	})
	framed := protowire.AppendBytes(nil, record)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(framed); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Entries reads every record in append order. A record whose length prefix
// runs past the end of the file (crash mid-append, or a corrupt prefix) ends
// the read with a warning; the records before it are returned.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var entries []Entry
	for len(data) > 0 {
		record, n := protowire.ConsumeBytes(data)
		if n < 0 {
			logger.Warn("history", "⚠️  Dropping %d trailing byte(s) after record %d: %v", len(data), len(entries), protowire.ParseError(n))
			return entries, nil
		}
		data = data[n:]
		entry, err := decodeEntry(record)
		if err != nil {
			return entries, fmt.Errorf("corrupt history record %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Latest returns the most recent entry
func (s *Store) Latest() (Entry, bool, error) {
	entries, err := s.Entries()
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

func encodeEntry(e Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp.UnixNano()))

	if e.Location != nil {
		var loc []byte
		loc = protowire.AppendTag(loc, fieldLatitude, protowire.Fixed64Type)
		loc = protowire.AppendFixed64(loc, math.Float64bits(e.Location.Latitude))
		loc = protowire.AppendTag(loc, fieldLongitude, protowire.Fixed64Type)
		loc = protowire.AppendFixed64(loc, math.Float64bits(e.Location.Longitude))
		b = protowire.AppendTag(b, fieldLocation, protowire.BytesType)
		b = protowire.AppendBytes(b, loc)
	}
	if e.BatteryLevel != nil {
		b = protowire.AppendTag(b, fieldBatteryLevel, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*e.BatteryLevel))
	}
	if e.BatteryVoltage != nil {
		b = protowire.AppendTag(b, fieldBatteryVoltage, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*e.BatteryVoltage))
	}
	return b
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Timestamp = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldLocation && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			loc, err := decodeLocation(v)
			if err != nil {
				return e, err
			}
			e.Location = loc
			b = b[n:]
		case (num == fieldBatteryLevel || num == fieldBatteryVoltage) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			f := math.Float64frombits(v)
			if num == fieldBatteryLevel {
				e.BatteryLevel = &f
			} else {
				e.BatteryVoltage = &f
			}
			b = b[n:]
		default:
			// Unknown fields from newer writers are skipped
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

func decodeLocation(b []byte) (*Location, error) {
	loc := &Location{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.Fixed64Type || (num != fieldLatitude && num != fieldLongitude) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		if num == fieldLatitude {
			loc.Latitude = math.Float64frombits(v)
		} else {
			loc.Longitude = math.Float64frombits(v)
		}
		b = b[n:]
	}
	return loc, nil
}
