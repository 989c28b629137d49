package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no terminal response arrived within the operation's budget
	ErrTimeout = errors.New("timed out waiting for device response")

	// ErrDisconnected means the link dropped while the operation was in flight
	ErrDisconnected = errors.New("device disconnected")

	// ErrRetriesExhausted means a retrying operation hit its attempt ceiling
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ProtocolError carries an ERROR: response from the device verbatim
type ProtocolError struct {
	Raw string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device error: %s", e.Raw)
}

// ParseError reports a malformed JSON, list, INI or chunk payload
type ParseError struct {
	What string // "device info", "file list", "settings", "chunk"
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("malformed %s %q: %v", e.What, raw, e.Err)
	}
	return fmt.Sprintf("malformed %s %q", e.What, raw)
}

func (e *ParseError) Unwrap() error { return e.Err }
