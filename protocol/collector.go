package protocol

import (
	"fmt"
	"strings"

	"github.com/pirorin215/fastrec-sub000/opgate"
)

// Completion is the terminal outcome of a text command
type Completion struct {
	Payload string
	Err     error
}

// Collector accumulates response fragments for one command and decides when
// the response is complete. Completion rules depend on the operation kind:
//
//	FetchingDeviceInfo  JSON object, done when the trimmed buffer ends with '}'
//	FetchingFileList    JSON array, done on a bare "[]" or a trailing ']'
//	SendingTime         acknowledgement, done on "OK:"
//	DeletingFile        acknowledgement, done on "OK:"
//	FetchingSettings    INI blob without terminator, done by the caller's quiet timer
//
// A buffer starting with "ERROR:" completes every kind as a ProtocolError.
type Collector struct {
	kind opgate.Kind
	buf  strings.Builder
	done bool
}

// NewCollector creates a collector for kind
func NewCollector(kind opgate.Kind) *Collector {
	return &Collector{kind: kind}
}

// Kind returns the operation kind this collector parses
func (c *Collector) Kind() opgate.Kind { return c.kind }

// NeedsQuietPeriod reports whether completion is signalled by silence
// rather than by content
func (c *Collector) NeedsQuietPeriod() bool {
	return c.kind == opgate.FetchingSettings
}

// Buffered returns the raw text received so far
func (c *Collector) Buffered() string { return c.buf.String() }

// Feed appends one notification fragment. It returns the completion and true
// once the response is terminal; later fragments are ignored.
func (c *Collector) Feed(fragment []byte) (Completion, bool) {
	if c.done {
		return Completion{}, false
	}

	// The bare empty list completes before anything is buffered
	if c.kind == opgate.FetchingFileList && c.buf.Len() == 0 && strings.TrimSpace(string(fragment)) == LitEmpty {
		return c.finish(Completion{Payload: LitEmpty})
	}

	c.buf.Write(fragment)
	text := strings.TrimSpace(c.buf.String())

	if strings.HasPrefix(text, LitError) {
		return c.finish(Completion{Err: &ProtocolError{Raw: text}})
	}

	switch c.kind {
	case opgate.FetchingDeviceInfo:
		if strings.HasSuffix(text, "}") {
			return c.finish(Completion{Payload: text})
		}
	case opgate.FetchingFileList:
		if strings.HasSuffix(text, "]") {
			return c.finish(Completion{Payload: text})
		}
	case opgate.SendingTime, opgate.DeletingFile:
		if strings.HasPrefix(text, LitOK) {
			return c.finish(Completion{Payload: text})
		}
	case opgate.FetchingSettings:
		// Completed by Flush after the quiet window
	case opgate.SendingSettings:
		// Fire-and-forget; nothing to wait for
	case opgate.DownloadingFile, opgate.Idle:
		return c.finish(Completion{Err: fmt.Errorf("no text response defined for %s", c.kind)})
	default:
		return c.finish(Completion{Err: fmt.Errorf("unknown operation kind %d", int(c.kind))})
	}
	return Completion{}, false
}

// Flush completes the response with whatever has been buffered. Used when the
// quiet window elapses for kinds without an explicit terminator.
func (c *Collector) Flush() (Completion, bool) {
	if c.done {
		return Completion{}, false
	}
	text := strings.TrimSpace(c.buf.String())
	if strings.HasPrefix(text, LitError) {
		return c.finish(Completion{Err: &ProtocolError{Raw: text}})
	}
	return c.finish(Completion{Payload: text})
}

func (c *Collector) finish(comp Completion) (Completion, bool) {
	c.done = true
	return comp, true
}
