package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Raw notification fragments, chunk indices
	DEBUG                 // Command/response payloads
	INFO                  // Connection transitions, transfers, sync passes
	WARN                  // Recoverable failures (busy, timeout, retry)
	ERROR                 // Failures surfaced to the caller
)

// recentCapacity bounds the in-memory failure log
const recentCapacity = 200

// Entry is one emitted log line, as seen by hooks and Recent()
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Prefix  string    `json:"prefix,omitempty"`
	Message string    `json:"message"`
}

var (
	currentLevel LogLevel = DEBUG
	output       io.Writer = os.Stdout
	mu           sync.RWMutex

	hooksMu sync.RWMutex
	hooks   []func(Entry)

	recentMu sync.Mutex
	recent   []Entry
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects log lines (tests use a buffer or io.Discard)
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}

// AddHook registers fn to receive every WARN and ERROR entry, regardless of
// the current output level. It returns a func that removes the hook.
func AddHook(fn func(Entry)) func() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks = append(hooks, fn)
	idx := len(hooks) - 1
	return func() {
		hooksMu.Lock()
		defer hooksMu.Unlock()
		if idx < len(hooks) {
			hooks[idx] = nil
		}
	}
}

// Recent returns a copy of the last WARN/ERROR entries, oldest first
func Recent() []Entry {
	recentMu.Lock()
	defer recentMu.Unlock()
	out := make([]Entry, len(recent))
	copy(out, recent)
	return out
}

func record(e Entry) {
	recentMu.Lock()
	recent = append(recent, e)
	if len(recent) > recentCapacity {
		recent = recent[len(recent)-recentCapacity:]
	}
	recentMu.Unlock()

	hooksMu.RLock()
	fns := make([]func(Entry), 0, len(hooks))
	for _, fn := range hooks {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	hooksMu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	// Failures always reach the observable log, even when filtered from output
	if level >= WARN {
		record(Entry{Time: time.Now(), Level: level.String(), Prefix: prefix, Message: msg})
	}

	if level < GetLevel() {
		return
	}

	var levelStr string
	switch level {
	case TRACE:
		levelStr = "TRACE"
	case DEBUG:
		levelStr = "DEBUG"
	case INFO:
		levelStr = "INFO "
	case WARN:
		levelStr = "WARN "
	case ERROR:
		levelStr = "ERROR"
	}

	mu.RLock()
	w := output
	mu.RUnlock()

	if prefix != "" {
		fmt.Fprintf(w, "[%s %s] %s\n", prefix, levelStr, msg)
	} else {
		fmt.Fprintf(w, "[%s] %s\n", levelStr, msg)
	}
}

// Trace logs a trace message (raw fragments, chunk-level detail)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (command/response payloads)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
