// Package protocol implements the recorder's text command channel and the
// binary file-transfer framing carried over GATT notifications.
package protocol

import (
	"fmt"
	"strconv"
	"time"
)

// Command prefixes and literals exchanged with the recorder firmware
const (
	CmdGetInfo     = "GET:info"
	CmdListFiles   = "GET:ls:"
	CmdGetFile     = "GET:file:"
	CmdDeleteFile  = "DEL:file:"
	CmdSetTime     = "SET:time:"
	CmdGetSettings = "GET:setting_ini"
	CmdSetSettings = "SET:setting_ini:"

	LitStart    = "START"
	LitStartAck = "START_ACK"
	LitAck      = "ACK"
	LitEOF      = "EOF"
	LitOK       = "OK:"
	LitError    = "ERROR:"
	LitEmpty    = "[]"

	// Delete acknowledgements read "OK: File <name> deleted"
	DeleteOKPrefix = "OK: File"
)

// GetInfo requests the device-info JSON object
func GetInfo() string { return CmdGetInfo }

// ListFiles requests the JSON array of recordings with the given extension
func ListFiles(ext string) string { return CmdListFiles + ext }

// GetFile starts a chunked download acknowledged every burstSize chunks
func GetFile(name string, burstSize int) string {
	return fmt.Sprintf("%s%s:%d", CmdGetFile, name, burstSize)
}

// DeleteFile removes a recording from device storage
func DeleteFile(name string) string { return CmdDeleteFile + name }

// SetTime sets the device clock to t (unix seconds)
func SetTime(t time.Time) string {
	return CmdSetTime + strconv.FormatInt(t.Unix(), 10)
}

// GetSettings requests the INI settings blob
func GetSettings() string { return CmdGetSettings }

// SetSettings pushes an INI settings blob verbatim
func SetSettings(blob string) string { return CmdSetSettings + blob }
