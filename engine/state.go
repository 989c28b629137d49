package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pirorin215/fastrec-sub000/protocol"
)

// StateKind is the public connection state
type StateKind int

const (
	StateDisconnected StateKind = iota
	StatePairing
	StatePaired
	StateConnecting
	StateConnected
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "Disconnected"
	case StatePairing:
		return "Pairing"
	case StatePaired:
		return "Paired"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

// ConnectionState is exactly one of the StateKind variants. Address is set
// from Paired on, Handle only while Connected, Reason only in Error.
type ConnectionState struct {
	Kind    StateKind `json:"kind"`
	Address string    `json:"address,omitempty"`
	Handle  string    `json:"handle,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnected:
		return fmt.Sprintf("Connected(%s, %s)", s.Address, shortID(s.Handle))
	case StateError:
		return fmt.Sprintf("Error(%s)", s.Reason)
	case StatePaired, StateConnecting:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Address)
	}
	return s.Kind.String()
}

// EventKind identifies an engine event
type EventKind int

const (
	EventDeviceReady EventKind = iota
	EventFileListChanged
	EventFileDownloaded
	EventFileDeleted
	EventDeviceInfoUpdated
	EventSettingsSent
	EventLowBattery
)

func (k EventKind) String() string {
	switch k {
	case EventDeviceReady:
		return "DeviceReady"
	case EventFileListChanged:
		return "FileListChanged"
	case EventFileDownloaded:
		return "FileDownloaded"
	case EventFileDeleted:
		return "FileDeleted"
	case EventDeviceInfoUpdated:
		return "DeviceInfoUpdated"
	case EventSettingsSent:
		return "SettingsSent"
	case EventLowBattery:
		return "LowBattery"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is published on the engine bus
type Event struct {
	Kind EventKind `json:"kind"`

	Handle  string               `json:"handle,omitempty"`  // DeviceReady
	Files   []protocol.FileEntry `json:"files,omitempty"`   // FileListChanged
	Silent  bool                 `json:"silent,omitempty"`  // FileListChanged: refresh that must not trigger processing
	File    protocol.FileEntry   `json:"file"`              // FileDownloaded, FileDeleted
	Locator string               `json:"locator,omitempty"` // FileDownloaded
	Info    protocol.DeviceInfo  `json:"info"`              // DeviceInfoUpdated, LowBattery
}

// TransferState is the phase of the current download
type TransferState int

const (
	TransferIdle TransferState = iota
	TransferWaitingForStart
	TransferDownloading
	TransferCompleted
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "Idle"
	case TransferWaitingForStart:
		return "WaitingForStart"
	case TransferDownloading:
		return "Downloading"
	case TransferCompleted:
		return "Completed"
	case TransferFailed:
		return "Failed"
	}
	return fmt.Sprintf("TransferState(%d)", int(s))
}

// TransferMetrics is observability only; nothing reads it for control flow
type TransferMetrics struct {
	TransferID     string        `json:"transfer_id,omitempty"`
	File           string        `json:"file,omitempty"`
	BytesReceived  int64         `json:"bytes_received"`
	TotalExpected  int64         `json:"total_expected"`
	ThroughputKBps float64       `json:"throughput_kbps"`
	State          TransferState `json:"state"`
}

func newHandle() string {
	return uuid.NewString()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
