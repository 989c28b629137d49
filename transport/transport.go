// Package transport defines the link-layer collaborator the engine drives:
// scan, connect, write and a stream of connection and notification events.
package transport

import (
	"context"
	"fmt"
)

// Recorder GATT table
const (
	ServiceUUID         = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CommandCharUUID     = "beb5483e-36e1-4688-b7f5-ea07361b26a8" // write: text commands
	ResponseCharUUID    = "beb5483e-36e1-4688-b7f5-ea07361b26a9" // notify: responses and file chunks
	AckCharUUID         = "beb5483e-36e1-4688-b7f5-ea07361b26aa" // write-without-response: START_ACK / ACK
	DefaultMTU          = 23
	ATTHeaderSize       = 3
	DefaultRequestedMTU = 517
)

// Device is a recorder found by scanning or in the bonded list
type Device struct {
	Address string
	Name    string
	Bonded  bool
}

// LinkState is the connection state reported by the transport
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkError:
		return "error"
	}
	return fmt.Sprintf("LinkState(%d)", int(s))
}

// EventKind identifies what an Event carries
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventMTUChanged
	EventReady
	EventCharacteristicChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionState:
		return "ConnectionState"
	case EventMTUChanged:
		return "MtuChanged"
	case EventReady:
		return "Ready"
	case EventCharacteristicChanged:
		return "CharacteristicChanged"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is emitted by the transport on its Events channel
type Event struct {
	Kind EventKind

	// EventConnectionState
	Link    LinkState
	Address string
	Err     error

	// EventMTUChanged
	MTU int

	// EventCharacteristicChanged
	Characteristic string
	Data           []byte
}

// Transport is the link to one recorder. Implementations deliver events in
// order on Events(); the channel is never closed while the transport is open.
type Transport interface {
	// Bonded lists devices already paired with this host
	Bonded() ([]Device, error)
	// Scan blocks until a device advertising name is found or ctx ends
	Scan(ctx context.Context, name string) (Device, error)
	// Connect starts connecting; the outcome arrives as an EventConnectionState
	Connect(ctx context.Context, address string) error
	Disconnect() error
	// Close releases transport resources after an error; Connect may be called again
	Close() error

	WriteCommand(text string) error
	WriteAck(data []byte) error
	RequestMTU(mtu int) error
	RequestHighPriority() error

	Events() <-chan Event
}
