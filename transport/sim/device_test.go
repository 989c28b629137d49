package sim

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pirorin215/fastrec-sub000/protocol"
	"github.com/pirorin215/fastrec-sub000/transport"
)

func waitEvent(t *testing.T, d *Device, kind transport.EventKind) transport.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-d.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", kind)
		}
	}
}

func connected(t *testing.T) *Device {
	t.Helper()
	d := NewDevice("fastrec", "AA:BB:CC:DD:EE:FF", PerfectSimulationConfig())
	t.Cleanup(d.Shutdown)

	if err := d.Connect(context.Background(), d.Address); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ev := waitEvent(t, d, transport.EventConnectionState)
	if ev.Link != transport.LinkConnected {
		t.Fatalf("Expected connected, got %s", ev.Link)
	}
	if err := d.RequestMTU(transport.DefaultRequestedMTU); err != nil {
		t.Fatalf("RequestMTU failed: %v", err)
	}
	if ev := waitEvent(t, d, transport.EventMTUChanged); ev.MTU != 247 {
		t.Errorf("Expected MTU capped at 247, got %d", ev.MTU)
	}
	waitEvent(t, d, transport.EventReady)
	return d
}

func readText(t *testing.T, d *Device, until func(string) bool) string {
	t.Helper()
	var sb strings.Builder
	for !until(sb.String()) {
		ev := waitEvent(t, d, transport.EventCharacteristicChanged)
		sb.Write(ev.Data)
	}
	return sb.String()
}

func TestListAndFaults(t *testing.T) {
	d := connected(t)
	d.AddFile("R2.wav", []byte("b"))
	d.AddFile("R1.wav", []byte("aa"))
	d.AddFile("notes.txt", []byte("x"))
	d.SetFaults(Faults{FailListAttempts: 1})

	d.WriteCommand(protocol.ListFiles("wav"))
	if got := readText(t, d, func(s string) bool { return len(s) > 0 }); !strings.HasPrefix(got, "ERROR:") {
		t.Fatalf("Expected first list to fail, got %q", got)
	}

	d.WriteCommand(protocol.ListFiles("wav"))
	got := readText(t, d, func(s string) bool { return strings.HasSuffix(s, "]") })
	entries, err := protocol.ParseFileList(got)
	if err != nil {
		t.Fatalf("ParseFileList failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "R1.wav" || entries[0].Size != 2 {
		t.Errorf("Unexpected entries %+v", entries)
	}
}

func TestDownloadIsPacedByBurstAcks(t *testing.T) {
	d := connected(t)
	data := bytes.Repeat([]byte("0123456789"), 100) // 1000 bytes, 240-byte chunks -> 5 chunks
	d.AddFile("R1.wav", data)

	d.WriteCommand(protocol.GetFile("R1.wav", 2))
	if ev := waitEvent(t, d, transport.EventCharacteristicChanged); string(ev.Data) != protocol.LitStart {
		t.Fatalf("Expected START, got %q", ev.Data)
	}
	d.WriteAck([]byte(protocol.LitStartAck))

	buf := protocol.NewChunkBuffer()
	received := 0
	for {
		ev := waitEvent(t, d, transport.EventCharacteristicChanged)
		p, err := protocol.DecodePacket(ev.Data)
		if err != nil {
			t.Fatalf("DecodePacket failed: %v", err)
		}
		if p.Kind == protocol.PacketEOF {
			break
		}
		buf.Put(p.Index, p.Payload)
		received++
		if received%2 == 0 {
			d.WriteAck([]byte(protocol.LitAck))
		}
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("Reassembled %d bytes, want %d", len(buf.Bytes()), len(data))
	}
	if received != 5 {
		t.Errorf("Expected 5 chunks, got %d", received)
	}
}

func TestDeleteFailsThenSucceeds(t *testing.T) {
	d := connected(t)
	d.AddFile("R1.wav", []byte("a"))
	d.SetFaults(Faults{FailDeleteAttempts: 1})

	d.WriteCommand(protocol.DeleteFile("R1.wav"))
	if got := readText(t, d, func(s string) bool { return s != "" }); !strings.HasPrefix(got, protocol.LitError) {
		t.Fatalf("Expected failure, got %q", got)
	}
	d.WriteCommand(protocol.DeleteFile("R1.wav"))
	got := readText(t, d, func(s string) bool { return strings.HasSuffix(s, "deleted") })
	if !strings.HasPrefix(got, protocol.DeleteOKPrefix) {
		t.Errorf("Unexpected ack %q", got)
	}
	if len(d.Files()) != 0 {
		t.Errorf("File should be gone, have %v", d.Files())
	}
}

func TestWritesRejectedWhileDisconnected(t *testing.T) {
	d := NewDevice("fastrec", "AA", PerfectSimulationConfig())
	defer d.Shutdown()
	if err := d.WriteCommand(protocol.GetInfo()); err == nil {
		t.Error("Expected error writing to a disconnected device")
	}
	if err := d.Connect(context.Background(), "BB"); err == nil {
		t.Error("Expected error connecting to the wrong address")
	}
}
