package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pirorin215/fastrec-sub000/engine"
	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/observe"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
)

type fakeSource struct {
	events    chan engine.Event
	state     *observe.Value[engine.ConnectionState]
	operation *observe.Value[opgate.Kind]
	metrics   *observe.Value[engine.TransferMetrics]
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events:    make(chan engine.Event, 8),
		state:     observe.NewValue(engine.ConnectionState{}),
		operation: observe.NewValue(opgate.Idle),
		metrics:   observe.NewValue(engine.TransferMetrics{}),
	}
}

func (s *fakeSource) Subscribe(int) (<-chan engine.Event, func())     { return s.events, func() {} }
func (s *fakeSource) State() *observe.Value[engine.ConnectionState]   { return s.state }
func (s *fakeSource) Operation() *observe.Value[opgate.Kind]          { return s.operation }
func (s *fakeSource) Metrics() *observe.Value[engine.TransferMetrics] { return s.metrics }

func startHub(t *testing.T) (*Hub, *websocket.Conn, context.Context) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Close()
	})

	hello := readMessage(t, conn)
	if hello.Type != TypeHello {
		t.Fatalf("Expected hello, got %s", hello.Type)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub, conn, ctx
}

type rawMessage struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg rawMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	return msg
}

// readUntil skips frames until one of msgType (and name, when set) arrives
func readUntil(t *testing.T, conn *websocket.Conn, msgType, name string) rawMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType && (name == "" || msg.Name == name) {
			return msg
		}
	}
	t.Fatalf("No %s/%s message", msgType, name)
	return rawMessage{}
}

func TestNotifyReachesClients(t *testing.T) {
	hub, conn, _ := startHub(t)

	hub.Notify("New recording", "a.wav")

	msg := readUntil(t, conn, TypeNotification, "")
	var n Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if n.Title != "New recording" || n.Message != "a.wav" {
		t.Errorf("Unexpected notification %+v", n)
	}
}

func TestForwardRelaysEngineActivity(t *testing.T) {
	hub, conn, ctx := startHub(t)
	src := newFakeSource()
	hub.Forward(ctx, src)

	src.events <- engine.Event{Kind: engine.EventFileDeleted, File: protocol.FileEntry{Name: "a.wav"}}
	msg := readUntil(t, conn, TypeEvent, engine.EventFileDeleted.String())
	var ev engine.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if ev.File.Name != "a.wav" {
		t.Errorf("Unexpected event %+v", ev)
	}

	src.state.Set(engine.ConnectionState{Kind: engine.StateConnected, Address: "AA"})
	readUntil(t, conn, TypeState, engine.StateConnected.String())

	logger.SetOutput(io.Discard)
	defer logger.SetOutput(os.Stdout)
	logger.Warn("test", "something failed")
	readUntil(t, conn, TypeLog, "WARN")
}

func TestClosedClientIsDropped(t *testing.T) {
	hub, conn, _ := startHub(t)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Closed client was never removed")
		}
		hub.Publish(TypeLog, "", "ping")
		time.Sleep(10 * time.Millisecond)
	}
}
