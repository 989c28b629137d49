// Package feed pushes engine activity to websocket clients: events, state
// and transfer progress, failures from the logger, and notifications.
package feed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pirorin215/fastrec-sub000/engine"
	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/observe"
	"github.com/pirorin215/fastrec-sub000/opgate"
)

const logPrefix = "feed"

// Message types
const (
	TypeHello        = "hello"
	TypeEvent        = "event"
	TypeState        = "state"
	TypeOperation    = "operation"
	TypeMetrics      = "metrics"
	TypeLog          = "log"
	TypeNotification = "notification"
)

// Message is the JSON frame sent to clients
type Message struct {
	Type    string      `json:"type"`
	Name    string      `json:"name,omitempty"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// Notification is the payload of a notification message
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Source is the engine surface the hub forwards
type Source interface {
	Subscribe(buffer int) (<-chan engine.Event, func())
	State() *observe.Value[engine.ConnectionState]
	Operation() *observe.Value[opgate.Kind]
	Metrics() *observe.Value[engine.TransferMetrics]
}

// Hub fans messages out to every connected websocket client
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	queue        chan Message
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		queue:   make(chan Message, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: 250 * time.Millisecond,
	}
}

// ServeHTTP upgrades the request and registers the client. The hello frame
// carries the recent failure log so late joiners see what went wrong.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug(logPrefix, "Upgrade failed: %v", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := conn.WriteJSON(Message{Type: TypeHello, Time: time.Now(), Payload: logger.Recent()}); err != nil {
		conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	logger.Info(logPrefix, "🔌 Client %s joined (%d connected)", r.RemoteAddr, n)

	// Clients only listen; reading detects the close
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish queues a message for broadcast. It never blocks: when the queue is
// full the message is dropped.
func (h *Hub) Publish(msgType, name string, payload interface{}) {
	msg := Message{Type: msgType, Name: name, Time: time.Now(), Payload: payload}
	select {
	case h.queue <- msg:
	default:
		logger.Debug(logPrefix, "Queue full, dropped %s message", msgType)
	}
}

// Notify implements engine.Notifier
func (h *Hub) Notify(title, message string) {
	h.Publish(TypeNotification, "", Notification{Title: title, Message: message})
}

// Run broadcasts queued messages until ctx ends, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.queue:
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.WriteJSON(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		logger.Debug(logPrefix, "Dropping slow or closed client %s", conn.RemoteAddr())
		h.remove(conn)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(h.writeTimeout))
		conn.Close()
		delete(h.clients, conn)
	}
}

// Forward publishes src's events, state, operation and metrics changes and
// every logged failure until ctx ends
func (h *Hub) Forward(ctx context.Context, src Source) {
	events, unsubscribe := src.Subscribe(64)
	removeHook := logger.AddHook(func(e logger.Entry) {
		h.Publish(TypeLog, e.Level, e)
	})

	go func() {
		defer unsubscribe()
		defer removeHook()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				h.Publish(TypeEvent, ev.Kind.String(), ev)
			}
		}
	}()

	forwardValue(ctx, h, TypeState, src.State(), func(s engine.ConnectionState) string { return s.Kind.String() })
	forwardValue(ctx, h, TypeOperation, src.Operation(), func(k opgate.Kind) string { return k.String() })
	forwardValue(ctx, h, TypeMetrics, src.Metrics(), func(m engine.TransferMetrics) string { return m.State.String() })
}

func forwardValue[T any](ctx context.Context, h *Hub, msgType string, v *observe.Value[T], name func(T) string) {
	updates, cancel := v.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-updates:
				h.Publish(msgType, name(u), u)
			}
		}
	}()
}

// Serve runs an HTTP server exposing the hub at /ws until ctx ends
func Serve(ctx context.Context, addr string, h *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info(logPrefix, "📡 Feed listening on ws://%s/ws", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
