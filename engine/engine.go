// Package engine drives one recorder over a transport.Transport: connection
// lifecycle, command/response exchange, chunked downloads, deletes, device
// polling and settings. Every device operation goes through a single
// opgate.Gate so that at most one is in flight.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pirorin215/fastrec-sub000/config"
	"github.com/pirorin215/fastrec-sub000/history"
	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/observe"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
	"github.com/pirorin215/fastrec-sub000/transport"
)

const logPrefix = "engine"

// HistoryStore persists telemetry samples
type HistoryStore interface {
	AddEntry(ts time.Time, loc *history.Location, batteryLevel, batteryVoltage *float64) error
}

// FileStore receives completed downloads
type FileStore interface {
	SaveFile(name string, data []byte) (locator string, err error)
}

// Notifier delivers user-facing notifications (low battery, new recording)
type Notifier interface {
	Notify(title, message string)
}

// Deps are the engine's external collaborators. Nil collaborators are skipped,
// except Storage which DownloadFile requires.
type Deps struct {
	History  HistoryStore
	Storage  FileStore
	Notifier Notifier
}

// Engine owns the connection to one recorder
type Engine struct {
	cfg  *config.Config
	tr   transport.Transport
	deps Deps
	gate *opgate.Gate

	state    *observe.Value[ConnectionState]
	files    *observe.Value[[]protocol.FileEntry]
	info     *observe.Value[*protocol.DeviceInfo]
	settings *observe.Value[*protocol.DeviceSettings]
	metrics  *observe.Value[TransferMetrics]
	events   *observe.Bus[Event]

	burstSize atomic.Int32
	mtu       atomic.Int32

	rxMu sync.Mutex
	rx   receiver

	linkMu     sync.Mutex
	linkCtx    context.Context
	linkCancel context.CancelFunc
	linkID     string
	readyFor   string

	retryMu     sync.Mutex
	retryCancel context.CancelFunc

	discovering    atomic.Bool
	userDisconnect atomic.Bool
	firmwareWarned atomic.Bool

	runCtx  context.Context
	stopRun context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// New creates an engine. Call Start before any other operation.
func New(cfg *config.Config, tr transport.Transport, deps Deps) *Engine {
	closed, cancel := context.WithCancel(context.Background())
	cancel()

	e := &Engine{
		cfg:      cfg,
		tr:       tr,
		deps:     deps,
		gate:     opgate.New(),
		state:    observe.NewValue(ConnectionState{Kind: StateDisconnected}),
		files:    observe.NewValue([]protocol.FileEntry{}),
		info:     observe.NewValue[*protocol.DeviceInfo](nil),
		settings: observe.NewValue[*protocol.DeviceSettings](nil),
		metrics:  observe.NewValue(TransferMetrics{}),
		linkCtx:  closed,
		runCtx:   closed,
		stopRun:  func() {},
		now:      time.Now,
	}
	e.events = observe.NewBus(func(ev Event) {
		logger.Warn(logPrefix, "⚠️  Event %s dropped: subscriber is not keeping up", ev.Kind)
	})
	e.burstSize.Store(int32(cfg.Transfer.BurstSize))
	e.mtu.Store(transport.DefaultMTU)
	return e
}

// Start runs the transport event loop and the periodic time sync until ctx
// ends or Stop is called. It does not connect; call Connect for that.
func (e *Engine) Start(ctx context.Context) {
	e.runCtx, e.stopRun = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.eventLoop(e.runCtx)
	}()

	if e.cfg.TimeSyncInterval() > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.timeSyncLoop(e.runCtx)
		}()
	}
}

// Stop disconnects and waits for the engine's goroutines to exit
func (e *Engine) Stop() {
	e.userDisconnect.Store(true)
	e.cancelRetry()
	e.cancelLink()
	if err := e.tr.Disconnect(); err != nil {
		logger.Debug(logPrefix, "Disconnect on stop: %v", err)
	}
	e.stopRun()
	e.wg.Wait()
}

// State is the observable connection state
func (e *Engine) State() *observe.Value[ConnectionState] { return e.state }

// Operation is the observable operation-kind register
func (e *Engine) Operation() *observe.Value[opgate.Kind] { return e.gate.Observe() }

// Files is the observable directory cache. Slices are replaced, never mutated.
func (e *Engine) Files() *observe.Value[[]protocol.FileEntry] { return e.files }

// DeviceInfo is the observable authoritative device-info sample (nil until polled)
func (e *Engine) DeviceInfo() *observe.Value[*protocol.DeviceInfo] { return e.info }

// Settings is the observable last fetched or pushed settings record
func (e *Engine) Settings() *observe.Value[*protocol.DeviceSettings] { return e.settings }

// Metrics is the observable transfer progress
func (e *Engine) Metrics() *observe.Value[TransferMetrics] { return e.metrics }

// Subscribe registers for engine events
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.Subscribe(buffer)
}

// SetBurstSize changes the download flow-control burst for the next download
func (e *Engine) SetBurstSize(n int) {
	if n < 1 {
		logger.Warn(logPrefix, "Ignoring invalid burst size %d", n)
		return
	}
	if old := e.burstSize.Swap(int32(n)); int(old) != n {
		logger.Info(logPrefix, "🔧 Burst size %d -> %d", old, n)
	}
}

// BurstSize returns the current download burst size
func (e *Engine) BurstSize() int { return int(e.burstSize.Load()) }

// MTU returns the MTU negotiated on the current link
func (e *Engine) MTU() int { return int(e.mtu.Load()) }

// LinkContext returns a context cancelled when the current link drops or
// fails. Before the first connection it is already cancelled.
func (e *Engine) LinkContext() context.Context {
	e.linkMu.Lock()
	defer e.linkMu.Unlock()
	return e.linkCtx
}

func (e *Engine) newLink() string {
	e.linkMu.Lock()
	defer e.linkMu.Unlock()
	if e.linkCancel != nil {
		e.linkCancel()
	}
	e.linkCtx, e.linkCancel = context.WithCancel(e.runCtx)
	e.linkID = newHandle()
	e.readyFor = ""
	return e.linkID
}

func (e *Engine) cancelLink() {
	e.linkMu.Lock()
	defer e.linkMu.Unlock()
	if e.linkCancel != nil {
		e.linkCancel()
	}
}

func (e *Engine) publish(ev Event) {
	e.events.Publish(ev)
}

func (e *Engine) notify(title, message string) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(title, message)
	}
}

// linkErr maps a finished link or caller context to the error an operation reports
func linkErr(ctx, link context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if link.Err() != nil {
		return protocol.ErrDisconnected
	}
	return nil
}

// wait sleeps for d unless ctx or the link ends first
func wait(ctx, link context.Context, d time.Duration) error {
	if err := linkErr(ctx, link); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-link.Done():
		return protocol.ErrDisconnected
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
