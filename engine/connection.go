package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/protocol"
	"github.com/pirorin215/fastrec-sub000/transport"
)

// eventLoop is the single consumer of transport events
func (e *Engine) eventLoop(ctx context.Context) {
	events := e.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnectionState:
		e.handleLinkState(ctx, ev)

	case transport.EventMTUChanged:
		e.mtu.Store(int32(ev.MTU))
		logger.Info(logPrefix, "📏 MTU negotiated: %d (chunk payload %d bytes)", ev.MTU, ev.MTU-transport.ATTHeaderSize-protocol.ChunkHeaderSize)

	case transport.EventReady:
		e.linkMu.Lock()
		handle := e.linkID
		already := e.readyFor == handle
		e.readyFor = handle
		e.linkMu.Unlock()
		if already || e.state.Get().Kind != StateConnected {
			return
		}
		if err := e.tr.RequestHighPriority(); err != nil {
			logger.Warn(logPrefix, "⚠️  High-priority request failed: %v", err)
		}
		logger.Info(logPrefix, "✅ Device ready [%s]", shortID(handle))
		e.publish(Event{Kind: EventDeviceReady, Handle: handle})

	case transport.EventCharacteristicChanged:
		if ev.Characteristic != "" && !strings.EqualFold(ev.Characteristic, transport.ResponseCharUUID) {
			logger.Trace(logPrefix, "Notification on unexpected characteristic %s ignored", ev.Characteristic)
			return
		}
		e.dispatch(ev.Data)
	}
}

func (e *Engine) handleLinkState(ctx context.Context, ev transport.Event) {
	switch ev.Link {
	case transport.LinkConnecting:
		e.setState(ConnectionState{Kind: StateConnecting, Address: ev.Address})

	case transport.LinkConnected:
		if e.userDisconnect.Load() {
			// A connect that was already in flight when Disconnect ran
			logger.Info(logPrefix, "🔌 Dropping connection to %s after user disconnect", ev.Address)
			go e.tr.Disconnect()
			return
		}
		handle := e.newLink()
		e.firmwareWarned.Store(false)
		e.setState(ConnectionState{Kind: StateConnected, Address: ev.Address, Handle: handle})
		if err := e.tr.RequestMTU(e.cfg.Device.MTU); err != nil {
			logger.Warn(logPrefix, "⚠️  MTU request failed: %v", err)
		}

	case transport.LinkDisconnected:
		e.cancelLink()
		e.mtu.Store(transport.DefaultMTU)
		e.setState(ConnectionState{Kind: StateDisconnected})
		if !e.userDisconnect.Load() && e.cfg.Connection.AutoReconnect {
			e.scheduleReconnect(ctx, "device-side disconnect", nil)
		}

	case transport.LinkError:
		err := ev.Err
		if err == nil {
			err = errors.New("transport error")
		}
		e.enterError(ctx, err)
	}
}

// setState is the only writer of the connection state; every transition is logged
func (e *Engine) setState(s ConnectionState) {
	prev := e.state.Get()
	e.state.Set(s)
	if prev != s {
		logger.Info(logPrefix, "🔀 %s -> %s", prev, s)
	}
}

// enterError cancels everything bound to the link, releases transport
// resources, then restarts discovery after the settle delay. There is no
// retry cap: a sleeping device is expected to come back eventually.
func (e *Engine) enterError(ctx context.Context, err error) {
	e.cancelLink()
	e.setState(ConnectionState{Kind: StateError, Reason: err.Error()})
	logger.Error(logPrefix, "❌ Link error: %v", err)

	e.scheduleReconnect(ctx, "link error", func() {
		if cerr := e.tr.Close(); cerr != nil {
			logger.Warn(logPrefix, "⚠️  Transport cleanup failed: %v", cerr)
		}
	})
}

// scheduleReconnect runs before (if set), waits the settle delay and
// rediscovers. Disconnect cancels a scheduled reconnect at any point.
func (e *Engine) scheduleReconnect(ctx context.Context, reason string, before func()) {
	retry := e.retryContext(ctx)
	go func() {
		if before != nil {
			before()
		}
		if !sleepCtx(retry, e.cfg.ReconnectSettle()) || e.userDisconnect.Load() {
			return
		}
		logger.Info(logPrefix, "🔄 Reconnecting after %s", reason)
		if err := e.discover(retry); err != nil && retry.Err() == nil {
			e.enterError(ctx, err)
		}
	}()
}

// retryContext replaces the context of the pending reconnect, cancelling
// any earlier one
func (e *Engine) retryContext(ctx context.Context) context.Context {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if e.retryCancel != nil {
		e.retryCancel()
	}
	retry, cancel := context.WithCancel(ctx)
	e.retryCancel = cancel
	return retry
}

func (e *Engine) cancelRetry() {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
}

// Connect finds the recorder and starts connecting. It returns once the
// transport has accepted the connect request; readiness is signalled by an
// EventDeviceReady.
func (e *Engine) Connect(ctx context.Context) error {
	e.userDisconnect.Store(false)
	return e.discover(ctx)
}

// Disconnect drops the link and suppresses automatic reconnection until the
// next Connect or ForceReconnect.
func (e *Engine) Disconnect() error {
	e.userDisconnect.Store(true)
	e.cancelRetry()
	e.cancelLink()
	err := e.tr.Disconnect()
	if s := e.state.Get().Kind; s != StateDisconnected {
		e.setState(ConnectionState{Kind: StateDisconnected})
	}
	return err
}

// ForceReconnect disconnects, waits a short fixed delay and rediscovers,
// whatever the current state
func (e *Engine) ForceReconnect(ctx context.Context) error {
	logger.Info(logPrefix, "🔄 Forced reconnect")
	if err := e.Disconnect(); err != nil {
		logger.Warn(logPrefix, "⚠️  Disconnect before reconnect failed: %v", err)
	}
	if !sleepCtx(ctx, e.cfg.ForceReconnectDelay()) {
		return ctx.Err()
	}
	e.userDisconnect.Store(false)
	return e.discover(ctx)
}

// discover runs Pairing -> Paired -> Connecting. Concurrent callers collapse
// into the one already running.
func (e *Engine) discover(ctx context.Context) error {
	if !e.discovering.CompareAndSwap(false, true) {
		logger.Debug(logPrefix, "Discovery already running")
		return nil
	}
	defer e.discovering.Store(false)

	switch e.state.Get().Kind {
	case StateConnected, StateConnecting:
		return nil
	}

	e.setState(ConnectionState{Kind: StatePairing})
	dev, err := e.findDevice(ctx)
	if err != nil {
		e.setState(ConnectionState{Kind: StateDisconnected, Reason: err.Error()})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	e.setState(ConnectionState{Kind: StatePaired, Address: dev.Address})
	e.setState(ConnectionState{Kind: StateConnecting, Address: dev.Address})
	if err := e.tr.Connect(e.runCtx, dev.Address); err != nil {
		// discover is a no-op while Connecting
		e.setState(ConnectionState{Kind: StateDisconnected, Address: dev.Address, Reason: err.Error()})
		return fmt.Errorf("connect %s: %w", dev.Address, err)
	}
	return nil
}

// findDevice prefers the configured bonded address, then any bonded device
// with the configured name, and only then scans
func (e *Engine) findDevice(ctx context.Context) (transport.Device, error) {
	want := e.cfg.Device
	bonded, err := e.tr.Bonded()
	if err != nil {
		logger.Warn(logPrefix, "⚠️  Could not list bonded devices: %v", err)
	}
	for _, d := range bonded {
		if want.PreferredAddress != "" && strings.EqualFold(d.Address, want.PreferredAddress) {
			logger.Info(logPrefix, "🔗 Using preferred bonded device %s", d.Address)
			return d, nil
		}
	}
	for _, d := range bonded {
		if want.Name != "" && d.Name == want.Name {
			logger.Info(logPrefix, "🔗 Using bonded device %s (%s)", d.Name, d.Address)
			return d, nil
		}
	}

	if want.Name == "" {
		if want.PreferredAddress != "" {
			return transport.Device{Address: want.PreferredAddress}, nil
		}
		return transport.Device{}, errors.New("no device name or address configured")
	}

	logger.Info(logPrefix, "🔍 Scanning for %q", want.Name)
	d, err := e.tr.Scan(ctx, want.Name)
	if err != nil {
		return transport.Device{}, fmt.Errorf("scan for %q: %w", want.Name, err)
	}
	logger.Info(logPrefix, "📡 Found %s (%s)", d.Name, d.Address)
	return d, nil
}
