package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
)

// receiver consumes response notifications while it owns the response slot.
// Only the gate holder installs a receiver, so there is at most one.
type receiver interface {
	deliver(data []byte)
}

// setReceiver installs r as the destination for notifications. The returned
// func removes it if it is still installed.
func (e *Engine) setReceiver(r receiver) func() {
	e.rxMu.Lock()
	e.rx = r
	e.rxMu.Unlock()
	return func() {
		e.rxMu.Lock()
		if e.rx == r {
			e.rx = nil
		}
		e.rxMu.Unlock()
	}
}

// dispatch hands a notification to the current receiver, dropping it if none
func (e *Engine) dispatch(data []byte) {
	e.rxMu.Lock()
	r := e.rx
	e.rxMu.Unlock()
	if r == nil {
		logger.Trace(logPrefix, "Unsolicited notification dropped (%d bytes): %q", len(data), preview(data))
		return
	}
	r.deliver(data)
}

// pendingCommand is the one-shot completion handle for a text command. It is
// resolved exactly once, by a terminal fragment, the quiet window, or not at
// all (the caller then times out or sees the link drop).
type pendingCommand struct {
	id        uuid.UUID
	mu        sync.Mutex
	collector *protocol.Collector
	result    chan protocol.Completion
	quiet     time.Duration
	timer     *time.Timer
	stopped   bool
}

func newPendingCommand(kind opgate.Kind, quiet time.Duration) *pendingCommand {
	return &pendingCommand{
		id:        uuid.New(),
		collector: protocol.NewCollector(kind),
		result:    make(chan protocol.Completion, 1),
		quiet:     quiet,
	}
}

func (p *pendingCommand) deliver(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	comp, done := p.collector.Feed(data)
	if done {
		p.resolveLocked(comp)
		return
	}
	if p.collector.NeedsQuietPeriod() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timer = time.AfterFunc(p.quiet, p.flush)
	}
}

func (p *pendingCommand) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if comp, done := p.collector.Flush(); done {
		p.resolveLocked(comp)
	}
}

// Must be called with lock held
func (p *pendingCommand) resolveLocked(comp protocol.Completion) {
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case p.result <- comp:
	default:
	}
}

func (p *pendingCommand) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// sendCommand writes text and waits for the kind-specific completion. The
// caller must hold the gate for kind. The response buffer is discarded on
// every exit path.
func (e *Engine) sendCommand(ctx context.Context, kind opgate.Kind, text string, timeout time.Duration) (string, error) {
	link := e.LinkContext()
	if err := linkErr(ctx, link); err != nil {
		return "", err
	}

	p := newPendingCommand(kind, e.cfg.Timeouts.SettingsQuiet())
	detach := e.setReceiver(p)
	defer detach()
	defer p.stop()

	logger.Debug(logPrefix, "📤 %s [%s]", commandLabel(text), shortID(p.id.String()))
	if err := e.tr.WriteCommand(text); err != nil {
		return "", fmt.Errorf("write %s: %w", commandLabel(text), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case comp := <-p.result:
		if comp.Err != nil {
			logger.Warn(logPrefix, "❌ %s failed: %v", commandLabel(text), comp.Err)
			return "", comp.Err
		}
		logger.Debug(logPrefix, "📥 %s [%s] %d bytes", commandLabel(text), shortID(p.id.String()), len(comp.Payload))
		return comp.Payload, nil
	case <-timer.C:
		logger.Warn(logPrefix, "⏱️  %s timed out after %s (buffered %d bytes)", commandLabel(text), timeout, len(p.buffered()))
		return "", fmt.Errorf("%s: %w", kind, protocol.ErrTimeout)
	case <-link.Done():
		return "", fmt.Errorf("%s: %w", kind, protocol.ErrDisconnected)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *pendingCommand) buffered() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collector.Buffered()
}

// commandLabel shortens commands carrying payloads (settings blobs) for logs
func commandLabel(text string) string {
	if strings.HasPrefix(text, protocol.CmdSetSettings) {
		return fmt.Sprintf("%s<%d bytes>", protocol.CmdSetSettings, len(text)-len(protocol.CmdSetSettings))
	}
	return text
}

func preview(data []byte) string {
	if len(data) > 32 {
		return string(data[:32]) + "..."
	}
	return string(data)
}
