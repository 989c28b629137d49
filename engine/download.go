package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
)

// downloadReceiver hands packets from the event loop to the reassembly task.
// Delivery blocks while the packet queue is full, which slows the event loop
// rather than dropping chunks; done unblocks it once the download ends.
type downloadReceiver struct {
	packets chan []byte
	done    chan struct{}
}

func (r *downloadReceiver) deliver(data []byte) {
	select {
	case r.packets <- data:
	case <-r.done:
	}
}

// DownloadFile transfers one recording and hands it to storage. It returns
// the storage locator. No partial file is ever saved.
func (e *Engine) DownloadFile(ctx context.Context, file protocol.FileEntry) (string, error) {
	if e.deps.Storage == nil {
		return "", errors.New("download: no storage configured")
	}

	var locator string
	err := e.gate.WithOperation(ctx, opgate.DownloadingFile, func(ctx context.Context) error {
		data, err := e.download(ctx, file)
		if err != nil {
			return err
		}
		locator, err = e.deps.Storage.SaveFile(file.Name, data)
		if err != nil {
			return fmt.Errorf("save %s: %w", file.Name, err)
		}
		return nil
	})
	if err != nil {
		logger.Warn(logPrefix, "❌ Download %s failed: %v", file.Name, err)
		return "", fmt.Errorf("download %s: %w", file.Name, err)
	}

	logger.Info(logPrefix, "💾 Saved %s -> %s", file.Name, locator)
	e.publish(Event{Kind: EventFileDownloaded, File: file, Locator: locator})
	e.notify("New recording", file.Name)
	return locator, nil
}

// download runs the transfer state machine:
//
//	WaitingForStart --START--> Downloading --EOF--> Completed
//	       \                        |
//	        +--- ERROR: / watchdog / disconnect ---> Failed
//
// This goroutine is the reassembly task. Every burstSize chunks it signals
// the flow-control task, which writes the ACK.
func (e *Engine) download(ctx context.Context, file protocol.FileEntry) ([]byte, error) {
	link := e.LinkContext()
	if err := linkErr(ctx, link); err != nil {
		return nil, err
	}

	burst := e.BurstSize()
	watchdog := e.cfg.Timeouts.PacketWatchdog()
	m := &meter{e: e, metrics: TransferMetrics{
		TransferID:    newHandle(),
		File:          file.Name,
		TotalExpected: file.Size,
		State:         TransferWaitingForStart,
	}}
	m.publish()
	defer m.clear()

	rx := &downloadReceiver{
		packets: make(chan []byte, 4*burst+16),
		done:    make(chan struct{}),
	}
	detach := e.setReceiver(rx)
	defer detach()
	defer close(rx.done)

	acks := make(chan struct{}, 2)
	flowErr := make(chan error, 1)
	flowCtx, stopFlow := context.WithCancel(ctx)
	flowDone := make(chan struct{})
	go func() {
		defer close(flowDone)
		e.flowControl(flowCtx, acks, flowErr)
	}()
	defer func() {
		stopFlow()
		<-flowDone
	}()

	logger.Info(logPrefix, "⬇️  Requesting %s (%d bytes, burst %d) [%s]", file.Name, file.Size, burst, shortID(m.metrics.TransferID))
	if err := e.tr.WriteCommand(protocol.GetFile(file.Name, burst)); err != nil {
		return nil, m.fail(fmt.Errorf("write GET:file: %w", err))
	}

	timer := time.NewTimer(watchdog)
	defer timer.Stop()

	chunks := protocol.NewChunkBuffer()
	defer chunks.Reset()
	started := false
	received := 0

	for {
		select {
		case data := <-rx.packets:
			rearm(timer, watchdog)

			p, err := protocol.DecodePacket(data)
			if err != nil {
				return nil, m.fail(err)
			}

			switch p.Kind {
			case protocol.PacketStart:
				if err := e.tr.WriteAck([]byte(protocol.LitStartAck)); err != nil {
					return nil, m.fail(fmt.Errorf("write START_ACK: %w", err))
				}
				started = true
				received = 0
				chunks.Reset()
				m.start()
				logger.Debug(logPrefix, "▶️  START received, transfer running")

			case protocol.PacketChunk:
				if !started {
					logger.Debug(logPrefix, "Chunk %d before START ignored", p.Index)
					continue
				}
				chunks.Put(p.Index, p.Payload)
				received++
				m.progress(int64(chunks.Size()))
				logger.Trace(logPrefix, "Chunk %d (%d bytes), %d received", p.Index, len(p.Payload), received)

				if received%burst == 0 {
					select {
					case acks <- struct{}{}:
					case err := <-flowErr:
						return nil, m.fail(err)
					case <-link.Done():
						return nil, m.fail(protocol.ErrDisconnected)
					case <-ctx.Done():
						return nil, m.fail(ctx.Err())
					}
				}

			case protocol.PacketEOF:
				if !started {
					return nil, m.fail(&protocol.ProtocolError{Raw: "EOF before START"})
				}
				out := chunks.Bytes()
				m.complete(int64(len(out)))
				logger.Info(logPrefix, "✅ %s complete: %d chunks, %d bytes, %.1f KB/s", file.Name, chunks.Count(), len(out), m.metrics.ThroughputKBps)
				if file.Size > 0 && int64(len(out)) != file.Size {
					// Gaps are not detectable from the framing; the size mismatch is only reported
					logger.Warn(logPrefix, "⚠️  %s: received %d bytes, listing said %d", file.Name, len(out), file.Size)
				}
				return out, nil

			case protocol.PacketError:
				return nil, m.fail(&protocol.ProtocolError{Raw: p.Text})
			}

		case <-timer.C:
			return nil, m.fail(fmt.Errorf("no packet for %s after %d chunks: %w", watchdog, received, protocol.ErrTimeout))
		case err := <-flowErr:
			return nil, m.fail(err)
		case <-link.Done():
			return nil, m.fail(protocol.ErrDisconnected)
		case <-ctx.Done():
			return nil, m.fail(ctx.Err())
		}
	}
}

// flowControl writes one ACK per signal on acks. It is the only writer of
// ACKs during a transfer.
func (e *Engine) flowControl(ctx context.Context, acks <-chan struct{}, failed chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-acks:
			if err := e.tr.WriteAck([]byte(protocol.LitAck)); err != nil {
				select {
				case failed <- fmt.Errorf("write ACK: %w", err):
				default:
				}
				return
			}
		}
	}
}

func rearm(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// meter publishes TransferMetrics for one download
type meter struct {
	e       *Engine
	metrics TransferMetrics
	started time.Time
}

func (m *meter) publish() { m.e.metrics.Set(m.metrics) }

func (m *meter) start() {
	m.started = time.Now()
	m.metrics.BytesReceived = 0
	m.metrics.ThroughputKBps = 0
	m.metrics.State = TransferDownloading
	m.publish()
}

func (m *meter) progress(bytes int64) {
	m.metrics.BytesReceived = bytes
	if secs := time.Since(m.started).Seconds(); secs > 0 {
		m.metrics.ThroughputKBps = float64(bytes) / 1024 / secs
	}
	m.publish()
}

func (m *meter) complete(bytes int64) {
	m.progress(bytes)
	m.metrics.State = TransferCompleted
	m.publish()
}

func (m *meter) fail(err error) error {
	m.metrics.State = TransferFailed
	m.publish()
	return err
}

// clear resets the metrics once the transfer's final state has been published
func (m *meter) clear() {
	m.e.metrics.Set(TransferMetrics{State: TransferIdle})
}
