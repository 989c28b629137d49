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

// PollDeviceInfo takes InfoRetryCount samples under one gate hold and keeps
// the one with the highest voltage. The winner is persisted to history,
// checked against the low-voltage threshold and published.
func (e *Engine) PollDeviceInfo(ctx context.Context) (protocol.DeviceInfo, error) {
	n := e.cfg.Polling.InfoRetryCount
	var samples []protocol.DeviceInfo

	err := e.gate.WithOperation(ctx, opgate.FetchingDeviceInfo, func(ctx context.Context) error {
		link := e.LinkContext()
		var lastErr error
		for i := 0; i < n; i++ {
			if i > 0 {
				if err := wait(ctx, link, e.cfg.InfoRetryDelay()); err != nil {
					return err
				}
			}
			payload, err := e.sendCommand(ctx, opgate.FetchingDeviceInfo, protocol.GetInfo(), e.cfg.Timeouts.DeviceInfo())
			if err == nil {
				var info protocol.DeviceInfo
				if info, err = protocol.ParseDeviceInfo(payload); err == nil {
					logger.Debug(logPrefix, "🔋 Sample %d/%d: %.3fV %.0f%%", i+1, n, info.BatteryVoltage, info.BatteryLevel)
					samples = append(samples, info)
					continue
				}
			}
			if ctx.Err() != nil || errors.Is(err, protocol.ErrDisconnected) {
				return err
			}
			lastErr = err
			logger.Warn(logPrefix, "⚠️  Device info sample %d/%d failed: %v", i+1, n, err)
		}
		if len(samples) == 0 {
			return fmt.Errorf("no usable sample in %d attempts: %w", n, lastErr)
		}
		return nil
	})
	if err != nil {
		return protocol.DeviceInfo{}, fmt.Errorf("poll device info: %w", err)
	}

	best, _ := protocol.BestSample(samples)
	e.info.Set(&best)
	logger.Info(logPrefix, "🔋 Battery %.3fV %.0f%% (best of %d), state %s, firmware %s", best.BatteryVoltage, best.BatteryLevel, len(samples), best.AppState, best.Version)
	logger.DebugJSON(logPrefix, "Device info samples", samples)

	if e.deps.History != nil {
		level, voltage := best.BatteryLevel, best.BatteryVoltage
		if err := e.deps.History.AddEntry(e.now(), nil, &level, &voltage); err != nil {
			logger.Warn(logPrefix, "⚠️  Failed to record history: %v", err)
		}
	}

	e.checkFirmware(best)

	if threshold := e.cfg.Polling.LowVoltageThreshold; threshold > 0 && best.BatteryVoltage < threshold {
		logger.Warn(logPrefix, "🪫 Low battery: %.3fV < %.2fV", best.BatteryVoltage, threshold)
		e.publish(Event{Kind: EventLowBattery, Info: best})
		e.notify("Recorder battery low", fmt.Sprintf("%.2fV (%.0f%%)", best.BatteryVoltage, best.BatteryLevel))
	}

	e.publish(Event{Kind: EventDeviceInfoUpdated, Info: best})
	return best, nil
}

// checkFirmware warns once per connection when the device runs firmware
// older than min_firmware
func (e *Engine) checkFirmware(info protocol.DeviceInfo) {
	required, ok := e.cfg.MinFirmwareVersion()
	if !ok || info.Version == "" || e.firmwareWarned.Load() {
		return
	}
	v, err := info.FirmwareVersion()
	if err != nil {
		logger.Debug(logPrefix, "Unparseable firmware version %q: %v", info.Version, err)
		return
	}
	if v.LT(required) && e.firmwareWarned.CompareAndSwap(false, true) {
		logger.Warn(logPrefix, "⚠️  Firmware %s is older than required %s", v, required)
	}
}

// SyncTime sets the device clock, waiting for the gate to be free. Use it
// when a guaranteed attempt is needed; the periodic job may be skipped.
func (e *Engine) SyncTime(ctx context.Context) error {
	err := e.gate.WithOperation(ctx, opgate.SendingTime, e.sendTime)
	if err != nil {
		return fmt.Errorf("sync time: %w", err)
	}
	return nil
}

func (e *Engine) sendTime(ctx context.Context) error {
	now := e.now()
	if _, err := e.sendCommand(ctx, opgate.SendingTime, protocol.SetTime(now), e.cfg.Timeouts.TimeSync()); err != nil {
		return err
	}
	logger.Info(logPrefix, "🕒 Device clock set to %s", now.Format(time.RFC3339))
	return nil
}

// timeSyncLoop is the best-effort periodic time sync. It never waits for the
// gate: a tick that finds another operation in flight is skipped.
func (e *Engine) timeSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TimeSyncInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.state.Get().Kind != StateConnected {
				continue
			}
			ran, err := e.gate.TryWithOperation(ctx, opgate.SendingTime, e.sendTime)
			switch {
			case !ran && err == nil:
				logger.Debug(logPrefix, "Periodic time sync skipped: %s in progress", e.gate.Current())
			case err != nil:
				logger.Warn(logPrefix, "⚠️  Periodic time sync failed: %v", err)
			}
		}
	}
}
