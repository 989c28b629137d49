package engine

import (
	"context"
	"fmt"

	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/opgate"
	"github.com/pirorin215/fastrec-sub000/protocol"
)

// FetchSettings reads and parses the device's INI settings blob. The blob has
// no terminator, so the response ends after the settings quiet window.
func (e *Engine) FetchSettings(ctx context.Context) (protocol.DeviceSettings, error) {
	var settings protocol.DeviceSettings
	err := e.gate.WithOperation(ctx, opgate.FetchingSettings, func(ctx context.Context) error {
		payload, err := e.sendCommand(ctx, opgate.FetchingSettings, protocol.GetSettings(), e.cfg.Timeouts.Settings())
		if err != nil {
			return err
		}
		settings, err = protocol.ParseSettings(payload)
		return err
	})
	if err != nil {
		return protocol.DeviceSettings{}, fmt.Errorf("fetch settings: %w", err)
	}

	e.settings.Set(&settings)
	logger.Info(logPrefix, "⚙️  Fetched %d setting(s)", len(settings.Entries))
	return settings, nil
}

// PushSettings writes the record verbatim and, after the flush delay,
// publishes SettingsSent. The device does not acknowledge the write, so
// success only means the transport accepted it.
func (e *Engine) PushSettings(ctx context.Context, settings protocol.DeviceSettings) error {
	blob := settings.Format()
	err := e.gate.WithOperation(ctx, opgate.SendingSettings, func(ctx context.Context) error {
		link := e.LinkContext()
		if err := linkErr(ctx, link); err != nil {
			return err
		}
		if err := e.tr.WriteCommand(protocol.SetSettings(blob)); err != nil {
			return fmt.Errorf("write settings: %w", err)
		}
		return wait(ctx, link, e.cfg.SettingsFlush())
	})
	if err != nil {
		return fmt.Errorf("push settings: %w", err)
	}

	stored := settings
	e.settings.Set(&stored)
	logger.Info(logPrefix, "⚙️  Sent %d setting(s) (%d bytes, unacknowledged)", len(settings.Entries), len(blob))
	e.publish(Event{Kind: EventSettingsSent})
	return nil
}
