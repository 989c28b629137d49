package config

import (
	"fmt"
	"time"
)

// Timeouts holds the per-operation budgets. There is no global timeout:
// each command kind and the download packet watchdog have their own.
type Timeouts struct {
	TimeSyncMs       int `json:"time_sync_ms"`
	DeviceInfoMs     int `json:"device_info_ms"`
	FileListMs       int `json:"file_list_ms"`
	SettingsMs       int `json:"settings_ms"`
	SettingsQuietMs  int `json:"settings_quiet_ms"` // Idle window that terminates a settings blob
	DeleteAckMs      int `json:"delete_ack_ms"`
	PacketWatchdogMs int `json:"packet_watchdog_ms"` // Max silence between download packets
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		TimeSyncMs:       5000,
		DeviceInfoMs:     10000,
		FileListMs:       15000,
		SettingsMs:       10000,
		SettingsQuietMs:  500,
		DeleteAckMs:      5000,
		PacketWatchdogMs: 5000,
	}
}

func (t Timeouts) TimeSync() time.Duration       { return ms(t.TimeSyncMs) }
func (t Timeouts) DeviceInfo() time.Duration     { return ms(t.DeviceInfoMs) }
func (t Timeouts) FileList() time.Duration       { return ms(t.FileListMs) }
func (t Timeouts) Settings() time.Duration       { return ms(t.SettingsMs) }
func (t Timeouts) SettingsQuiet() time.Duration  { return ms(t.SettingsQuietMs) }
func (t Timeouts) DeleteAck() time.Duration      { return ms(t.DeleteAckMs) }
func (t Timeouts) PacketWatchdog() time.Duration { return ms(t.PacketWatchdogMs) }

func (t Timeouts) validate() error {
	fields := map[string]int{
		"time_sync_ms":       t.TimeSyncMs,
		"device_info_ms":     t.DeviceInfoMs,
		"file_list_ms":       t.FileListMs,
		"settings_ms":        t.SettingsMs,
		"settings_quiet_ms":  t.SettingsQuietMs,
		"delete_ack_ms":      t.DeleteAckMs,
		"packet_watchdog_ms": t.PacketWatchdogMs,
	}
	for name, v := range fields {
		if v <= 0 {
			return fmt.Errorf("config: timeouts.%s must be > 0, got %d", name, v)
		}
	}
	return nil
}
