// Package config loads the recorder client configuration from config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/blang/semver"
	"github.com/gobwas/glob"
)

// Config defines the structure of the config.json file.
type Config struct {
	Device struct {
		Name             string `json:"name"`              // Advertised name matched during scan and bonded lookup
		PreferredAddress string `json:"preferred_address"` // Bonded device to prefer over scanning
		MTU              int    `json:"mtu"`               // MTU requested on every connection
		MinFirmware      string `json:"min_firmware"`      // Semver; older devices are reported once per connection
	} `json:"device"`

	Transfer struct {
		BurstSize          int      `json:"burst_size"`          // Chunks accepted before a flow-control ACK
		RecordingExtension string   `json:"recording_extension"` // Passed to GET:ls:<ext>
		FilePatterns       []string `json:"file_patterns"`       // Globs a listed file must match to be synced
		MaxDeleteRetries   int      `json:"max_delete_retries"`  // Retries after the first DEL attempt
		DeleteRetryDelayMs int      `json:"delete_retry_delay_ms"`
	} `json:"transfer"`

	Polling struct {
		InfoRetryCount      int     `json:"info_retry_count"` // Samples taken per device-info poll
		InfoRetryDelayMs    int     `json:"info_retry_delay_ms"`
		TimeSyncIntervalMs  int     `json:"time_sync_interval_ms"`
		LowVoltageThreshold float64 `json:"low_voltage_threshold"` // Volts; 0 disables the notification
	} `json:"polling"`

	Sync struct {
		FileListMaxAttempts  int `json:"file_list_max_attempts"` // Attempts while the device is busy recording
		FileListRetryDelayMs int `json:"file_list_retry_delay_ms"`
	} `json:"sync"`

	Connection struct {
		ReconnectSettleMs   int  `json:"reconnect_settle_ms"`    // Wait after an error before rediscovery
		ForceReconnectMs    int  `json:"force_reconnect_ms"`     // Wait between disconnect and rediscovery
		AutoReconnect       bool `json:"auto_reconnect"`         // Rediscover after a device-side disconnect
		SettingsFlushMs     int  `json:"settings_flush_ms"`      // Wait after SET:setting_ini before signalling completion
		ConnectAttemptLimit int  `json:"connect_attempt_limit"` // 0 = unlimited; only used by one-shot CLI commands
	} `json:"connection"`

	Timeouts Timeouts `json:"timeouts"`

	Logging struct {
		Level string `json:"level"`
	} `json:"logging"`

	Feed struct {
		Addr string `json:"addr"` // Websocket feed listen address; empty disables
	} `json:"feed"`

	DataDir string `json:"data_dir"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load reads and validates the configuration at path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	return nil
}

func setDefaults(cfg *Config) {
	cfg.Device.Name = "fastrec"
	cfg.Device.MTU = 517

	cfg.Transfer.BurstSize = 8
	cfg.Transfer.RecordingExtension = "wav"
	cfg.Transfer.FilePatterns = []string{"*.wav"}
	cfg.Transfer.MaxDeleteRetries = 3
	cfg.Transfer.DeleteRetryDelayMs = 1000

	cfg.Polling.InfoRetryCount = 3
	cfg.Polling.InfoRetryDelayMs = 500
	cfg.Polling.TimeSyncIntervalMs = 5 * 60 * 1000
	cfg.Polling.LowVoltageThreshold = 3.4

	cfg.Sync.FileListMaxAttempts = 10
	cfg.Sync.FileListRetryDelayMs = 5000

	cfg.Connection.ReconnectSettleMs = 2000
	cfg.Connection.ForceReconnectMs = 1000
	cfg.Connection.AutoReconnect = true
	cfg.Connection.SettingsFlushMs = 300

	cfg.Timeouts = DefaultTimeouts()

	cfg.Logging.Level = "INFO"
	cfg.Feed.Addr = "127.0.0.1:8765"
}

// Validate checks ranges and syntax of every field
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.PreferredAddress == "" {
		return fmt.Errorf("config: device.name or device.preferred_address is required")
	}
	if c.Device.MTU < 23 || c.Device.MTU > 517 {
		return fmt.Errorf("config: device.mtu must be within 23..517, got %d", c.Device.MTU)
	}
	if c.Device.MinFirmware != "" {
		if _, err := semver.ParseTolerant(c.Device.MinFirmware); err != nil {
			return fmt.Errorf("config: device.min_firmware %q: %w", c.Device.MinFirmware, err)
		}
	}
	if c.Transfer.BurstSize < 1 {
		return fmt.Errorf("config: transfer.burst_size must be >= 1, got %d", c.Transfer.BurstSize)
	}
	if c.Transfer.MaxDeleteRetries < 0 {
		return fmt.Errorf("config: transfer.max_delete_retries must be >= 0")
	}
	if _, err := c.Globs(); err != nil {
		return err
	}
	if c.Polling.InfoRetryCount < 1 {
		return fmt.Errorf("config: polling.info_retry_count must be >= 1")
	}
	if c.Polling.TimeSyncIntervalMs < 0 {
		return fmt.Errorf("config: polling.time_sync_interval_ms must be >= 0")
	}
	if c.Sync.FileListMaxAttempts < 1 {
		return fmt.Errorf("config: sync.file_list_max_attempts must be >= 1")
	}
	return c.Timeouts.validate()
}

// Globs compiles Transfer.FilePatterns
func (c *Config) Globs() ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(c.Transfer.FilePatterns))
	for _, pattern := range c.Transfer.FilePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("config: invalid file pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// MinFirmwareVersion returns the parsed device.min_firmware, if set
func (c *Config) MinFirmwareVersion() (semver.Version, bool) {
	if c.Device.MinFirmware == "" {
		return semver.Version{}, false
	}
	v, err := semver.ParseTolerant(c.Device.MinFirmware)
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

func (c *Config) DeleteRetryDelay() time.Duration { return ms(c.Transfer.DeleteRetryDelayMs) }
func (c *Config) InfoRetryDelay() time.Duration   { return ms(c.Polling.InfoRetryDelayMs) }
func (c *Config) TimeSyncInterval() time.Duration { return ms(c.Polling.TimeSyncIntervalMs) }
func (c *Config) FileListRetryDelay() time.Duration {
	return ms(c.Sync.FileListRetryDelayMs)
}
func (c *Config) ReconnectSettle() time.Duration { return ms(c.Connection.ReconnectSettleMs) }
func (c *Config) ForceReconnectDelay() time.Duration {
	return ms(c.Connection.ForceReconnectMs)
}
func (c *Config) SettingsFlush() time.Duration { return ms(c.Connection.SettingsFlushMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
