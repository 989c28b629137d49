package protocol

import (
	"encoding/json"

	"github.com/blang/semver"
)

// DeviceInfo is one telemetry sample returned by GET:info
type DeviceInfo struct {
	BatteryLevel   float64 `json:"battery_level"`
	BatteryVoltage float64 `json:"battery_voltage"`
	AppState       string  `json:"app_state,omitempty"`
	Version        string  `json:"version,omitempty"`
}

// ParseDeviceInfo decodes a GET:info JSON object
func ParseDeviceInfo(payload string) (DeviceInfo, error) {
	var info DeviceInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return DeviceInfo{}, &ParseError{What: "device info", Raw: payload, Err: err}
	}
	return info, nil
}

// FirmwareVersion parses the reported version, tolerating a leading "v"
// and missing minor/patch parts
func (d DeviceInfo) FirmwareVersion() (semver.Version, error) {
	return semver.ParseTolerant(d.Version)
}

// BestSample selects the sample with the highest battery voltage. Voltage
// read while the bus is noisy trends low, so the maximum is the most
// trustworthy reading. Ties keep the earliest sample.
func BestSample(samples []DeviceInfo) (DeviceInfo, bool) {
	if len(samples) == 0 {
		return DeviceInfo{}, false
	}
	best := samples[0]
	for _, s := range samples[1:] {
		if s.BatteryVoltage > best.BatteryVoltage {
			best = s
		}
	}
	return best, true
}
