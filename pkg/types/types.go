// Package types defines the wire types shared between the beat agent and the control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the HTTP payloads directly
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Raw first: Numeric fields are always present; display strings are optional extras
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// BEAT
// =============================================================================

// Beat is a single liveness signal from a device.
type Beat struct {
	DeviceName string `json:"device_name"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
}

// Time returns the beat timestamp as a time.Time.
// A zero timestamp yields the zero time.
func (b Beat) Time() time.Time {
	if b.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(b.Timestamp)
}

// Validate checks that the beat names a device and carries a sane timestamp.
func (b Beat) Validate() error {
	if b.DeviceName == "" {
		return fmt.Errorf("device_name is required")
	}
	if b.Timestamp < 0 {
		return fmt.Errorf("timestamp must not be negative: %d", b.Timestamp)
	}
	return nil
}

// NewBeat builds a Beat for the given device at time t.
func NewBeat(device string, t time.Time) Beat {
	b := Beat{DeviceName: device}
	if !t.IsZero() {
		b.Timestamp = t.UnixMilli()
	}
	return b
}

// =============================================================================
// DEVICE
// =============================================================================

// DeviceState is the liveness state of a device.
type DeviceState string

const (
	// DeviceStateNew - registered but never beaten
	DeviceStateNew DeviceState = "new"
	// DeviceStateAlive - last beat arrived within the expected interval
	DeviceStateAlive DeviceState = "alive"
	// DeviceStateOverdue - silent for longer than the expected interval
	DeviceStateOverdue DeviceState = "overdue"
)

// IsValid checks if the state is a known value.
func (s DeviceState) IsValid() bool {
	switch s {
	case DeviceStateNew, DeviceStateAlive, DeviceStateOverdue:
		return true
	}
	return false
}

// Device is the per-device view returned by the API.
type Device struct {
	DeviceName         string      `json:"device_name"`
	LastBeat           Beat        `json:"last_beat"`
	TotalBeats         int64       `json:"total_beats"`
	LongestMissingBeat int64       `json:"longest_missing_beat"` // milliseconds
	State              DeviceState `json:"state"`
	ExpectedInterval   int64       `json:"expected_interval_milli"`
}

// =============================================================================
// FLEET
// =============================================================================

// Stats is the fleet-wide summary.
//
// Raw values are always populated. The *Formatted fields are filled by the
// presentation layer and omitted when empty.
type Stats struct {
	LastBeatFormatted     string `json:"last_beat_formatted,omitempty"`
	TotalDevicesFormatted string `json:"total_devices_formatted,omitempty"`
	TotalVisitsFormatted  string `json:"total_visits_formatted,omitempty"`
	TotalUptimeFormatted  string `json:"total_uptime_formatted,omitempty"`
	TotalBeatsFormatted   string `json:"total_beats_formatted,omitempty"`

	TotalDevices       int64 `json:"total_devices"`
	TotalVisits        int64 `json:"total_visits"`
	TotalUptimeMilli   int64 `json:"total_uptime_milli"`
	TotalBeats         int64 `json:"total_beats"`
	LongestMissingBeat int64 `json:"longest_missing_beat"`
}

// Info is the human-readable fleet summary.
type Info struct {
	LastSeen       string `json:"last_seen"`
	TimeDifference string `json:"time_difference"`
	MissingBeat    string `json:"missing_beat"`
	TotalBeats     string `json:"total_beats"`
}
