// Package stats derives fleet-wide statistics from device snapshots.
package stats

import (
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/clock"
	"github.com/pilot-net/beatmon/control-plane/internal/detector"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

// FleetStats summarizes every device at one instant.
type FleetStats struct {
	TotalDevices       int
	TotalVisits        int
	TotalBeats         uint64
	TotalUptime        time.Duration
	LongestMissingBeat time.Duration
	NewDevices         int
	AliveDevices       int
	OverdueDevices     int
	// LastBeat is the newest beat across the fleet; zero when no device beat.
	LastBeat       time.Time
	LastBeatDevice string
	ComputedAt     time.Time
}

// DeviceLister is the registry view the aggregator scans.
type DeviceLister interface {
	ListDevices() []registry.Snapshot
}

// Aggregator computes FleetStats on demand.
type Aggregator struct {
	devices DeviceLister
	clock   clock.Clock
}

// NewAggregator creates an aggregator over devices.
func NewAggregator(devices DeviceLister, c clock.Clock) *Aggregator {
	return &Aggregator{devices: devices, clock: c}
}

// Snapshot scans the registry and returns current fleet statistics.
func (a *Aggregator) Snapshot() FleetStats {
	return Compute(a.devices.ListDevices(), a.clock.Now())
}

// Compute folds snapshots into FleetStats as of now.
func Compute(devices []registry.Snapshot, now time.Time) FleetStats {
	fs := FleetStats{TotalDevices: len(devices), ComputedAt: now}
	for _, d := range devices {
		fs.TotalBeats += d.TotalBeats
		fs.TotalUptime += Uptime(d, now)
		fs.LongestMissingBeat = detector.Longest(fs.LongestMissingBeat, d.LongestGap)

		switch d.State {
		case types.DeviceStateNew:
			fs.NewDevices++
		case types.DeviceStateAlive:
			fs.AliveDevices++
		case types.DeviceStateOverdue:
			fs.OverdueDevices++
		}

		if !d.HasBeat() {
			continue
		}
		fs.TotalVisits++
		if d.LastBeat.After(fs.LastBeat) {
			fs.LastBeat = d.LastBeat
			fs.LastBeatDevice = d.Name
		}
	}
	return fs
}

// Uptime is the time since the device's first beat minus every gap that
// exceeded its interval, including the open gap when it is currently overdue.
func Uptime(d registry.Snapshot, now time.Time) time.Duration {
	if !d.HasBeat() {
		return 0
	}

	down := d.OverdueTotal
	if a := d.Assess(now); a.Overdue {
		down += a.OpenGap
	}

	up := detector.Gap(d.FirstBeat, now) - down
	if up < 0 {
		return 0
	}
	return up
}
