package registry

import (
	"sync"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/detector"
	"github.com/pilot-net/beatmon/pkg/types"
)

// Snapshot is an immutable copy of one device's state.
type Snapshot struct {
	Name             string
	State            types.DeviceState
	RegisteredAt     time.Time
	FirstBeat        time.Time
	LastBeat         time.Time
	TotalBeats       uint64
	ExpectedInterval time.Duration
	// LongestGap includes the open gap as last sampled by RefreshOverdue.
	LongestGap time.Duration
	// OverdueTotal is the sum of closed gaps longer than ExpectedInterval.
	OverdueTotal time.Duration
}

// HasBeat reports whether the device has sent at least one beat.
func (s Snapshot) HasBeat() bool {
	return s.TotalBeats > 0
}

// LastActivity is the last beat, or the registration time for devices that never beat.
func (s Snapshot) LastActivity() time.Time {
	if s.HasBeat() {
		return s.LastBeat
	}
	return s.RegisteredAt
}

// Input projects the snapshot onto the detector's view of a device.
func (s Snapshot) Input() detector.Input {
	return detector.Input{
		LastBeat:         s.LastBeat,
		HasBeat:          s.HasBeat(),
		ExpectedInterval: s.ExpectedInterval,
		LongestGap:       s.LongestGap,
	}
}

// Assess evaluates the snapshot at now.
func (s Snapshot) Assess(now time.Time) detector.Assessment {
	return detector.Assess(s.Input(), now)
}

// record guards one device. removed is set when the record is evicted so
// callers that raced with eviction retry against a fresh record.
type record struct {
	mu      sync.Mutex
	dev     Snapshot
	removed bool
}

func newRecord(name string, interval time.Duration, at time.Time) *record {
	return &record{dev: Snapshot{
		Name:             name,
		State:            types.DeviceStateNew,
		RegisteredAt:     at,
		ExpectedInterval: interval,
	}}
}

// beatOutcome carries what happened inside the critical section out to the
// observer calls made after unlocking.
type beatOutcome struct {
	accepted bool
	gap      time.Duration
	from     types.DeviceState
}

// applyBeat must be called with rec.mu held.
func (rec *record) applyBeat(at time.Time) beatOutcome {
	d := &rec.dev
	if d.HasBeat() && !at.After(d.LastBeat) {
		return beatOutcome{from: d.State}
	}

	out := beatOutcome{accepted: true, from: d.State}
	if d.HasBeat() {
		c := detector.Close(d.Input(), at)
		out.gap = c.Gap
		d.LongestGap = c.LongestGap
		if c.Exceeded {
			d.OverdueTotal += c.Gap
		}
	} else {
		d.FirstBeat = at
	}

	d.LastBeat = at
	d.TotalBeats++
	d.State = types.DeviceStateAlive
	return out
}

// applyRefresh must be called with rec.mu held. It reports whether the
// device moved from alive to overdue.
func (rec *record) applyRefresh(now time.Time) bool {
	d := &rec.dev
	a := detector.Assess(d.Input(), now)
	if !a.Overdue {
		return false
	}

	d.LongestGap = a.LongestGap
	if d.State == types.DeviceStateAlive {
		d.State = types.DeviceStateOverdue
		return true
	}
	return false
}
