// Package registry holds the live state of every known device.
//
// Devices live in a sharded concurrent map. Each device carries its own
// mutex, so beats for different devices never contend and beats for the
// same device are applied one at a time.
package registry

import (
	"errors"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/pilot-net/beatmon/pkg/types"
)

var (
	ErrInvalidDeviceName = errors.New("device name is required")
	ErrDeviceNotFound    = errors.New("device not found")
)

// BeatResult is the outcome of RecordBeat.
type BeatResult struct {
	// Accepted is false when the beat was not newer than the last one.
	Accepted bool
	// Device is the state after the beat was applied (or ignored).
	Device Snapshot
}

// Options configures a Registry.
type Options struct {
	// DefaultInterval applies to devices without an override.
	DefaultInterval time.Duration
	// Intervals overrides the expected interval per device name.
	Intervals map[string]time.Duration
	Observer  Observer
}

// Registry maps device names to their state.
type Registry struct {
	devices         cmap.ConcurrentMap[string, *record]
	defaultInterval time.Duration
	intervals       map[string]time.Duration
	observer        Observer
}

// New creates an empty registry.
func New(opts Options) *Registry {
	intervals := make(map[string]time.Duration, len(opts.Intervals))
	for name, d := range opts.Intervals {
		intervals[name] = d
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Registry{
		devices:         cmap.New[*record](),
		defaultInterval: opts.DefaultInterval,
		intervals:       intervals,
		observer:        obs,
	}
}

// IntervalFor returns the expected interval that applies to name.
func (r *Registry) IntervalFor(name string) time.Duration {
	if d, ok := r.intervals[name]; ok {
		return d
	}
	return r.defaultInterval
}

// obtain returns the record for name, creating it if absent. stamp is only
// read when a record is created.
func (r *Registry) obtain(name string, stamp func() time.Time) (*record, bool) {
	if rec, ok := r.devices.Get(name); ok {
		return rec, false
	}
	created := false
	rec := r.devices.Upsert(name, nil, func(exist bool, cur, _ *record) *record {
		if exist {
			return cur
		}
		created = true
		return newRecord(name, r.IntervalFor(name), stamp())
	})
	return rec, created
}

// RecordBeat applies a beat for name at time at. Unknown devices are created.
// A beat whose timestamp is not after the device's last beat is ignored and
// reported with Accepted set to false.
func (r *Registry) RecordBeat(name string, at time.Time) (BeatResult, error) {
	return r.recordBeat(name, func() time.Time { return at })
}

// RecordBeatNow records a beat stamped by now. The clock is read while the
// device lock is held, so concurrent server-stamped beats for one device are
// applied in stamp order and none is lost to reordering.
func (r *Registry) RecordBeatNow(name string, now func() time.Time) (BeatResult, error) {
	return r.recordBeat(name, now)
}

func (r *Registry) recordBeat(name string, stamp func() time.Time) (BeatResult, error) {
	if name == "" {
		return BeatResult{}, ErrInvalidDeviceName
	}

	for {
		rec, _ := r.obtain(name, stamp)
		rec.mu.Lock()
		if rec.removed {
			rec.mu.Unlock()
			continue
		}
		at := stamp()
		out := rec.applyBeat(at)
		snap := rec.dev
		rec.mu.Unlock()

		if !out.accepted {
			r.observer.BeatRejected(name, at)
			return BeatResult{Device: snap}, nil
		}

		r.observer.BeatAccepted(snap, out.gap)
		if out.from != types.DeviceStateAlive {
			r.observer.StateChanged(Transition{
				Device: name,
				From:   out.from,
				To:     types.DeviceStateAlive,
				At:     at,
				Gap:    out.gap,
			})
		}
		return BeatResult{Accepted: true, Device: snap}, nil
	}
}

// Register adds name in the new state without recording a beat.
// It reports whether the device was created; existing devices are untouched.
func (r *Registry) Register(name string, at time.Time) (Snapshot, bool, error) {
	if name == "" {
		return Snapshot{}, false, ErrInvalidDeviceName
	}
	rec, created := r.obtain(name, func() time.Time { return at })
	rec.mu.Lock()
	snap := rec.dev
	rec.mu.Unlock()
	return snap, created, nil
}

// GetDevice returns a snapshot of name.
func (r *Registry) GetDevice(name string) (Snapshot, error) {
	rec, ok := r.devices.Get(name)
	if !ok {
		return Snapshot{}, ErrDeviceNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.removed {
		return Snapshot{}, ErrDeviceNotFound
	}
	return rec.dev, nil
}

// ListDevices returns snapshots of every device sorted by name.
// Each snapshot is consistent on its own; the list is not an atomic cut
// across devices.
func (r *Registry) ListDevices() []Snapshot {
	items := r.devices.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		rec := items[name]
		rec.mu.Lock()
		if !rec.removed {
			out = append(out, rec.dev)
		}
		rec.mu.Unlock()
	}
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	return r.devices.Count()
}

// RefreshOverdue re-evaluates name at now. An alive device whose open gap is
// past its interval becomes overdue; an overdue device has its longest gap
// extended to cover the open gap. The bool reports an alive to overdue move.
func (r *Registry) RefreshOverdue(name string, now time.Time) (Snapshot, bool, error) {
	rec, ok := r.devices.Get(name)
	if !ok {
		return Snapshot{}, false, ErrDeviceNotFound
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return Snapshot{}, false, ErrDeviceNotFound
	}
	transitioned := rec.applyRefresh(now)
	snap := rec.dev
	rec.mu.Unlock()

	if transitioned {
		r.observer.StateChanged(Transition{
			Device: name,
			From:   types.DeviceStateAlive,
			To:     types.DeviceStateOverdue,
			At:     now,
			Gap:    snap.Assess(now).OpenGap,
		})
	}
	return snap, transitioned, nil
}

// Evict removes every device whose last activity is before cutoff and
// returns their final snapshots sorted by name.
func (r *Registry) Evict(cutoff, now time.Time) []Snapshot {
	var evicted []Snapshot
	for _, name := range r.devices.Keys() {
		var last Snapshot
		removed := r.devices.RemoveCb(name, func(_ string, rec *record, exists bool) bool {
			if !exists {
				return false
			}
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if !rec.dev.LastActivity().Before(cutoff) {
				return false
			}
			rec.removed = true
			last = rec.dev
			return true
		})
		if removed {
			evicted = append(evicted, last)
		}
	}

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Name < evicted[j].Name })
	for _, s := range evicted {
		r.observer.DeviceEvicted(s, now)
	}
	return evicted
}
