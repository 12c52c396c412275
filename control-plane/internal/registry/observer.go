package registry

import (
	"time"

	"github.com/pilot-net/beatmon/pkg/types"
)

// Transition is a change of a device's liveness state.
type Transition struct {
	Device string
	From   types.DeviceState
	To     types.DeviceState
	At     time.Time
	// Gap is the gap that closed (recovery) or the open gap (overdue).
	Gap time.Duration
}

// Observer receives registry events. Calls happen after the device lock is
// released, so implementations may block briefly but must not call back into
// the registry for the same device expecting ordering with the event.
type Observer interface {
	BeatAccepted(device Snapshot, gap time.Duration)
	BeatRejected(name string, at time.Time)
	StateChanged(t Transition)
	DeviceEvicted(device Snapshot, at time.Time)
}

// NopObserver ignores every event. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) BeatAccepted(Snapshot, time.Duration) {}
func (NopObserver) BeatRejected(string, time.Time)       {}
func (NopObserver) StateChanged(Transition)              {}
func (NopObserver) DeviceEvicted(Snapshot, time.Time)    {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) BeatAccepted(device Snapshot, gap time.Duration) {
	for _, obs := range o {
		obs.BeatAccepted(device, gap)
	}
}

func (o Observers) BeatRejected(name string, at time.Time) {
	for _, obs := range o {
		obs.BeatRejected(name, at)
	}
}

func (o Observers) StateChanged(t Transition) {
	for _, obs := range o {
		obs.StateChanged(t)
	}
}

func (o Observers) DeviceEvicted(device Snapshot, at time.Time) {
	for _, obs := range o {
		obs.DeviceEvicted(device, at)
	}
}
