// Package detector computes derived liveness state for a single device.
//
// Everything here is a pure function of a device's recorded history and a
// point in time. The registry uses Close when a beat arrives and the sweeper
// path uses Assess when time passes without one; both go through Gap and
// Longest so a gap is measured the same way whether it closes or grows.
package detector

import "time"

// Input is the slice of device state the detector needs.
type Input struct {
	// LastBeat is the timestamp of the most recent accepted beat.
	LastBeat time.Time
	// HasBeat is false for devices that were registered but never beat.
	HasBeat bool
	// ExpectedInterval is how long the device may stay silent.
	ExpectedInterval time.Duration
	// LongestGap is the largest gap recorded so far.
	LongestGap time.Duration
}

// Assessment is the liveness of a device at a point in time.
type Assessment struct {
	// Overdue is true when the open gap is strictly longer than the expected interval.
	Overdue bool
	// OpenGap is the time since the last beat. Zero when the device never beat.
	OpenGap time.Duration
	// LongestGap is the longest gap including the open one when overdue.
	LongestGap time.Duration
}

// Closure describes a gap ended by a new beat.
type Closure struct {
	Gap        time.Duration
	LongestGap time.Duration
	// Exceeded is true when the closed gap counts as downtime.
	Exceeded bool
}

// Gap returns the elapsed time from last to at, never negative.
func Gap(last, at time.Time) time.Duration {
	d := at.Sub(last)
	if d < 0 {
		return 0
	}
	return d
}

// Exceeds reports whether gap is past the expected interval.
// Equal is not overdue.
func Exceeds(gap, interval time.Duration) bool {
	return gap > interval
}

// Longest returns the larger of the recorded longest gap and a new gap.
func Longest(current, gap time.Duration) time.Duration {
	if gap > current {
		return gap
	}
	return current
}

// Assess evaluates the device at now without mutating anything.
func Assess(in Input, now time.Time) Assessment {
	a := Assessment{LongestGap: in.LongestGap}
	if !in.HasBeat {
		return a
	}

	a.OpenGap = Gap(in.LastBeat, now)
	if Exceeds(a.OpenGap, in.ExpectedInterval) {
		a.Overdue = true
		a.LongestGap = Longest(in.LongestGap, a.OpenGap)
	}
	return a
}

// Close measures the gap ended by a beat at time at.
// The caller must have checked that at is after LastBeat.
func Close(in Input, at time.Time) Closure {
	if !in.HasBeat {
		return Closure{LongestGap: in.LongestGap}
	}
	gap := Gap(in.LastBeat, at)
	return Closure{
		Gap:        gap,
		LongestGap: Longest(in.LongestGap, gap),
		Exceeded:   Exceeds(gap, in.ExpectedInterval),
	}
}
