// Package present converts registry and stats values into wire types.
//
// Raw numeric fields are always filled. Display strings are produced only by
// the Formatted* and Info functions so the core never carries them.
package present

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/control-plane/internal/stats"
	"github.com/pilot-net/beatmon/pkg/types"
)

// Never is shown for times and gaps that have not happened.
const Never = "never"

// Device converts a snapshot to its wire form.
func Device(s registry.Snapshot) types.Device {
	d := types.Device{
		DeviceName:         s.Name,
		LastBeat:           types.Beat{DeviceName: s.Name},
		TotalBeats:         int64(s.TotalBeats),
		LongestMissingBeat: s.LongestGap.Milliseconds(),
		State:              s.State,
		ExpectedInterval:   s.ExpectedInterval.Milliseconds(),
	}
	if s.HasBeat() {
		d.LastBeat = types.NewBeat(s.Name, s.LastBeat)
	}
	return d
}

// Devices converts snapshots preserving order.
func Devices(list []registry.Snapshot) []types.Device {
	out := make([]types.Device, 0, len(list))
	for _, s := range list {
		out = append(out, Device(s))
	}
	return out
}

// Stats converts fleet statistics to raw wire stats.
func Stats(fs stats.FleetStats) types.Stats {
	return types.Stats{
		TotalDevices:       int64(fs.TotalDevices),
		TotalVisits:        int64(fs.TotalVisits),
		TotalUptimeMilli:   fs.TotalUptime.Milliseconds(),
		TotalBeats:         int64(fs.TotalBeats),
		LongestMissingBeat: fs.LongestMissingBeat.Milliseconds(),
	}
}

// FormattedStats is Stats with the display fields filled in.
func FormattedStats(fs stats.FleetStats) types.Stats {
	st := Stats(fs)
	st.LastBeatFormatted = Since(fs.LastBeat, fs.ComputedAt)
	st.TotalDevicesFormatted = humanize.Comma(st.TotalDevices)
	st.TotalVisitsFormatted = humanize.Comma(st.TotalVisits)
	st.TotalUptimeFormatted = Duration(fs.TotalUptime)
	st.TotalBeatsFormatted = humanize.Comma(st.TotalBeats)
	return st
}

// Info builds the human-readable fleet summary. loc is the zone reported as
// the time difference; nil means the server's local zone.
func Info(fs stats.FleetStats, loc *time.Location) types.Info {
	if loc == nil {
		loc = time.Local
	}
	info := types.Info{
		LastSeen:       Since(fs.LastBeat, fs.ComputedAt),
		TimeDifference: TimeDifference(fs.ComputedAt.In(loc)),
		MissingBeat:    Never,
		TotalBeats:     humanize.Comma(int64(fs.TotalBeats)),
	}
	if fs.LongestMissingBeat > 0 {
		info.MissingBeat = Duration(fs.LongestMissingBeat)
	}
	return info
}

// Since renders t relative to now, e.g. "3 minutes ago". Zero t is Never.
func Since(t, now time.Time) string {
	if t.IsZero() {
		return Never
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Duration renders d as a coarse span such as "15 seconds" or "2 hours".
func Duration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%d milliseconds", d.Milliseconds())
	}
	ref := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(ref, ref.Add(d), "", ""))
}

// TimeDifference formats the zone offset of t as GMT+N, GMT-N or GMT+N:MM.
func TimeDifference(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	hours := offset / 3600
	minutes := (offset % 3600) / 60
	if minutes == 0 {
		return fmt.Sprintf("GMT%s%d", sign, hours)
	}
	return fmt.Sprintf("GMT%s%d:%02d", sign, hours, minutes)
}
