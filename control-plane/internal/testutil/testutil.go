// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test loggers
//   - Fixture factories for wire types (beats, devices, activity events)
//   - Registry seeding from millisecond offsets
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	ev := testutil.FixtureActivityEvent()
//	ev := testutil.FixtureActivityEvent(func(e *types.ActivityEvent) {
//		e.DeviceName = "sensor-9"
//	})
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

// Epoch is the fixed instant fixtures are built around.
var Epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a debug logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// At returns Epoch plus ms milliseconds.
func At(ms int64) time.Time {
	return Epoch.Add(time.Duration(ms) * time.Millisecond)
}

// =============================================================================
// WIRE FIXTURES
// =============================================================================

// FixtureBeat creates a beat for a random device at Epoch.
func FixtureBeat(overrides ...func(*types.Beat)) types.Beat {
	b := types.NewBeat("test-device-"+uuid.NewString()[:8], Epoch)
	for _, override := range overrides {
		override(&b)
	}
	return b
}

// FixtureDevice creates an alive device that beat three times.
func FixtureDevice(overrides ...func(*types.Device)) types.Device {
	name := "test-device-" + uuid.NewString()[:8]
	d := types.Device{
		DeviceName:         name,
		LastBeat:           types.NewBeat(name, At(20000)),
		TotalBeats:         3,
		LongestMissingBeat: 15000,
		State:              types.DeviceStateAlive,
		ExpectedInterval:   10000,
	}
	for _, override := range overrides {
		override(&d)
	}
	return d
}

// FixtureActivityEvent creates an overdue event.
func FixtureActivityEvent(overrides ...func(*types.ActivityEvent)) types.ActivityEvent {
	e := types.ActivityEvent{
		ID:         uuid.NewString(),
		DeviceName: "test-device",
		EventType:  types.ActivityOverdue,
		FromState:  types.DeviceStateAlive,
		ToState:    types.DeviceStateOverdue,
		GapMilli:   30000,
		OccurredAt: Epoch,
	}
	for _, override := range overrides {
		override(&e)
	}
	return e
}

// =============================================================================
// REGISTRY
// =============================================================================

// SeedRegistry records beats for each device at the given millisecond
// offsets from Epoch, in order. It fails on the first rejected beat.
func SeedRegistry(reg *registry.Registry, beats map[string][]int64) error {
	for name, offsets := range beats {
		for _, ms := range offsets {
			res, err := reg.RecordBeat(name, At(ms))
			if err != nil {
				return fmt.Errorf("seeding %s at %dms: %w", name, ms, err)
			}
			if !res.Accepted {
				return fmt.Errorf("seeding %s at %dms: beat rejected", name, ms)
			}
		}
	}
	return nil
}
