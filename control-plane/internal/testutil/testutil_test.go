package testutil

import (
	"testing"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

func TestFixtureBeat(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		b := FixtureBeat()
		if err := b.Validate(); err != nil {
			t.Errorf("expected valid beat, got error: %v", err)
		}
		if b.Timestamp != Epoch.UnixMilli() {
			t.Errorf("expected timestamp %d, got %d", Epoch.UnixMilli(), b.Timestamp)
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		b := FixtureBeat(func(b *types.Beat) { b.DeviceName = "custom" })
		if b.DeviceName != "custom" {
			t.Errorf("expected device 'custom', got %s", b.DeviceName)
		}
	})
}

func TestFixtureDevice(t *testing.T) {
	d := FixtureDevice()
	if d.DeviceName == "" || d.LastBeat.DeviceName != d.DeviceName {
		t.Errorf("expected matching device names, got %q and %q", d.DeviceName, d.LastBeat.DeviceName)
	}
	if !d.State.IsValid() {
		t.Errorf("expected valid state, got %s", d.State)
	}

	overdue := FixtureDevice(func(d *types.Device) { d.State = types.DeviceStateOverdue })
	if overdue.State != types.DeviceStateOverdue {
		t.Errorf("expected state %s, got %s", types.DeviceStateOverdue, overdue.State)
	}
}

func TestFixtureActivityEvent(t *testing.T) {
	a, b := FixtureActivityEvent(), FixtureActivityEvent()
	if a.ID == b.ID {
		t.Error("expected unique event IDs")
	}
	if a.EventType != types.ActivityOverdue {
		t.Errorf("expected %s, got %s", types.ActivityOverdue, a.EventType)
	}
}

func TestSeedRegistry(t *testing.T) {
	reg := registry.New(registry.Options{DefaultInterval: 10 * time.Second})
	err := SeedRegistry(reg, map[string][]int64{
		"sensor-1": {0, 5000, 20000},
		"sensor-2": {1000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := reg.GetDevice("sensor-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.LongestGap != 15*time.Second {
		t.Errorf("expected longest gap 15s, got %v", d.LongestGap)
	}

	if err := SeedRegistry(reg, map[string][]int64{"sensor-2": {500}}); err == nil {
		t.Error("expected error for out-of-order seed")
	}
}
