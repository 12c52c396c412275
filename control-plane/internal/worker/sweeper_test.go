package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/beatmon/control-plane/internal/clock"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMetrics struct {
	mu     sync.Mutex
	sweeps int
	failed int
	counts map[types.DeviceState]int
}

func (m *fakeMetrics) ObserveSweep(_ time.Duration, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	m.failed += failed
}

func (m *fakeMetrics) SetDeviceCounts(counts map[types.DeviceState]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = counts
}

func (m *fakeMetrics) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

// flakyStore fails RefreshOverdue for the listed devices.
type flakyStore struct {
	*registry.Registry
	failing map[string]bool
}

func (s *flakyStore) RefreshOverdue(name string, now time.Time) (registry.Snapshot, bool, error) {
	if s.failing[name] {
		return registry.Snapshot{}, false, errors.New("transient")
	}
	return s.Registry.RefreshOverdue(name, now)
}

func newRegistry(t *testing.T, beats map[string]time.Time) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Options{DefaultInterval: 10 * time.Second})
	for name, at := range beats {
		_, err := reg.RecordBeat(name, at)
		require.NoError(t, err)
	}
	return reg
}

func TestRunOnceMarksOverdue(t *testing.T) {
	reg := newRegistry(t, map[string]time.Time{
		"quiet":  t0,
		"chatty": t0.Add(25 * time.Second),
	})
	_, _, err := reg.Register("idle", t0)
	require.NoError(t, err)

	clk := clock.NewManual(t0.Add(30 * time.Second))
	m := &fakeMetrics{}
	s := NewSweeper(reg, clk, m, DefaultSweeperConfig(), testLogger())

	res := s.RunOnce(context.Background())
	assert.Equal(t, SweepResult{Checked: 3, Transitioned: 1}, res)

	quiet, err := reg.GetDevice("quiet")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateOverdue, quiet.State)
	assert.Equal(t, 30*time.Second, quiet.LongestGap)

	chatty, err := reg.GetDevice("chatty")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateAlive, chatty.State)

	idle, err := reg.GetDevice("idle")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateNew, idle.State)

	assert.Equal(t, map[types.DeviceState]int{
		types.DeviceStateNew:     1,
		types.DeviceStateAlive:   1,
		types.DeviceStateOverdue: 1,
	}, m.counts)

	// The next tick extends the open gap without another transition.
	clk.Advance(30 * time.Second)
	res = s.RunOnce(context.Background())
	assert.Equal(t, 1, res.Extended)
	assert.Equal(t, 1, res.Transitioned) // chatty is now silent for 35s

	quiet, err = reg.GetDevice("quiet")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, quiet.LongestGap)
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	reg := newRegistry(t, map[string]time.Time{
		"a": t0,
		"b": t0,
		"c": t0,
	})
	store := &flakyStore{Registry: reg, failing: map[string]bool{"b": true}}
	m := &fakeMetrics{}
	s := NewSweeper(store, clock.NewManual(t0.Add(time.Minute)), m, DefaultSweeperConfig(), testLogger())

	res := s.RunOnce(context.Background())
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 2, res.Transitioned)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, m.failed)

	for _, name := range []string{"a", "c"} {
		d, err := reg.GetDevice(name)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStateOverdue, d.State, name)
	}
	b, err := reg.GetDevice("b")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateAlive, b.State)

	// Retried on the next tick once the failure clears.
	store.failing = nil
	res = s.RunOnce(context.Background())
	assert.Equal(t, 1, res.Transitioned)
	assert.Zero(t, res.Failed)
}

func TestRunOnceRetention(t *testing.T) {
	reg := newRegistry(t, map[string]time.Time{
		"gone": t0,
		"here": t0.Add(50 * time.Minute),
	})
	cfg := SweeperConfig{Interval: time.Second, Retention: 30 * time.Minute}
	m := &fakeMetrics{}
	s := NewSweeper(reg, clock.NewManual(t0.Add(time.Hour)), m, cfg, testLogger())

	res := s.RunOnce(context.Background())
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, m.counts[types.DeviceStateOverdue])

	_, err := reg.GetDevice("gone")
	assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
}

func TestSweeperStartStop(t *testing.T) {
	reg := newRegistry(t, map[string]time.Time{"dev": t0})
	m := &fakeMetrics{}
	s := NewSweeper(reg, clock.NewManual(t0.Add(time.Minute)), m,
		SweeperConfig{Interval: 5 * time.Millisecond}, testLogger())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return m.sweepCount() >= 2 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	d, err := reg.GetDevice("dev")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateOverdue, d.State)
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	reg := newRegistry(t, nil)
	s := NewSweeper(reg, clock.Real{}, nil, SweeperConfig{Interval: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	select {
	case <-s.doneCh:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
