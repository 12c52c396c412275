package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/beatmon/pkg/types"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func ms(n int64) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

func newTestRegistry(obs Observer) *Registry {
	return New(Options{DefaultInterval: 10 * time.Second, Observer: obs})
}

// recorder captures observer calls.
type recorder struct {
	mu          sync.Mutex
	accepted    int
	rejected    int
	transitions []Transition
	evicted     []string
}

func (r *recorder) BeatAccepted(Snapshot, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *recorder) BeatRejected(string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected++
}

func (r *recorder) StateChanged(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) DeviceEvicted(s Snapshot, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, s.Name)
}

func TestRecordBeatFirstBeat(t *testing.T) {
	reg := newTestRegistry(nil)

	res, err := reg.RecordBeat("sensor-1", t0)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, types.DeviceStateAlive, res.Device.State)
	assert.Equal(t, uint64(1), res.Device.TotalBeats)
	assert.Equal(t, t0, res.Device.FirstBeat)
	assert.Equal(t, t0, res.Device.LastBeat)
	assert.Zero(t, res.Device.LongestGap)
	assert.Equal(t, 10*time.Second, res.Device.ExpectedInterval)
}

func TestRecordBeatEmptyName(t *testing.T) {
	reg := newTestRegistry(nil)
	_, err := reg.RecordBeat("", t0)
	assert.ErrorIs(t, err, ErrInvalidDeviceName)
	assert.Zero(t, reg.Len())
}

func TestRecordBeatSequentialCount(t *testing.T) {
	reg := newTestRegistry(nil)
	const n = 25
	for i := 0; i < n; i++ {
		_, err := reg.RecordBeat("dev", ms(int64(i)*1000))
		require.NoError(t, err)
	}
	d, err := reg.GetDevice("dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), d.TotalBeats)
	assert.Equal(t, ms((n-1)*1000), d.LastBeat)
}

func TestRecordBeatRejectsStaleTimestamps(t *testing.T) {
	obs := &recorder{}
	reg := newTestRegistry(obs)

	_, err := reg.RecordBeat("dev", ms(5000))
	require.NoError(t, err)
	before, err := reg.GetDevice("dev")
	require.NoError(t, err)

	for _, at := range []time.Time{ms(5000), ms(4999), ms(0)} {
		res, err := reg.RecordBeat("dev", at)
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, before, res.Device)
	}

	after, err := reg.GetDevice("dev")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, obs.accepted)
	assert.Equal(t, 3, obs.rejected)
}

func TestSensorScenario(t *testing.T) {
	reg := newTestRegistry(nil)

	for _, at := range []int64{0, 5000, 20000} {
		res, err := reg.RecordBeat("sensor-1", ms(at))
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	d, err := reg.GetDevice("sensor-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), d.TotalBeats)
	assert.Equal(t, 15*time.Second, d.LongestGap)
	assert.Equal(t, 15*time.Second, d.OverdueTotal)
	assert.Equal(t, types.DeviceStateAlive, d.State)
}

func TestLongestGapIsMonotonic(t *testing.T) {
	reg := newTestRegistry(nil)
	var longest time.Duration

	check := func(s Snapshot) {
		t.Helper()
		assert.GreaterOrEqual(t, s.LongestGap, longest)
		longest = s.LongestGap
	}

	steps := []struct {
		beat    bool
		atMilli int64
	}{
		{true, 0},
		{true, 3000},
		{false, 30000},
		{false, 45000},
		{true, 46000},
		{true, 47000},
		{false, 50000},
		{true, 52000},
	}
	for _, s := range steps {
		if s.beat {
			res, err := reg.RecordBeat("dev", ms(s.atMilli))
			require.NoError(t, err)
			check(res.Device)
			continue
		}
		snap, _, err := reg.RefreshOverdue("dev", ms(s.atMilli))
		require.NoError(t, err)
		check(snap)
	}
	assert.Equal(t, 43*time.Second, longest)
}

func TestRefreshOverdueTransitions(t *testing.T) {
	obs := &recorder{}
	reg := newTestRegistry(obs)

	_, err := reg.RecordBeat("dev", t0)
	require.NoError(t, err)

	snap, moved, err := reg.RefreshOverdue("dev", t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, types.DeviceStateAlive, snap.State)

	snap, moved, err = reg.RefreshOverdue("dev", t0.Add(10*time.Second+time.Millisecond))
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, types.DeviceStateOverdue, snap.State)
	assert.Equal(t, 10*time.Second+time.Millisecond, snap.LongestGap)

	snap, moved, err = reg.RefreshOverdue("dev", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, time.Minute, snap.LongestGap)

	res, err := reg.RecordBeat("dev", t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateAlive, res.Device.State)
	assert.Equal(t, 61*time.Second, res.Device.LongestGap)

	require.Len(t, obs.transitions, 3)
	assert.Equal(t, types.DeviceStateNew, obs.transitions[0].From)
	assert.Equal(t, types.DeviceStateAlive, obs.transitions[0].To)
	assert.Equal(t, types.DeviceStateOverdue, obs.transitions[1].To)
	assert.Equal(t, types.DeviceStateOverdue, obs.transitions[2].From)
	assert.Equal(t, types.DeviceStateAlive, obs.transitions[2].To)
	assert.Equal(t, 61*time.Second, obs.transitions[2].Gap)
}

func TestRefreshOverdueUnknownDevice(t *testing.T) {
	reg := newTestRegistry(nil)
	_, _, err := reg.RefreshOverdue("ghost", t0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = reg.GetDevice("ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRegisteredDeviceIsNeverOverdue(t *testing.T) {
	reg := newTestRegistry(nil)

	snap, created, err := reg.Register("idle", t0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.DeviceStateNew, snap.State)

	snap, moved, err := reg.RefreshOverdue("idle", t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, types.DeviceStateNew, snap.State)

	_, created, err = reg.Register("idle", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestIntervalOverride(t *testing.T) {
	reg := New(Options{
		DefaultInterval: 10 * time.Second,
		Intervals:       map[string]time.Duration{"slow": time.Minute},
	})

	_, err := reg.RecordBeat("slow", t0)
	require.NoError(t, err)
	_, err = reg.RecordBeat("fast", t0)
	require.NoError(t, err)

	_, moved, err := reg.RefreshOverdue("slow", t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, moved)

	_, moved, err = reg.RefreshOverdue("fast", t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, moved)
}

func TestListDevicesSortedByName(t *testing.T) {
	reg := newTestRegistry(nil)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := reg.RecordBeat(name, t0)
		require.NoError(t, err)
	}

	got := reg.ListDevices()
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].Name)
	assert.Equal(t, "bravo", got[1].Name)
	assert.Equal(t, "charlie", got[2].Name)
}

func TestConcurrentStampedBeatsSameDevice(t *testing.T) {
	reg := newTestRegistry(nil)
	const n = 200

	// Each read of the clock yields a distinct, strictly increasing instant.
	var (
		mu   sync.Mutex
		tick int64
	)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return ms(tick)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reg.RecordBeatNow("dev", now)
			assert.NoError(t, err)
			assert.True(t, res.Accepted)
		}()
	}
	wg.Wait()

	d, err := reg.GetDevice("dev")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), d.TotalBeats)
	// The first read of the clock stamped the registration.
	assert.Equal(t, ms(n+1), d.LastBeat)
}

func TestConcurrentClientStampedBeats(t *testing.T) {
	reg := newTestRegistry(nil)
	const n = 200

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := reg.RecordBeat("dev", ms(int64(i)))
			assert.NoError(t, err)
			assert.Equal(t, "dev", res.Device.Name)
		}(i)
	}
	wg.Wait()

	d, err := reg.GetDevice("dev")
	require.NoError(t, err)
	// Arrivals older than the stored beat are rejected, so the count depends
	// on scheduling but the newest timestamp always wins.
	assert.LessOrEqual(t, d.TotalBeats, uint64(n))
	assert.GreaterOrEqual(t, d.TotalBeats, uint64(1))
	assert.Equal(t, ms(n), d.LastBeat)
}

func TestConcurrentBeatsDistinctDevices(t *testing.T) {
	reg := newTestRegistry(nil)
	const devices = 50
	const beats = 40

	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			name := fmt.Sprintf("dev-%02d", d)
			for i := 1; i <= beats; i++ {
				_, err := reg.RecordBeat(name, ms(int64(i)*100))
				assert.NoError(t, err)
			}
		}(d)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, s := range reg.ListDevices() {
				assert.LessOrEqual(t, s.TotalBeats, uint64(beats))
			}
		}
	}()

	wg.Wait()
	close(stop)
	readers.Wait()

	list := reg.ListDevices()
	require.Len(t, list, devices)
	for _, s := range list {
		assert.Equal(t, uint64(beats), s.TotalBeats)
		assert.Equal(t, ms(beats*100), s.LastBeat)
	}
}

func TestEvict(t *testing.T) {
	obs := &recorder{}
	reg := newTestRegistry(obs)

	_, err := reg.RecordBeat("old", t0)
	require.NoError(t, err)
	_, err = reg.RecordBeat("fresh", t0.Add(time.Hour))
	require.NoError(t, err)
	_, _, err = reg.Register("never", t0.Add(-time.Hour))
	require.NoError(t, err)

	evicted := reg.Evict(t0.Add(30*time.Minute), t0.Add(2*time.Hour))
	require.Len(t, evicted, 2)
	assert.Equal(t, "never", evicted[0].Name)
	assert.Equal(t, "old", evicted[1].Name)
	assert.Equal(t, []string{"never", "old"}, obs.evicted)

	_, err = reg.GetDevice("old")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, 1, reg.Len())

	res, err := reg.RecordBeat("old", t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Device.TotalBeats)
	assert.Equal(t, types.DeviceStateAlive, res.Device.State)
}

func TestEvictRacingBeats(t *testing.T) {
	reg := newTestRegistry(nil)
	_, err := reg.RecordBeat("dev", t0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			_, err := reg.RecordBeat("dev", t0.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			reg.Evict(t0.Add(50*time.Second), t0.Add(time.Hour))
		}
	}()
	wg.Wait()

	// Whatever interleaving happened, the final beat landed on a live record.
	d, err := reg.GetDevice("dev")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(100*time.Second), d.LastBeat)
}
