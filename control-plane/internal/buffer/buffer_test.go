package buffer

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

	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	mu       sync.Mutex
	events   []types.ActivityEvent
	batches  int
	attempts int
	fail     bool
}

func (s *memorySink) InsertActivity(_ context.Context, events []types.ActivityEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail {
		return 0, errors.New("database unavailable")
	}
	s.batches++
	s.events = append(s.events, events...)
	return len(events), nil
}

func (s *memorySink) snapshot() ([]types.ActivityEvent, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ActivityEvent(nil), s.events...), s.batches
}

func TestRegistryTransitionsBecomeEvents(t *testing.T) {
	buf := NewActivityBuffer(16, testLogger())
	reg := registry.New(registry.Options{DefaultInterval: 10 * time.Second, Observer: buf})

	_, err := reg.RecordBeat("dev", t0)
	require.NoError(t, err)
	_, err = reg.RecordBeat("dev", t0.Add(5*time.Second))
	require.NoError(t, err)
	_, _, err = reg.RefreshOverdue("dev", t0.Add(30*time.Second))
	require.NoError(t, err)
	_, err = reg.RecordBeat("dev", t0.Add(40*time.Second))
	require.NoError(t, err)
	reg.Evict(t0.Add(time.Hour), t0.Add(2*time.Hour))

	require.Equal(t, 4, buf.Len())
	var got []types.ActivityEvent
	for range 4 {
		got = append(got, <-buf.events)
	}

	assert.Equal(t, types.ActivityFirstSeen, got[0].EventType)
	assert.Equal(t, types.ActivityOverdue, got[1].EventType)
	assert.Equal(t, int64(25000), got[1].GapMilli)
	assert.Equal(t, types.ActivityRecovered, got[2].EventType)
	assert.Equal(t, int64(35000), got[2].GapMilli)
	assert.Equal(t, types.ActivityEvicted, got[3].EventType)
	assert.Equal(t, t0.Add(2*time.Hour), got[3].OccurredAt)

	for _, e := range got {
		assert.Equal(t, "dev", e.DeviceName)
		assert.NotEmpty(t, e.ID)
	}
}

func TestPushDropsWhenFull(t *testing.T) {
	buf := NewActivityBuffer(2, testLogger())
	for i := 0; i < 5; i++ {
		buf.Push(types.ActivityEvent{DeviceName: "dev"})
	}
	assert.Equal(t, 2, buf.Len())
	assert.Equal(t, uint64(3), buf.Dropped())
}

func TestFlusherBatches(t *testing.T) {
	buf := NewActivityBuffer(64, testLogger())
	sink := &memorySink{}
	f := NewFlusher(buf, sink, time.Hour, 3, testLogger())
	f.Start()

	for i := 0; i < 7; i++ {
		buf.Push(types.ActivityEvent{DeviceName: "dev", GapMilli: int64(i)})
	}

	// Two full batches go out without waiting for the ticker.
	require.Eventually(t, func() bool {
		events, _ := sink.snapshot()
		return len(events) == 6
	}, time.Second, time.Millisecond)

	// The remainder is written on stop.
	f.Stop()
	f.Stop()
	events, batches := sink.snapshot()
	require.Len(t, events, 7)
	assert.Equal(t, 3, batches)
	for i, e := range events {
		assert.Equal(t, int64(i), e.GapMilli)
	}
}

func TestFlusherInterval(t *testing.T) {
	buf := NewActivityBuffer(64, testLogger())
	sink := &memorySink{}
	f := NewFlusher(buf, sink, 5*time.Millisecond, 100, testLogger())
	f.Start()
	defer f.Stop()

	buf.Push(types.ActivityEvent{DeviceName: "dev"})
	require.Eventually(t, func() bool {
		events, _ := sink.snapshot()
		return len(events) == 1
	}, time.Second, time.Millisecond)
}

func TestFlusherSurvivesSinkErrors(t *testing.T) {
	buf := NewActivityBuffer(64, testLogger())
	sink := &memorySink{fail: true}
	f := NewFlusher(buf, sink, time.Hour, 1, testLogger())
	f.Start()

	buf.Push(types.ActivityEvent{DeviceName: "lost"})
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.attempts == 1
	}, time.Second, time.Millisecond)

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	buf.Push(types.ActivityEvent{DeviceName: "kept"})
	f.Stop()

	events, _ := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].DeviceName)
}
