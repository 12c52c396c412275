// Package buffer queues device lifecycle events in memory and writes them to
// the activity log in batches. This keeps database writes off the beat path:
// the registry hands events over after releasing the device lock and never
// waits for the database.
package buffer

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/pkg/types"
)

const (
	// DefaultSize is the number of events held before new ones are dropped.
	DefaultSize = 1024

	// DefaultBatchSize caps the rows written per COPY.
	DefaultBatchSize = 100

	// DefaultFlushInterval bounds how long an event waits in the queue.
	DefaultFlushInterval = 2 * time.Second
)

// ActivityBuffer turns registry transitions into activity events.
// It implements registry.Observer.
type ActivityBuffer struct {
	registry.NopObserver

	events  chan types.ActivityEvent
	dropped atomic.Uint64
	logger  *slog.Logger
}

var _ registry.Observer = (*ActivityBuffer)(nil)

// NewActivityBuffer creates a buffer holding up to size events.
func NewActivityBuffer(size int, logger *slog.Logger) *ActivityBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &ActivityBuffer{
		events: make(chan types.ActivityEvent, size),
		logger: logger.With("component", "activity_buffer"),
	}
}

// StateChanged queues first_seen, overdue and recovered events.
func (b *ActivityBuffer) StateChanged(t registry.Transition) {
	kind, ok := eventType(t.From, t.To)
	if !ok {
		return
	}
	b.Push(types.ActivityEvent{
		ID:         uuid.NewString(),
		DeviceName: t.Device,
		EventType:  kind,
		FromState:  t.From,
		ToState:    t.To,
		GapMilli:   t.Gap.Milliseconds(),
		OccurredAt: t.At,
	})
}

// DeviceEvicted queues an evicted event.
func (b *ActivityBuffer) DeviceEvicted(d registry.Snapshot, at time.Time) {
	b.Push(types.ActivityEvent{
		ID:         uuid.NewString(),
		DeviceName: d.Name,
		EventType:  types.ActivityEvicted,
		FromState:  d.State,
		GapMilli:   at.Sub(d.LastActivity()).Milliseconds(),
		OccurredAt: at,
	})
}

// Push queues e without blocking. When the buffer is full the event is
// dropped and counted.
func (b *ActivityBuffer) Push(e types.ActivityEvent) {
	select {
	case b.events <- e:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("activity buffer full, dropping event",
			"device", e.DeviceName,
			"event_type", e.EventType,
			"dropped_total", n,
		)
	}
}

// Len returns the number of queued events.
func (b *ActivityBuffer) Len() int {
	return len(b.events)
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *ActivityBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

func eventType(from, to types.DeviceState) (types.ActivityEventType, bool) {
	switch {
	case from == types.DeviceStateNew && to == types.DeviceStateAlive:
		return types.ActivityFirstSeen, true
	case from == types.DeviceStateAlive && to == types.DeviceStateOverdue:
		return types.ActivityOverdue, true
	case from == types.DeviceStateOverdue && to == types.DeviceStateAlive:
		return types.ActivityRecovered, true
	}
	return "", false
}
