package types

import "time"

// ActivityEventType names a recorded device lifecycle event.
type ActivityEventType string

const (
	ActivityFirstSeen ActivityEventType = "first_seen"
	ActivityOverdue   ActivityEventType = "overdue"
	ActivityRecovered ActivityEventType = "recovered"
	ActivityEvicted   ActivityEventType = "evicted"
)

// ActivityEvent is a device state transition written to the activity log.
type ActivityEvent struct {
	ID         string            `json:"id"`
	DeviceName string            `json:"device_name"`
	EventType  ActivityEventType `json:"event_type"`
	FromState  DeviceState       `json:"from_state"`
	ToState    DeviceState       `json:"to_state"`
	GapMilli   int64             `json:"gap_milli"`
	OccurredAt time.Time         `json:"occurred_at"`
}
