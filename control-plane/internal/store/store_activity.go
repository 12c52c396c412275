package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/beatmon/pkg/types"
)

// =============================================================================
// ACTIVITY LOG
// =============================================================================

var activityColumns = []string{
	"id", "device_name", "event_type", "from_state", "to_state", "gap_ms", "occurred_at",
}

// activityRows converts events to COPY rows.
func activityRows(events []types.ActivityEvent) ([][]any, error) {
	rows := make([][]any, len(events))
	for i, e := range events {
		id, err := uuid.Parse(e.ID)
		if err != nil {
			return nil, fmt.Errorf("event %q: invalid id: %w", e.ID, err)
		}
		rows[i] = []any{
			id, e.DeviceName, string(e.EventType),
			string(e.FromState), string(e.ToState), e.GapMilli, e.OccurredAt,
		}
	}
	return rows, nil
}

// InsertActivity writes a batch of events using COPY.
func (s *Store) InsertActivity(ctx context.Context, events []types.ActivityEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows, err := activityRows(events)
	if err != nil {
		return 0, err
	}

	n, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"device_activity"},
		activityColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copying activity: %w", err)
	}
	return int(n), nil
}

// RecentActivity returns up to limit events for a device, newest first.
func (s *Store) RecentActivity(ctx context.Context, device string, limit int) ([]types.ActivityEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_name, event_type, from_state, to_state, gap_ms, occurred_at
		FROM device_activity
		WHERE device_name = $1
		ORDER BY occurred_at DESC, id
		LIMIT $2
	`, device, limit)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	events := []types.ActivityEvent{}
	for rows.Next() {
		var (
			e                  types.ActivityEvent
			eventType          string
			fromState, toState string
		)
		if err := rows.Scan(&e.ID, &e.DeviceName, &eventType, &fromState, &toState, &e.GapMilli, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.EventType = types.ActivityEventType(eventType)
		e.FromState = types.DeviceState(fromState)
		e.ToState = types.DeviceState(toState)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Recent implements the API's activity reader.
func (s *Store) Recent(ctx context.Context, device string, limit int) ([]types.ActivityEvent, error) {
	return s.RecentActivity(ctx, device, limit)
}
