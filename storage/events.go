package storage

import (
	"context"
	"fmt"
)

// EventStore runs detection queries against the events table.
type EventStore struct {
	ch *ClickHouse
}

func NewEventStore(ch *ClickHouse) *EventStore {
	return &EventStore{ch: ch}
}

// CountWindow counts events matching the compiled filter predicate inside
// one evaluation window. The window is half-open: start inclusive, end
// exclusive. Returns the executed SQL text so callers can record it in the
// rule checkpoint for debugging.
func (s *EventStore) CountWindow(ctx context.Context, tenantID string, start, end int64, whereSQL string, whereArgs []interface{}) (uint64, string, error) {
	query := "SELECT count() FROM events WHERE tenant_id = ? AND event_timestamp >= ? AND event_timestamp < ?"
	args := []interface{}{tenantID, start, end}
	if whereSQL != "" {
		query += " AND (" + whereSQL + ")"
		args = append(args, whereArgs...)
	}

	var count uint64
	row := s.ch.Conn.QueryRow(ctx, query, args...)
	if err := row.Scan(&count); err != nil {
		return 0, query, fmt.Errorf("failed to count events in window: %w", err)
	}
	return count, query, nil
}

// RecentTenants lists tenant IDs that emitted at least one event since the
// given timestamp. Used to expand rules scoped to all tenants.
func (s *EventStore) RecentTenants(ctx context.Context, since int64) ([]string, error) {
	query := "SELECT DISTINCT tenant_id FROM events WHERE event_timestamp >= ? ORDER BY tenant_id"
	rows, err := s.ch.Conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenant rows: %w", err)
	}
	return tenants, nil
}

// ProbeCIDRSupport checks whether the connected server implements
// isIPAddressInRange. Older servers fall back to a numeric IPv4 range
// comparison in the compiler.
func (s *EventStore) ProbeCIDRSupport(ctx context.Context) bool {
	var ok uint8
	row := s.ch.Conn.QueryRow(ctx, "SELECT isIPAddressInRange('127.0.0.1', '127.0.0.0/8')")
	if err := row.Scan(&ok); err != nil {
		s.ch.Logger.Warnf("Server lacks isIPAddressInRange, using IPv4 numeric fallback for CIDR matches: %v", err)
		return false
	}
	return true
}
