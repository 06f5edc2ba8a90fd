package storage

import (
	"context"
	"fmt"
	"time"
)

// Alert is one detection firing for a rule, tenant, and window.
type Alert struct {
	AlertID     string
	RuleID      string
	RuleName    string
	TenantID    string
	Severity    string
	WindowStart int64
	WindowEnd   int64
	MatchCount  uint64
	DedupHash   string
	CreatedAt   time.Time
}

// AlertStore persists alerts to ClickHouse.
type AlertStore struct {
	ch *ClickHouse
}

func NewAlertStore(ch *ClickHouse) *AlertStore {
	return &AlertStore{ch: ch}
}

// Insert writes an alert. The alerts table replaces on alert_id, so
// re-inserting after a crash between insert and checkpoint is harmless.
func (s *AlertStore) Insert(ctx context.Context, a *Alert) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := s.ch.Conn.Exec(ctx, `
		INSERT INTO alerts (alert_id, rule_id, rule_name, tenant_id, severity,
			window_start, window_end, match_count, dedup_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID, a.RuleID, a.RuleName, a.TenantID, a.Severity,
		a.WindowStart, a.WindowEnd, a.MatchCount, a.DedupHash, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// RecentForRule returns the newest alerts for a rule, newest first.
func (s *AlertStore) RecentForRule(ctx context.Context, ruleID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ch.Conn.Query(ctx, `
		SELECT alert_id, rule_id, rule_name, tenant_id, severity,
			window_start, window_end, match_count, dedup_hash, created_at
		FROM alerts FINAL
		WHERE rule_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.AlertID, &a.RuleID, &a.RuleName, &a.TenantID, &a.Severity,
			&a.WindowStart, &a.WindowEnd, &a.MatchCount, &a.DedupHash, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return alerts, nil
}
