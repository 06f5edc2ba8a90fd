package storage

import (
	"context"
	"fmt"
	"time"
)

// RuleState is the per-rule, per-tenant evaluation checkpoint.
type RuleState struct {
	RuleID      string
	TenantID    string
	LastRunTS   int64
	LastAlertTS int64
	DedupHash   string
	LastSQL     string
	LastError   string
}

// StateStore persists rule evaluation checkpoints. Writes append a new row;
// reads pick the latest via argMax so concurrent ReplacingMergeTree merges
// never matter for correctness.
type StateStore struct {
	ch *ClickHouse
}

func NewStateStore(ch *ClickHouse) *StateStore {
	return &StateStore{ch: ch}
}

// Get returns the checkpoint for a rule and tenant. found is false when the
// rule has never run for that tenant.
func (s *StateStore) Get(ctx context.Context, ruleID, tenantID string) (state RuleState, found bool, err error) {
	row := s.ch.Conn.QueryRow(ctx, `
		SELECT
			count() AS n,
			argMax(last_run_ts, updated_at),
			argMax(last_alert_ts, updated_at),
			argMax(dedup_hash, updated_at),
			argMax(last_sql, updated_at),
			argMax(last_error, updated_at)
		FROM rule_states
		WHERE rule_id = ? AND tenant_id = ?`, ruleID, tenantID)

	var n uint64
	state.RuleID = ruleID
	state.TenantID = tenantID
	if err := row.Scan(&n, &state.LastRunTS, &state.LastAlertTS,
		&state.DedupHash, &state.LastSQL, &state.LastError); err != nil {
		return RuleState{}, false, fmt.Errorf("failed to read rule state: %w", err)
	}
	if n == 0 {
		return RuleState{RuleID: ruleID, TenantID: tenantID}, false, nil
	}
	return state, true, nil
}

// Put records a new checkpoint row.
func (s *StateStore) Put(ctx context.Context, state RuleState) error {
	err := s.ch.Conn.Exec(ctx, `
		INSERT INTO rule_states (rule_id, tenant_id, last_run_ts, last_alert_ts,
			dedup_hash, last_sql, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.RuleID, state.TenantID, state.LastRunTS, state.LastAlertTS,
		state.DedupHash, state.LastSQL, state.LastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write rule state: %w", err)
	}
	return nil
}
