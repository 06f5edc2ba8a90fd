package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Rule is a stored detection rule with its precompiled SQL.
type Rule struct {
	ID              string
	Name            string
	Description     string
	CompiledSQL     string
	CompiledArgs    []interface{}
	WhereSQL        string
	WhereArgs       []interface{}
	Enabled         bool
	ScheduleSec     int64
	ThrottleSeconds int64
	Severity        string
	TenantScope     []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RuleStore keeps rule definitions in a local SQLite database.
type RuleStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewRuleStore opens (creating if needed) the rule database at path.
func NewRuleStore(path string, logger *zap.SugaredLogger) (*RuleStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create rule database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	store := &RuleStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *RuleStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		compiled_sql TEXT NOT NULL,
		compiled_args TEXT NOT NULL DEFAULT '[]',
		where_sql TEXT NOT NULL DEFAULT '',
		where_args TEXT NOT NULL DEFAULT '[]',
		enabled INTEGER NOT NULL DEFAULT 1,
		schedule_sec INTEGER NOT NULL DEFAULT 300,
		throttle_seconds INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL DEFAULT 'medium',
		tenant_scope TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate rules table: %w", err)
	}
	return nil
}

// Close closes the rule database.
func (s *RuleStore) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces a rule by ID.
func (s *RuleStore) Upsert(ctx context.Context, r *Rule) error {
	compiledArgs, err := json.Marshal(argsOrEmpty(r.CompiledArgs))
	if err != nil {
		return fmt.Errorf("failed to encode compiled args: %w", err)
	}
	whereArgs, err := json.Marshal(argsOrEmpty(r.WhereArgs))
	if err != nil {
		return fmt.Errorf("failed to encode where args: %w", err)
	}
	scope, err := json.Marshal(scopeOrEmpty(r.TenantScope))
	if err != nil {
		return fmt.Errorf("failed to encode tenant scope: %w", err)
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, name, description, compiled_sql, compiled_args,
			where_sql, where_args, enabled, schedule_sec, throttle_seconds,
			severity, tenant_scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			compiled_sql = excluded.compiled_sql,
			compiled_args = excluded.compiled_args,
			where_sql = excluded.where_sql,
			where_args = excluded.where_args,
			enabled = excluded.enabled,
			schedule_sec = excluded.schedule_sec,
			throttle_seconds = excluded.throttle_seconds,
			severity = excluded.severity,
			tenant_scope = excluded.tenant_scope,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Description, r.CompiledSQL, string(compiledArgs),
		r.WhereSQL, string(whereArgs), boolToInt(r.Enabled), r.ScheduleSec,
		r.ThrottleSeconds, r.Severity, string(scope), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", r.ID, err)
	}
	return nil
}

// Get returns a rule by ID, or sql.ErrNoRows when it does not exist.
func (s *RuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, compiled_sql, compiled_args, where_sql,
			where_args, enabled, schedule_sec, throttle_seconds, severity,
			tenant_scope, created_at, updated_at
		FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

// ListEnabled returns all enabled rules. Databases created by older
// deployments used interval_sec, suppress_seconds, and scope column names;
// those are read through aliased fallback queries so existing rule files
// keep working without a migration step.
func (s *RuleStore) ListEnabled(ctx context.Context) ([]*Rule, error) {
	rules, err := s.listEnabled(ctx, `
		SELECT id, name, description, compiled_sql, compiled_args, where_sql,
			where_args, enabled, schedule_sec, throttle_seconds, severity,
			tenant_scope, created_at, updated_at
		FROM rules WHERE enabled = 1 ORDER BY id`)
	if err != nil && strings.Contains(err.Error(), "no such column") {
		s.logger.Warn("Rule database uses legacy column names, reading through aliases")
		return s.listEnabled(ctx, `
			SELECT id, name, description, compiled_sql, compiled_args, where_sql,
				where_args, enabled, interval_sec AS schedule_sec,
				suppress_seconds AS throttle_seconds, severity,
				scope AS tenant_scope, created_at, updated_at
			FROM rules WHERE enabled = 1 ORDER BY id`)
	}
	return rules, err
}

func (s *RuleStore) listEnabled(ctx context.Context, query string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	return rules, nil
}

// Delete removes a rule by ID.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetEnabled toggles a rule without touching its definition.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var r Rule
	var compiledArgs, whereArgs, scope string
	var enabled int
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CompiledSQL,
		&compiledArgs, &r.WhereSQL, &whereArgs, &enabled, &r.ScheduleSec,
		&r.ThrottleSeconds, &r.Severity, &scope, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule row: %w", err)
	}
	r.Enabled = enabled != 0

	if err := json.Unmarshal([]byte(compiledArgs), &r.CompiledArgs); err != nil {
		return nil, fmt.Errorf("failed to decode compiled args for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(whereArgs), &r.WhereArgs); err != nil {
		return nil, fmt.Errorf("failed to decode where args for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(scope), &r.TenantScope); err != nil {
		return nil, fmt.Errorf("failed to decode tenant scope for rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func argsOrEmpty(args []interface{}) []interface{} {
	if args == nil {
		return []interface{}{}
	}
	return args
}

func scopeOrEmpty(scope []string) []string {
	if scope == nil {
		return []string{}
	}
	return scope
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
