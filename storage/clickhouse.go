// Package storage provides the persistence layer for the Vigil detection
// core: ClickHouse for events, alerts, and evaluation checkpoints, SQLite
// for rule definitions, and Redis for the optional scheduler lease.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"time"

	"vigil/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// validDatabaseNameRegex ensures database names are safe from SQL injection.
var validDatabaseNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClickHouse holds the ClickHouse connection.
type ClickHouse struct {
	Conn   driver.Conn
	Logger *zap.SugaredLogger
}

// NewClickHouse connects to ClickHouse and ensures the database exists.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
		MaxIdleConns:     cfg.ClickHouse.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if cfg.ClickHouse.TLS {
		options.TLS = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse successfully")

	if err := ensureDatabase(ctx, conn, cfg.ClickHouse.Database, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure database exists: %w", err)
	}

	return &ClickHouse{Conn: conn, Logger: logger}, nil
}

func ensureDatabase(ctx context.Context, conn driver.Conn, database string, logger *zap.SugaredLogger) error {
	if database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if !validDatabaseNameRegex.MatchString(database) {
		return fmt.Errorf("database name contains invalid characters (only alphanumeric and underscore allowed)")
	}

	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	logger.Infof("Database '%s' is ready", database)
	return nil
}

// HealthCheck pings the ClickHouse connection.
func (ch *ClickHouse) HealthCheck(ctx context.Context) error {
	return ch.Conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}

// Migrate creates the events, alerts, and rule_states tables.
//
// Alerts use ReplacingMergeTree keyed on the content-addressed alert_id, so
// re-inserting the same alert after a crash or retry collapses to a single
// row. rule_states is append-only with most-recent-wins reads via argMax.
func (ch *ClickHouse) Migrate(ctx context.Context) error {
	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		event_id String,
		event_timestamp Int64,
		tenant_id LowCardinality(String),
		event_type LowCardinality(String),
		source LowCardinality(String),
		severity LowCardinality(String),
		src_ip String,
		dest_ip String,
		src_port Int32,
		dest_port Int32,
		user String,
		hostname String,
		process String,
		message String,
		metadata String,
		raw_event String,
		INDEX idx_tenant_id tenant_id TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_event_type event_type TYPE set(0) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(toDateTime(event_timestamp))
	ORDER BY (tenant_id, event_timestamp)
	SETTINGS index_granularity = 8192
	`
	if err := ch.Conn.Exec(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	alertsTable := `
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id String,
		rule_id String,
		rule_name String,
		tenant_id LowCardinality(String),
		severity LowCardinality(String),
		window_start Int64,
		window_end Int64,
		match_count UInt64,
		dedup_hash String,
		created_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree()
	ORDER BY (alert_id)
	`
	if err := ch.Conn.Exec(ctx, alertsTable); err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}

	statesTable := `
	CREATE TABLE IF NOT EXISTS rule_states (
		rule_id String,
		tenant_id String,
		last_run_ts Int64,
		last_alert_ts Int64,
		dedup_hash String,
		last_sql String,
		last_error String,
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (rule_id, tenant_id)
	`
	if err := ch.Conn.Exec(ctx, statesTable); err != nil {
		return fmt.Errorf("failed to create rule_states table: %w", err)
	}

	ch.Logger.Info("ClickHouse tables created/verified")
	return nil
}
